package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pomelosec/caweb/api"
	"github.com/pomelosec/caweb/api/registry"
	caerrors "github.com/pomelosec/caweb/errors"
	"github.com/pomelosec/caweb/openssl"
	"github.com/pomelosec/caweb/util"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	// length of the unlock password generated for server-side keys
	keyPasswordLength = 8
)

// Handle a paged, filtered request query
func requestsHandler(s *Server, resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	filters, page, pageSize, err := parseRequestQuery(req)
	if err != nil {
		return nil, err
	}

	requests, total, err := s.CA.requests.SelectRequests(filters, page, pageSize)
	if err != nil {
		return nil, err
	}

	return &api.PagedResult{
		Code:       http.StatusOK,
		TotalRows:  total,
		TotalPages: (total + pageSize - 1) / pageSize,
		Current:    page,
		PageSize:   pageSize,
		Data:       requests,
	}, nil
}

func parseRequestQuery(req *http.Request) (*registry.RequestFilters, int, int, error) {
	q := req.URL.Query()
	filters := &registry.RequestFilters{
		CommonName: q.Get("commonName"),
		Username:   q.Get("username"),
	}

	if v := q.Get("status"); v != "" {
		status := api.RequestStatus(v)
		filters.Status = &status
	}
	if v := q.Get("type"); v != "" {
		certType := api.CertificateType(v)
		if !certType.Valid() {
			return nil, 0, 0, caerrors.NewHTTPErr(400, caerrors.ErrBadReqBody, "Invalid certificate type '%s'", v)
		}
		filters.Type = &certType
	}
	if v := q.Get("from"); v != "" {
		from, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, 0, 0, caerrors.NewHTTPErr(400, caerrors.ErrBadReqBody, "Invalid 'from' timestamp '%s': %s", v, err)
		}
		filters.From = &from
	}
	if v := q.Get("to"); v != "" {
		to, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, 0, 0, caerrors.NewHTTPErr(400, caerrors.ErrBadReqBody, "Invalid 'to' timestamp '%s': %s", v, err)
		}
		filters.To = &to
	}
	if v := q.Get("handled"); v != "" {
		handled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, 0, 0, caerrors.NewHTTPErr(400, caerrors.ErrBadReqBody, "Invalid 'handled' value '%s'", v)
		}
		filters.Handled = &handled
	}

	page := 1
	if v := q.Get("page"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 {
			return nil, 0, 0, caerrors.NewHTTPErr(400, caerrors.ErrBadReqBody, "Invalid 'page' value '%s'", v)
		}
		page = p
	}

	pageSize := defaultPageSize
	if v := q.Get("pageSize"); v != "" {
		ps, err := strconv.Atoi(v)
		if err != nil || ps < 1 || ps > maxPageSize {
			return nil, 0, 0, caerrors.NewHTTPErr(400, caerrors.ErrBadReqBody, "Invalid 'pageSize' value '%s'", v)
		}
		pageSize = ps
	}

	return filters, page, pageSize, nil
}

// Handle a single request query, attaching the issued certificate once the
// request has been approved
func getRequestHandler(s *Server, resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	id := mux.Vars(req)["id"]

	request, err := s.CA.requests.GetRequest(id)
	if err != nil {
		return nil, err
	}

	if request.CertificateID != nil {
		cert, err := s.CA.certificates.GetCertificate(*request.CertificateID)
		if err != nil {
			return nil, err
		}
		request.Certificate = cert
	}
	return request, nil
}

// Handle a request submission
func submitRequestHandler(s *Server, resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	var payload api.SubmitRequestPayload
	err := ReadBody(req, &payload)
	if err != nil {
		return nil, err
	}

	identity := identityFromContext(req.Context())
	return s.CA.SubmitRequest(req.Context(), identity, &payload)
}

// Handle a whitelisted field update on a pending request
func patchRequestHandler(s *Server, resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	id := mux.Vars(req)["id"]

	var payload api.PatchRequestPayload
	err := ReadBody(req, &payload)
	if err != nil {
		return nil, err
	}

	if payload.Dns == nil {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrNoFieldUpdated, "No fields were specified for update")
	}

	request, err := s.CA.requests.GetRequest(id)
	if err != nil {
		return nil, err
	}
	if request.Status != api.StatusPending {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrRequestHandled, "Request '%s' has already been handled", id)
	}

	err = s.CA.requests.UpdateRequestDNS(id, *payload.Dns)
	if err != nil {
		return nil, err
	}

	return &api.Result{Code: http.StatusOK, Message: "The request has been updated"}, nil
}

// SubmitRequest validates a submission payload and stores the new request.
// In FromInfo mode the private key and CSR are generated server-side inside
// a staging directory that is removed before returning.
func (ca *CA) SubmitRequest(ctx context.Context, identity *api.User, payload *api.SubmitRequestPayload) (*api.Request, error) {
	if !payload.Type.Valid() {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrBadReqBody, "Invalid certificate type '%s'", payload.Type)
	}

	request := &api.Request{
		ID:             uuid.New().String(),
		Type:           payload.Type,
		Status:         api.StatusPending,
		Username:       identity.Username,
		CreatedAt:      time.Now().UTC(),
		RequestMessage: payload.RequestMessage,
		Dns:            payload.Dns,
	}

	switch payload.Mode {
	case api.FromCsr:
		if payload.CsrContent == "" {
			return nil, caerrors.NewHTTPErr(400, caerrors.ErrBadReqBody, "CsrContent must be provided in FromCsr mode")
		}
		request.CsrContent = payload.CsrContent

		csr, err := util.GetX509CSRFromPEM([]byte(payload.CsrContent))
		if err != nil {
			// the client-supplied common name is display-only; a CSR that
			// fails to parse is recorded, not rejected, and will be caught
			// again at signing time
			request.CommonName = payload.CommonName
			request.ValidationMessage = fmt.Sprintf("Failed to parse CSR: %s", err)
			log.Warningf("Request %s submitted with unparsable CSR: %s", request.ID, err)
		} else {
			request.CommonName = csr.Subject.CommonName
		}

	case api.FromInfo:
		if payload.CommonName == "" {
			return nil, caerrors.NewHTTPErr(400, caerrors.ErrBadReqBody, "CommonName must be provided in FromInfo mode")
		}
		err := ca.generateRequestMaterial(ctx, request, payload)
		if err != nil {
			return nil, err
		}

	default:
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrBadReqBody, "Invalid request mode '%s'", payload.Mode)
	}

	err := ca.requests.InsertRequest(request)
	if err != nil {
		return nil, err
	}

	log.Infof("Stored %s request %s for user %s", request.Type, request.ID, request.Username)
	return request, nil
}

func (ca *CA) generateRequestMaterial(ctx context.Context, request *api.Request, payload *api.SubmitRequestPayload) error {
	staging, err := openssl.NewStaging(ca.Config.OpenSSL.TempPath)
	if err != nil {
		return err
	}
	defer staging.Cleanup()

	password := util.RandomString(keyPasswordLength)

	err = ca.ssl.GenerateKey(ctx, staging.Path("req.key"), password)
	if err != nil {
		return caerrors.NewHTTPErr(500, caerrors.ErrSigning, "Failed to generate private key: %s", err)
	}

	subject := openssl.Subject{
		Country:          payload.Country,
		Province:         payload.Province,
		City:             payload.City,
		Organization:     payload.Organization,
		OrganizationUnit: payload.OrganizationUnit,
		CommonName:       payload.CommonName,
		Email:            payload.Email,
	}
	err = ca.ssl.CreateCSR(ctx, staging.Path("req.key"), password, subject, staging.Path("req.csr"))
	if err != nil {
		return caerrors.NewHTTPErr(500, caerrors.ErrSigning, "Failed to generate CSR: %s", err)
	}

	key, err := staging.ReadFile("req.key")
	if err != nil {
		return err
	}
	csr, err := staging.ReadFile("req.csr")
	if err != nil {
		return err
	}

	request.CommonName = payload.CommonName
	request.CsrContent = string(csr)
	request.KeyContent = key
	request.KeyPassword = password
	return nil
}
