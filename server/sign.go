package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pomelosec/caweb/api"
	caerrors "github.com/pomelosec/caweb/errors"
	"github.com/pomelosec/caweb/openssl"
	"github.com/pomelosec/caweb/util"
)

var signingAlgorithms = map[string]bool{
	"sha256": true,
	"sha384": true,
	"sha512": true,
}

// Handle a signing request for a pending certificate request
func signRequestHandler(s *Server, resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	id := mux.Vars(req)["id"]

	var payload api.SignRequestPayload
	_, err := TryReadBody(req, &payload)
	if err != nil {
		return nil, err
	}

	return s.CA.SignRequest(req.Context(), id, &payload)
}

// SignRequest signs the CSR of a pending request and persists the issued
// certificate. The common name recorded on the certificate always comes
// from the CSR, never from the submission payload. Nothing is persisted
// unless the openssl signing step succeeds.
func (ca *CA) SignRequest(ctx context.Context, requestID string, payload *api.SignRequestPayload) (*api.Certificate, error) {
	request, err := ca.requests.GetRequest(requestID)
	if err != nil {
		return nil, err
	}
	if request.Status != api.StatusPending {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrRequestHandled, "Request '%s' has already been handled", requestID)
	}

	csr, err := util.GetX509CSRFromPEM([]byte(request.CsrContent))
	if err != nil {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrBadCSR, "Failed to parse CSR of request '%s': %s", requestID, err)
	}
	commonName := csr.Subject.CommonName

	days := payload.Days
	if days <= 0 {
		days = ca.Config.Signing.DefaultDays
	}
	algorithm := payload.Algorithm
	if algorithm == "" {
		algorithm = ca.Config.Signing.DefaultAlgorithm
	}
	if !signingAlgorithms[algorithm] {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrBadReqBody, "Invalid signing algorithm '%s'", algorithm)
	}

	staging, err := openssl.NewStaging(ca.Config.OpenSSL.TempPath)
	if err != nil {
		return nil, err
	}
	defer staging.Cleanup()

	csrFile, err := staging.WriteFile("req.csr", []byte(request.CsrContent))
	if err != nil {
		return nil, err
	}

	params := openssl.SignParams{
		Type:      request.Type,
		CsrFile:   csrFile,
		CrtFile:   staging.Path("req.crt"),
		Days:      days,
		Algorithm: algorithm,
	}

	var parentID *string
	var crlUrls string

	if request.Type == api.RootCA {
		if len(request.KeyContent) == 0 {
			return nil, caerrors.NewHTTPErr(400, caerrors.ErrMissingKey, "Request '%s' has no stored key material to self-sign with", requestID)
		}
		crlUrls = strings.Join(payload.CrlUrls, ",")

		params.KeyFile, err = staging.WriteFile("req.key", request.KeyContent)
		if err != nil {
			return nil, err
		}
		params.KeyPassword = request.KeyPassword
		params.ExtFile, err = staging.WriteFile("req.ext",
			[]byte(openssl.ExtFileContent(request.Type, nil, payload.CrlUrls)))
		if err != nil {
			return nil, err
		}

		err = ca.ssl.SelfSign(ctx, params)
		if err != nil {
			return nil, caerrors.NewHTTPErr(500, caerrors.ErrSigning, "Failed to sign certificate for request '%s': %s", requestID, err)
		}
	} else {
		issuer, err := ca.lookupIssuer(payload.CaCertificateID)
		if err != nil {
			return nil, err
		}
		parentID = &issuer.ID

		var extCrlUrls []string
		if request.Type == api.IntermediateCA {
			crlUrls = strings.Join(payload.CrlUrls, ",")
			extCrlUrls = payload.CrlUrls
		} else {
			crlUrls = issuer.CrlUrls
			extCrlUrls = issuer.CrlURLList()
		}

		params.CaCrtFile, err = staging.WriteFile("ca.crt", issuer.CrtFile)
		if err != nil {
			return nil, err
		}
		params.CaKeyFile, err = staging.WriteFile("ca.key", issuer.KeyFile)
		if err != nil {
			return nil, err
		}
		params.CaKeyPassword = issuer.KeyPassword
		params.ExtFile, err = staging.WriteFile("req.ext",
			[]byte(openssl.ExtFileContent(request.Type, request.DNSList(), extCrlUrls)))
		if err != nil {
			return nil, err
		}

		err = ca.ssl.Sign(ctx, params)
		if err != nil {
			return nil, caerrors.NewHTTPErr(500, caerrors.ErrSigning, "Failed to sign certificate for request '%s': %s", requestID, err)
		}
	}

	crt, err := staging.ReadFile("req.crt")
	if err != nil {
		return nil, err
	}

	cert := &api.Certificate{
		ID:          uuid.New().String(),
		ParentID:    parentID,
		IssuedAt:    time.Now().UTC(),
		Username:    request.Username,
		Type:        request.Type,
		Status:      api.CertStatusActive,
		CommonName:  commonName,
		CrlUrls:     crlUrls,
		CrtFile:     crt,
		KeyFile:     request.KeyContent,
		KeyPassword: request.KeyPassword,
	}

	err = ca.requests.ApproveRequest(requestID, cert)
	if err != nil {
		return nil, err
	}

	log.Infof("Signed %s certificate %s (%s) for request %s", cert.Type, cert.ID, cert.CommonName, requestID)
	return cert, nil
}

// lookupIssuer validates the issuing CA named in a signing payload: it must
// exist, be a CA type, be active and have stored key material.
func (ca *CA) lookupIssuer(caCertificateID *string) (*api.Certificate, error) {
	if caCertificateID == nil || *caCertificateID == "" {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrMissingCACert, "CaCertificateId must be specified")
	}

	issuer, err := ca.certificates.GetCertificate(*caCertificateID)
	if err != nil {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrMissingCACert, "CA Certificate '%s' not found", *caCertificateID)
	}
	if !issuer.Type.CanIssue() {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrBadIssuer, "Certificate '%s' is not a CA certificate", issuer.ID)
	}
	if issuer.Status != api.CertStatusActive {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrRevokedIssuer, "CA Certificate '%s' has been revoked", issuer.ID)
	}
	if len(issuer.KeyFile) == 0 {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrMissingKey, "CA Certificate '%s' has no stored key material", issuer.ID)
	}
	return issuer, nil
}
