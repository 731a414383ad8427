package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/pomelosec/caweb/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRequestFromInfo(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	payload := &api.SubmitRequestPayload{
		Type:         api.Server,
		Mode:         api.FromInfo,
		CommonName:   "www.example.com",
		Organization: "Pomelo",
		Country:      "CN",
		Dns:          "www.example.com;example.com",
	}
	resp, raw := ts.do(t, http.MethodPost, "/api/request", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env := decodeResult(t, raw)
	var request api.Request
	require.NoError(t, json.Unmarshal(env.Data, &request))

	assert.Equal(t, api.StatusPending, request.Status)
	assert.Equal(t, api.Server, request.Type)
	assert.Equal(t, "www.example.com", request.CommonName)
	assert.Equal(t, "admin", request.Username)
	assert.NotEmpty(t, request.CsrContent)
	assert.Equal(t, []string{"www.example.com", "example.com"}, request.DNSList())

	// key material stays server-side
	stored := ts.registry.requests[request.ID]
	require.NotNil(t, stored)
	assert.NotEmpty(t, stored.KeyContent)
	assert.Len(t, stored.KeyPassword, 8)
	assert.True(t, ts.stagingEmpty(t))
}

func TestSubmitRequestFromCsr(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	payload := &api.SubmitRequestPayload{
		Type:       api.Client,
		Mode:       api.FromCsr,
		CsrContent: string(csrPEM("alice@example.com")),
		CommonName: "display-only-name",
	}
	resp, raw := ts.do(t, http.MethodPost, "/api/request", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env := decodeResult(t, raw)
	var request api.Request
	require.NoError(t, json.Unmarshal(env.Data, &request))

	// the common name comes from the CSR, not the payload
	assert.Equal(t, "alice@example.com", request.CommonName)
	assert.Empty(t, request.ValidationMessage)

	stored := ts.registry.requests[request.ID]
	require.NotNil(t, stored)
	assert.Empty(t, stored.KeyContent)
}

func TestSubmitRequestUnparsableCSR(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	payload := &api.SubmitRequestPayload{
		Type:       api.Client,
		Mode:       api.FromCsr,
		CsrContent: "not a csr",
		CommonName: "fallback-name",
	}
	resp, raw := ts.do(t, http.MethodPost, "/api/request", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env := decodeResult(t, raw)
	var request api.Request
	require.NoError(t, json.Unmarshal(env.Data, &request))

	assert.Equal(t, api.StatusPending, request.Status)
	assert.Equal(t, "fallback-name", request.CommonName)
	assert.Contains(t, request.ValidationMessage, "Failed to parse CSR")
}

func TestSubmitRequestInvalidType(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	payload := &api.SubmitRequestPayload{Type: "Banana", Mode: api.FromCsr, CsrContent: "x"}
	resp, raw := ts.do(t, http.MethodPost, "/api/request", payload)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env := decodeResult(t, raw)
	assert.Contains(t, env.Message, "Invalid certificate type")
}

func TestSubmitRequestInvalidMode(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	payload := &api.SubmitRequestPayload{Type: api.Server, Mode: "Telepathy"}
	resp, raw := ts.do(t, http.MethodPost, "/api/request", payload)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env := decodeResult(t, raw)
	assert.Contains(t, env.Message, "Invalid request mode")
}

func TestRequestJSONNeverLeaksKeyMaterial(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	payload := &api.SubmitRequestPayload{
		Type:       api.Server,
		Mode:       api.FromInfo,
		CommonName: "leaky.example.com",
	}
	resp, raw := ts.do(t, http.MethodPost, "/api/request", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env := decodeResult(t, raw)
	var request api.Request
	require.NoError(t, json.Unmarshal(env.Data, &request))
	stored := ts.registry.requests[request.ID]

	for _, path := range []string{"/api/request/" + request.ID, "/api/request"} {
		_, raw := ts.do(t, http.MethodGet, path, nil)
		assert.NotContains(t, string(raw), "fake key material")
		assert.NotContains(t, string(raw), stored.KeyPassword)
		assert.NotContains(t, string(raw), "keyContent")
		assert.NotContains(t, string(raw), "keyPassword")
	}
}

func TestPatchRequestDNS(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	seedRequest(ts, "req-1", api.Server, api.StatusPending, time.Now())

	dns := "new.example.com;alt.example.com"
	resp, raw := ts.do(t, http.MethodPatch, "/api/request/req-1", &api.PatchRequestPayload{Dns: &dns})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env := decodeResult(t, raw)
	assert.Equal(t, "The request has been updated", env.Message)
	assert.Equal(t, dns, ts.registry.requests["req-1"].Dns)
}

func TestPatchRequestNoFields(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	seedRequest(ts, "req-1", api.Server, api.StatusPending, time.Now())

	resp, raw := ts.do(t, http.MethodPatch, "/api/request/req-1", struct{}{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env := decodeResult(t, raw)
	assert.Contains(t, env.Message, "No fields were specified for update")
}

func TestPatchHandledRequestRejected(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	seedRequest(ts, "req-1", api.Server, api.StatusApproved, time.Now())

	dns := "new.example.com"
	resp, raw := ts.do(t, http.MethodPatch, "/api/request/req-1", &api.PatchRequestPayload{Dns: &dns})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env := decodeResult(t, raw)
	assert.Contains(t, env.Message, "already been handled")
}

func TestListRequestsPaging(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	base := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		seedRequest(ts, fmt.Sprintf("req-%02d", i), api.Server, api.StatusPending, base.Add(time.Duration(i)*time.Minute))
	}

	resp, raw := ts.do(t, http.MethodGet, "/api/request?page=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env pagedEnvelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, 25, env.TotalRows)
	assert.Equal(t, 2, env.TotalPages)
	assert.Equal(t, 2, env.Current)
	assert.Equal(t, 20, env.PageSize)

	var page []*api.Request
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Len(t, page, 5)

	// newest first, so the second page holds the oldest requests
	assert.Equal(t, "req-04", page[0].ID)
	assert.Equal(t, "req-00", page[4].ID)
}

func TestListRequestsHandledFilter(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	now := time.Now()
	seedRequest(ts, "pending-1", api.Server, api.StatusPending, now)
	handled := seedRequest(ts, "handled-1", api.Server, api.StatusApproved, now)
	handledAt := now.UTC()
	handled.HandledAt = &handledAt

	resp, raw := ts.do(t, http.MethodGet, "/api/request?handled=false", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env pagedEnvelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, 1, env.TotalRows)

	var page []*api.Request
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page, 1)
	assert.Equal(t, "pending-1", page[0].ID)

	resp, raw = ts.do(t, http.MethodGet, "/api/request?handled=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, 1, env.TotalRows)
}

func TestGetRequestIncludesCertificate(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	cert := &api.Certificate{
		ID:         "cert-1",
		Type:       api.Server,
		Status:     api.CertStatusActive,
		CommonName: "www.example.com",
	}
	ts.seedCertificate(cert)

	req := seedRequest(ts, "req-1", api.Server, api.StatusApproved, time.Now())
	certID := "cert-1"
	req.CertificateID = &certID

	resp, raw := ts.do(t, http.MethodGet, "/api/request/req-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env := decodeResult(t, raw)
	var got api.Request
	require.NoError(t, json.Unmarshal(env.Data, &got))
	require.NotNil(t, got.Certificate)
	assert.Equal(t, "cert-1", got.Certificate.ID)
	assert.Equal(t, "www.example.com", got.Certificate.CommonName)
}

func seedRequest(ts *testServer, id string, certType api.CertificateType, status api.RequestStatus, createdAt time.Time) *api.Request {
	req := &api.Request{
		ID:         id,
		Type:       certType,
		Status:     status,
		Username:   "admin",
		CreatedAt:  createdAt.UTC(),
		CommonName: id + ".example.com",
		CsrContent: string(csrPEM(id + ".example.com")),
	}
	ts.registry.requests[id] = req
	return req
}
