package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io/ioutil"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/pomelosec/caweb/api"
	"github.com/pomelosec/caweb/api/registry"
	"github.com/pomelosec/caweb/config"
	caerrors "github.com/pomelosec/caweb/errors"
	"github.com/pomelosec/caweb/openssl"
	"github.com/stretchr/testify/require"
)

// fakeRegistry is an in-memory implementation of the registry interfaces
// with the same error contract as the database accessor
type fakeRegistry struct {
	users        map[string]*api.User
	passwords    map[string]string
	requests     map[string]*api.Request
	certificates map[string]*api.Certificate
	// ids in deletion order, deepest first
	removed []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		users:        make(map[string]*api.User),
		passwords:    make(map[string]string),
		requests:     make(map[string]*api.Request),
		certificates: make(map[string]*api.Certificate),
	}
}

func (f *fakeRegistry) GetUser(username string) (*api.User, error) {
	user, ok := f.users[username]
	if !ok {
		return nil, caerrors.NewHTTPErr(404, caerrors.ErrUserNotFound, "User not found")
	}
	return user, nil
}

func (f *fakeRegistry) InsertUser(user *api.User, password string) error {
	f.users[user.Username] = user
	f.passwords[user.Username] = password
	return nil
}

func (f *fakeRegistry) Login(username, password string) (*api.User, error) {
	stored, ok := f.passwords[username]
	if !ok || stored != password {
		return nil, caerrors.NewAuthenticationErr(caerrors.ErrAuthFailure, "Failed to login user '%s'", username)
	}
	return f.users[username], nil
}

func (f *fakeRegistry) InsertRequest(req *api.Request) error {
	f.requests[req.ID] = req
	return nil
}

func (f *fakeRegistry) GetRequest(id string) (*api.Request, error) {
	req, ok := f.requests[id]
	if !ok {
		return nil, caerrors.NewHTTPErr(404, caerrors.ErrRequestNotFound, "Request not found")
	}
	return req, nil
}

func (f *fakeRegistry) SelectRequests(filters *registry.RequestFilters, page, pageSize int) ([]*api.Request, int, error) {
	if filters == nil {
		filters = &registry.RequestFilters{}
	}
	var matched []*api.Request
	for _, req := range f.requests {
		if filters.Status != nil && req.Status != *filters.Status {
			continue
		}
		if filters.Type != nil && req.Type != *filters.Type {
			continue
		}
		if filters.From != nil && req.CreatedAt.Before(*filters.From) {
			continue
		}
		if filters.To != nil && req.CreatedAt.After(*filters.To) {
			continue
		}
		if filters.Handled != nil && *filters.Handled != (req.HandledAt != nil) {
			continue
		}
		if filters.CommonName != "" && !strings.Contains(req.CommonName, filters.CommonName) {
			continue
		}
		if filters.Username != "" && req.Username != filters.Username {
			continue
		}
		matched = append(matched, req)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (f *fakeRegistry) UpdateRequestDNS(id, dns string) error {
	req, ok := f.requests[id]
	if !ok {
		return caerrors.NewHTTPErr(404, caerrors.ErrRequestNotFound, "Request '%s' not found", id)
	}
	req.Dns = dns
	return nil
}

func (f *fakeRegistry) ApproveRequest(requestID string, cert *api.Certificate) error {
	req, ok := f.requests[requestID]
	if !ok {
		return caerrors.NewHTTPErr(404, caerrors.ErrRequestNotFound, "Request not found")
	}
	if req.Status != api.StatusPending {
		return caerrors.NewHTTPErr(400, caerrors.ErrRequestHandled, "Request '%s' has already been handled", requestID)
	}
	f.certificates[cert.ID] = cert
	now := time.Now().UTC()
	req.Status = api.StatusApproved
	req.HandledAt = &now
	req.CertificateID = &cert.ID
	return nil
}

func (f *fakeRegistry) GetCertificate(id string) (*api.Certificate, error) {
	cert, ok := f.certificates[id]
	if !ok {
		return nil, caerrors.NewHTTPErr(404, caerrors.ErrCertificateNotFound, "Certificate not found")
	}
	return cert, nil
}

func (f *fakeRegistry) SelectRootCertificates() ([]*api.Certificate, error) {
	var certs []*api.Certificate
	for _, cert := range f.certificates {
		if cert.Type == api.RootCA {
			certs = append(certs, cert)
		}
	}
	return certs, nil
}

func (f *fakeRegistry) SelectCertificatesByUsername(username string) ([]*api.Certificate, error) {
	var certs []*api.Certificate
	for _, cert := range f.certificates {
		if cert.Username == username {
			certs = append(certs, cert)
		}
	}
	return certs, nil
}

func (f *fakeRegistry) GetChildren(parentID string) ([]*api.Certificate, error) {
	if _, ok := f.certificates[parentID]; !ok {
		return nil, caerrors.NewHTTPErr(404, caerrors.ErrCertificateNotFound, "Certificate not found")
	}
	var certs []*api.Certificate
	for _, cert := range f.certificates {
		if cert.ParentID != nil && *cert.ParentID == parentID {
			certs = append(certs, cert)
		}
	}
	return certs, nil
}

func (f *fakeRegistry) RemoveCertificate(id string, reason int) ([]string, error) {
	if _, ok := f.certificates[id]; !ok {
		return nil, caerrors.NewHTTPErr(404, caerrors.ErrCertificateNotFound, "Certificate not found")
	}

	order := []string{id}
	for i := 0; i < len(order); i++ {
		var childIDs []string
		for _, cert := range f.certificates {
			if cert.ParentID != nil && *cert.ParentID == order[i] {
				childIDs = append(childIDs, cert.ID)
			}
		}
		sort.Strings(childIDs)
		order = append(order, childIDs...)
	}

	for i := len(order) - 1; i >= 0; i-- {
		cert := f.certificates[order[i]]
		cert.Status = api.CertStatusRevoked
		delete(f.certificates, order[i])
		f.removed = append(f.removed, order[i])
	}
	return order[1:], nil
}

// fakeSSL implements the openssl client without a child process. CSRs it
// creates are real, parseable PEM; keys and certificates are placeholders.
type fakeSSL struct {
	failSign    bool
	selfSigned  int
	signed      int
	lastParams  openssl.SignParams
	pfxExported int
}

func (f *fakeSSL) GenerateKey(ctx context.Context, keyFile, password string) error {
	return ioutil.WriteFile(keyFile, []byte("fake key material"), 0600)
}

func (f *fakeSSL) CreateCSR(ctx context.Context, keyFile, password string, subject openssl.Subject, csrFile string) error {
	return ioutil.WriteFile(csrFile, csrPEM(subject.CommonName), 0600)
}

func (f *fakeSSL) SelfSign(ctx context.Context, params openssl.SignParams) error {
	if f.failSign {
		return errors.New("openssl x509 failed: unable to load Private Key")
	}
	f.selfSigned++
	f.lastParams = params
	return ioutil.WriteFile(params.CrtFile, []byte("fake certificate"), 0600)
}

func (f *fakeSSL) Sign(ctx context.Context, params openssl.SignParams) error {
	if f.failSign {
		return errors.New("openssl x509 failed: unable to load CA Private Key")
	}
	f.signed++
	f.lastParams = params
	return ioutil.WriteFile(params.CrtFile, []byte("fake certificate"), 0600)
}

func (f *fakeSSL) ExportPfx(ctx context.Context, crtFile, keyFile, keyPassword, pfxFile, pfxPassword string) error {
	if f.failSign {
		return errors.New("openssl pkcs12 failed: unable to load private key")
	}
	f.pfxExported++
	return ioutil.WriteFile(pfxFile, []byte("fake pfx bundle"), 0600)
}

// csrPEM builds a real PEM-encoded CSR with the given common name
func csrPEM(cn string) []byte {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		panic(err)
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: cn},
	}, key)
	if err != nil {
		panic(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

type testServer struct {
	srv      *Server
	http     *httptest.Server
	registry *fakeRegistry
	ssl      *fakeSSL
	tempPath string
}

func newTestServer(t *testing.T) *testServer {
	tempPath, err := ioutil.TempDir("", "caweb-server")
	require.NoError(t, err)

	reg := newFakeRegistry()
	reg.users["admin"] = &api.User{Username: "admin", DisplayName: "Admin", Role: api.RoleAdmin}
	reg.passwords["admin"] = "adminpw"

	ssl := &fakeSSL{}
	srv := &Server{
		Config: &config.ServerConfig{
			OpenSSL: config.OpenSSLConfig{TempPath: tempPath},
			Signing: config.SigningConfig{
				DefaultDays:      config.DefaultSigningDays,
				DefaultAlgorithm: config.DefaultAlgorithm,
			},
		},
	}
	srv.CA.Config = srv.Config
	srv.CA.users = reg
	srv.CA.requests = reg
	srv.CA.certificates = reg
	srv.CA.ssl = ssl
	srv.registerHandlers()

	ts := httptest.NewServer(srv.mux)
	return &testServer{srv: srv, http: ts, registry: reg, ssl: ssl, tempPath: tempPath}
}

func (ts *testServer) Close() {
	ts.http.Close()
	os.RemoveAll(ts.tempPath)
}

// stagingEmpty reports whether every staging directory has been cleaned up
func (ts *testServer) stagingEmpty(t *testing.T) bool {
	entries, err := ioutil.ReadDir(ts.tempPath)
	require.NoError(t, err)
	return len(entries) == 0
}

func (ts *testServer) seedCertificate(cert *api.Certificate) {
	ts.registry.certificates[cert.ID] = cert
}
