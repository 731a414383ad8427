package server

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pomelosec/caweb/api"
	"github.com/pomelosec/caweb/api/registry"
	cadb "github.com/pomelosec/caweb/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"
)

// Accessor tests need a reachable MySQL server, e.g.
// CAWEB_MYSQL_DSN='root:rootpw@tcp(localhost:3306)/caweb_test?parseTime=true'
func accessorFromEnv(t *testing.T) *Accessor {
	dsn := os.Getenv("CAWEB_MYSQL_DSN")
	if dsn == "" {
		t.Skip("CAWEB_MYSQL_DSN not set, skipping database tests")
	}

	db, err := cadb.NewCaDBMySQL(dsn)
	require.NoError(t, err)
	return NewDBAccessor(db)
}

func TestAccessorUserLogin(t *testing.T) {
	accessor := accessorFromEnv(t)

	username := "user-" + uuid.New().String()
	err := accessor.InsertUser(&api.User{
		Username:    username,
		Email:       username + "@example.com",
		DisplayName: "Test User",
		Role:        api.RoleUser,
	}, "secretpw")
	require.NoError(t, err)

	user, err := accessor.Login(username, "secretpw")
	require.NoError(t, err)
	assert.Equal(t, username, user.Username)
	assert.Equal(t, api.RoleUser, user.Role)

	_, err = accessor.Login(username, "wrongpw")
	assert.Error(t, err)

	_, err = accessor.Login("no-such-"+username, "secretpw")
	assert.Error(t, err)
}

func TestAccessorRequestPaging(t *testing.T) {
	accessor := accessorFromEnv(t)

	username := "pager-" + uuid.New().String()
	base := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 45; i++ {
		err := accessor.InsertRequest(&api.Request{
			ID:         uuid.New().String(),
			Type:       api.Server,
			Status:     api.StatusPending,
			Username:   username,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
			CommonName: "paged.example.com",
			CsrContent: string(csrPEM("paged.example.com")),
		})
		require.NoError(t, err)
	}

	filters := &registry.RequestFilters{Username: username}

	seen := make(map[string]bool)
	for page := 1; page <= 3; page++ {
		reqs, total, err := accessor.SelectRequests(filters, page, 20)
		require.NoError(t, err)
		assert.Equal(t, 45, total)

		expected := 20
		if page == 3 {
			expected = 5
		}
		require.Len(t, reqs, expected)
		for _, req := range reqs {
			assert.False(t, seen[req.ID], "request %s appeared on more than one page", req.ID)
			seen[req.ID] = true
		}
	}
	assert.Len(t, seen, 45)

	handled := false
	filters.Handled = &handled
	_, total, err := accessor.SelectRequests(filters, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 45, total)
}

func TestAccessorApproveRequest(t *testing.T) {
	accessor := accessorFromEnv(t)

	requestID := uuid.New().String()
	err := accessor.InsertRequest(&api.Request{
		ID:          requestID,
		Type:        api.RootCA,
		Status:      api.StatusPending,
		Username:    "approver",
		CreatedAt:   time.Now().UTC(),
		CommonName:  "Approve Root CA",
		CsrContent:  string(csrPEM("Approve Root CA")),
		KeyContent:  []byte("key material"),
		KeyPassword: "keypw",
	})
	require.NoError(t, err)

	cert := &api.Certificate{
		ID:          uuid.New().String(),
		IssuedAt:    time.Now().UTC(),
		Username:    "approver",
		Type:        api.RootCA,
		Status:      api.CertStatusActive,
		CommonName:  "Approve Root CA",
		CrtFile:     []byte("certificate bytes"),
		KeyFile:     []byte("key material"),
		KeyPassword: "keypw",
	}
	err = accessor.ApproveRequest(requestID, cert)
	require.NoError(t, err)

	request, err := accessor.GetRequest(requestID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusApproved, request.Status)
	require.NotNil(t, request.CertificateID)
	assert.Equal(t, cert.ID, *request.CertificateID)
	assert.NotNil(t, request.HandledAt)

	stored, err := accessor.GetCertificate(cert.ID)
	require.NoError(t, err)
	assert.Equal(t, cert.CommonName, stored.CommonName)
	assert.Equal(t, []byte("certificate bytes"), stored.CrtFile)

	// second approval must be rejected and leave the request untouched
	err = accessor.ApproveRequest(requestID, cert)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already been handled")
}

func TestAccessorRemoveCertificateCascade(t *testing.T) {
	accessor := accessorFromEnv(t)

	insert := func(id string, certType api.CertificateType, parentID *string) {
		req := &api.Request{
			ID:         uuid.New().String(),
			Type:       certType,
			Status:     api.StatusPending,
			Username:   "cascader",
			CreatedAt:  time.Now().UTC(),
			CommonName: id,
			CsrContent: string(csrPEM(id)),
		}
		require.NoError(t, accessor.InsertRequest(req))
		require.NoError(t, accessor.ApproveRequest(req.ID, &api.Certificate{
			ID:         id,
			ParentID:   parentID,
			IssuedAt:   time.Now().UTC(),
			Username:   "cascader",
			Type:       certType,
			Status:     api.CertStatusActive,
			CommonName: id,
			CrtFile:    []byte("certificate " + id),
		}))
	}

	rootID := "root-" + uuid.New().String()
	intID := "int-" + uuid.New().String()
	leafID := "leaf-" + uuid.New().String()
	insert(rootID, api.RootCA, nil)
	insert(intID, api.IntermediateCA, &rootID)
	insert(leafID, api.Server, &intID)

	removed, err := accessor.RemoveCertificate(rootID, ocsp.CessationOfOperation)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{intID, leafID}, removed)

	for _, id := range []string{rootID, intID, leafID} {
		_, err := accessor.GetCertificate(id)
		assert.Error(t, err)
	}

	_, err = accessor.RemoveCertificate(rootID, ocsp.CessationOfOperation)
	assert.Error(t, err)
}
