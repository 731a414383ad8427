package registry

import (
	"time"

	"github.com/pomelosec/caweb/api"
)

// RequestFilters is the filter set for paged request queries.
// Nil fields are not applied.
type RequestFilters struct {
	Status     *api.RequestStatus
	Type       *api.CertificateType
	From       *time.Time
	To         *time.Time
	Handled    *bool
	CommonName string
	Username   string
}

// UserRegistry is the API for retrieving and authenticating users
type UserRegistry interface {
	GetUser(username string) (*api.User, error)
	InsertUser(user *api.User, password string) error
	Login(username, password string) (*api.User, error)
}

// RequestRegistry is the API for storing certificate requests
type RequestRegistry interface {
	InsertRequest(req *api.Request) error
	GetRequest(id string) (*api.Request, error)
	SelectRequests(filters *RequestFilters, page, pageSize int) ([]*api.Request, int, error)
	UpdateRequestDNS(id, dns string) error
	// ApproveRequest persists the new certificate and transitions the
	// originating request to Approved in a single transaction.
	ApproveRequest(requestID string, cert *api.Certificate) error
}

// CertificateRegistry is the API for the certificate hierarchy
type CertificateRegistry interface {
	GetCertificate(id string) (*api.Certificate, error)
	SelectRootCertificates() ([]*api.Certificate, error)
	SelectCertificatesByUsername(username string) ([]*api.Certificate, error)
	GetChildren(parentID string) ([]*api.Certificate, error)
	// RemoveCertificate revokes and removes every descendant of the
	// certificate before removing the certificate itself, all in a single
	// transaction. It returns the ids of the removed descendants.
	RemoveCertificate(id string, reason int) ([]string, error)
}
