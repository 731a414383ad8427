package api

import (
	"strings"
	"time"
)

// CertificateType determines which signing operation applies to a request
// and which parent CA must be used.
type CertificateType string

// The closed set of certificate types
const (
	RootCA         CertificateType = "RootCA"
	IntermediateCA CertificateType = "IntermediateCA"
	Server         CertificateType = "Server"
	Client         CertificateType = "Client"
	CodeSigning    CertificateType = "CodeSigning"
)

// Valid returns true if t is a known certificate type
func (t CertificateType) Valid() bool {
	switch t {
	case RootCA, IntermediateCA, Server, Client, CodeSigning:
		return true
	}
	return false
}

// CanIssue returns true if certificates of this type may sign other certificates
func (t CertificateType) CanIssue() bool {
	return t == RootCA || t == IntermediateCA
}

// RequestStatus is the lifecycle status of a certificate request
type RequestStatus string

// Request lifecycle states
const (
	StatusPending  RequestStatus = "Pending"
	StatusApproved RequestStatus = "Approved"
	StatusRejected RequestStatus = "Rejected"
)

// RequestMode selects how a request is created: from a supplied CSR or
// from subject-info fields with server-side key generation.
type RequestMode string

// Request creation modes
const (
	FromCsr  RequestMode = "FromCsr"
	FromInfo RequestMode = "FromInfo"
)

// CertificateStatus is the certificate lifecycle state
type CertificateStatus string

// Certificate lifecycle states
const (
	CertStatusActive  CertificateStatus = "active"
	CertStatusRevoked CertificateStatus = "revoked"
)

// UserRole is the role of a registered user
type UserRole string

// User roles
const (
	RoleUser  UserRole = "User"
	RoleAdmin UserRole = "Admin"
	RoleRoot  UserRole = "Root"
)

// User is a registered identity. Users are created out-of-band and are
// read-only to the request/certificate workflow.
type User struct {
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	DisplayName string   `json:"displayName"`
	Role        UserRole `json:"role"`
}

// Certificate is a signed certificate chained into the CA hierarchy.
// Key material and certificate bytes are never serialized to clients;
// they are fetched through the dedicated download endpoints.
type Certificate struct {
	ID          string            `json:"id"`
	ParentID    *string           `json:"parentId,omitempty"`
	IssuedAt    time.Time         `json:"issuedAt"`
	Username    string            `json:"username"`
	Type        CertificateType   `json:"type"`
	Status      CertificateStatus `json:"status"`
	CommonName  string            `json:"commonName"`
	CrlUrls     string            `json:"crlUrls,omitempty"`
	CrtFile     []byte            `json:"-"`
	KeyFile     []byte            `json:"-"`
	KeyPassword string            `json:"-"`
}

// CrlURLList splits the comma-joined CRL distribution URLs
func (c *Certificate) CrlURLList() []string {
	return splitList(c.CrlUrls, ",")
}

// Request is a certificate request submitted for approval and signing.
// KeyContent and KeyPassword are populated only when the request was
// created in FromInfo mode and must never be returned to a client.
type Request struct {
	ID                string          `json:"id"`
	Type              CertificateType `json:"type"`
	Status            RequestStatus   `json:"status"`
	Username          string          `json:"username"`
	CreatedAt         time.Time       `json:"createdAt"`
	HandledAt         *time.Time      `json:"handledAt,omitempty"`
	RequestMessage    string          `json:"requestMessage,omitempty"`
	ValidationMessage string          `json:"validationMessage,omitempty"`
	CommonName        string          `json:"commonName"`
	Dns               string          `json:"dns,omitempty"`
	CsrContent        string          `json:"csrContent,omitempty"`
	KeyContent        []byte          `json:"-"`
	KeyPassword       string          `json:"-"`
	CertificateID     *string         `json:"certificateId,omitempty"`
	Certificate       *Certificate    `json:"certificate,omitempty"`
}

// DNSList splits the semicolon-delimited DNS subject-alternative-name list
func (r *Request) DNSList() []string {
	return splitList(r.Dns, ";")
}

func splitList(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
