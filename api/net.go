package api

// SubmitRequestPayload is the body of a request submission.
// In FromCsr mode CsrContent is taken verbatim; in FromInfo mode the
// subject-info fields drive server-side key and CSR generation.
type SubmitRequestPayload struct {
	Type             CertificateType `json:"type"`
	Mode             RequestMode     `json:"mode"`
	RequestMessage   string          `json:"requestMessage,omitempty"`
	CsrContent       string          `json:"csrContent,omitempty"`
	CommonName       string          `json:"commonName,omitempty"`
	Organization     string          `json:"organization,omitempty"`
	OrganizationUnit string          `json:"organizationUnit,omitempty"`
	Country          string          `json:"country,omitempty"`
	Province         string          `json:"province,omitempty"`
	City             string          `json:"city,omitempty"`
	Email            string          `json:"email,omitempty"`
	Dns              string          `json:"dns,omitempty"`
}

// PatchRequestPayload carries the whitelisted field changes for a pending request
type PatchRequestPayload struct {
	Dns *string `json:"dns"`
}

// SignRequestPayload is the body of a signing request
type SignRequestPayload struct {
	Algorithm       string   `json:"algorithm,omitempty"`
	Days            int      `json:"days,omitempty"`
	CaCertificateID *string  `json:"caCertificateId,omitempty"`
	CrlUrls         []string `json:"crlUrls,omitempty"`
}

// ConvertPfxPayload is the body of a PFX export request. Key overrides the
// stored private key; PfxPassword protects the produced bundle.
type ConvertPfxPayload struct {
	Key         string `json:"key,omitempty"`
	KeyPassword string `json:"keyPassword,omitempty"`
	PfxPassword string `json:"pfxPassword"`
}

// Result is the response envelope for single-payload operations
type Result struct {
	Code    int         `json:"code"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// PagedResult is the response envelope for paged collections
type PagedResult struct {
	Code       int         `json:"code"`
	Message    string      `json:"message,omitempty"`
	TotalRows  int         `json:"totalRows"`
	TotalPages int         `json:"totalPages"`
	Current    int         `json:"current"`
	PageSize   int         `json:"pageSize"`
	Data       interface{} `json:"data"`
}
