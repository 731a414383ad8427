package server

import (
	"net/http"

	"github.com/cloudflare/cfssl/log"
	"github.com/gorilla/mux"
	"github.com/pomelosec/caweb/api"
	caerrors "github.com/pomelosec/caweb/errors"
	"github.com/pomelosec/caweb/openssl"
	"golang.org/x/crypto/ocsp"
)

// Handle a root certificate listing
func rootCertificatesHandler(s *Server, resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	return s.CA.certificates.SelectRootCertificates()
}

// Handle a listing of the caller's own certificates
func myCertificatesHandler(s *Server, resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	identity := identityFromContext(req.Context())
	return s.CA.certificates.SelectCertificatesByUsername(identity.Username)
}

// Handle a single certificate query
func getCertificateHandler(s *Server, resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	id := mux.Vars(req)["id"]
	return s.CA.certificates.GetCertificate(id)
}

// Handle a listing of the certificates issued directly under a CA
func childrenHandler(s *Server, resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	id := mux.Vars(req)["id"]
	return s.CA.certificates.GetChildren(id)
}

// Handle a certificate file download
func downloadCrtHandler(s *Server, resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	id := mux.Vars(req)["id"]

	cert, err := s.CA.certificates.GetCertificate(id)
	if err != nil {
		return nil, err
	}
	if len(cert.CrtFile) == 0 {
		return nil, caerrors.NewHTTPErr(404, caerrors.ErrCertificateNotFound, "Certificate '%s' has no certificate file", id)
	}

	return &fileResponse{
		name:        cert.CommonName + ".crt",
		contentType: "application/x-x509-ca-cert",
		body:        cert.CrtFile,
	}, nil
}

// Handle a private key file download
func downloadKeyHandler(s *Server, resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	id := mux.Vars(req)["id"]

	cert, err := s.CA.certificates.GetCertificate(id)
	if err != nil {
		return nil, err
	}
	if len(cert.KeyFile) == 0 {
		return nil, caerrors.NewHTTPErr(404, caerrors.ErrMissingKey, "Certificate '%s' has no stored key material", id)
	}

	return &fileResponse{
		name:        cert.CommonName + ".key",
		contentType: "application/octet-stream",
		body:        cert.KeyFile,
	}, nil
}

// Handle a PKCS#12 export. The private key comes from the request body when
// supplied, otherwise from the stored key material.
func convertPfxHandler(s *Server, resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	id := mux.Vars(req)["id"]

	var payload api.ConvertPfxPayload
	err := ReadBody(req, &payload)
	if err != nil {
		return nil, err
	}
	if payload.PfxPassword == "" {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrMissingPassword, "The password must be filled")
	}

	cert, err := s.CA.certificates.GetCertificate(id)
	if err != nil {
		return nil, err
	}

	key := []byte(payload.Key)
	keyPassword := payload.KeyPassword
	if len(key) == 0 {
		if len(cert.KeyFile) == 0 {
			return nil, caerrors.NewHTTPErr(400, caerrors.ErrMissingKey, "Certificate '%s' has no stored key material; supply a key in the request body", id)
		}
		key = cert.KeyFile
		keyPassword = cert.KeyPassword
	}

	ca := s.GetCA()
	staging, err := openssl.NewStaging(ca.Config.OpenSSL.TempPath)
	if err != nil {
		return nil, err
	}
	defer staging.Cleanup()

	crtFile, err := staging.WriteFile("cert.crt", cert.CrtFile)
	if err != nil {
		return nil, err
	}
	keyFile, err := staging.WriteFile("cert.key", key)
	if err != nil {
		return nil, err
	}

	err = ca.ssl.ExportPfx(req.Context(), crtFile, keyFile, keyPassword, staging.Path("cert.pfx"), payload.PfxPassword)
	if err != nil {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrSigning, "Failed to convert certificate '%s' to PFX: %s", id, err)
	}

	pfx, err := staging.ReadFile("cert.pfx")
	if err != nil {
		return nil, err
	}

	return &fileResponse{
		name:        cert.CommonName + ".pfx",
		contentType: "application/x-pkcs12",
		body:        pfx,
	}, nil
}

// Handle a certificate revocation. The whole subtree under the certificate
// is revoked and removed with it.
func deleteCertificateHandler(s *Server, resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	id := mux.Vars(req)["id"]

	removed, err := s.CA.certificates.RemoveCertificate(id, ocsp.CessationOfOperation)
	if err != nil {
		return nil, err
	}

	log.Infof("Revoked certificate %s and %d descendants", id, len(removed))
	return &api.Result{Code: http.StatusOK, Message: "The certificate has been revoked"}, nil
}
