package openssl

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/pomelosec/caweb/api"
)

// Client abstracts the key generation and signing operations performed
// by the openssl binary
type Client interface {
	GenerateKey(ctx context.Context, keyFile, password string) error
	CreateCSR(ctx context.Context, keyFile, password string, subject Subject, csrFile string) error
	SelfSign(ctx context.Context, params SignParams) error
	Sign(ctx context.Context, params SignParams) error
	ExportPfx(ctx context.Context, crtFile, keyFile, keyPassword, pfxFile, pfxPassword string) error
}

// Subject holds the distinguished name fields of a certificate request
type Subject struct {
	Country          string
	Province         string
	City             string
	Organization     string
	OrganizationUnit string
	CommonName       string
	Email            string
}

// String renders the subject in the /key=value form expected by openssl req
func (s Subject) String() string {
	var b strings.Builder
	add := func(key, val string) {
		if val != "" {
			b.WriteString("/")
			b.WriteString(key)
			b.WriteString("=")
			b.WriteString(val)
		}
	}
	add("C", s.Country)
	add("ST", s.Province)
	add("L", s.City)
	add("O", s.Organization)
	add("OU", s.OrganizationUnit)
	add("CN", s.CommonName)
	add("emailAddress", s.Email)
	return b.String()
}

// SignParams collects the inputs of a single x509 signing operation.
// CaCrtFile, CaKeyFile and CaKeyPassword are empty for a self-signed root.
type SignParams struct {
	Type          api.CertificateType
	CsrFile       string
	CrtFile       string
	Days          int
	Algorithm     string
	KeyFile       string
	KeyPassword   string
	CaCrtFile     string
	CaKeyFile     string
	CaKeyPassword string
	ExtFile       string
}

// ExtFileContent builds the x509v3 extension file for a certificate type.
// CA certificates get the issuing key usages, server certificates get
// serverAuth plus subject alternative names, clients and code signers get
// their extended key usage only.
func ExtFileContent(certType api.CertificateType, dnsNames, crlUrls []string) string {
	var lines []string

	switch certType {
	case api.RootCA:
		lines = append(lines,
			"basicConstraints=critical,CA:TRUE",
			"keyUsage=critical,keyCertSign,cRLSign")
	case api.IntermediateCA:
		lines = append(lines,
			"basicConstraints=critical,CA:TRUE,pathlen:0",
			"keyUsage=critical,keyCertSign,cRLSign")
	case api.Server:
		lines = append(lines,
			"basicConstraints=CA:FALSE",
			"keyUsage=critical,digitalSignature,keyEncipherment",
			"extendedKeyUsage=serverAuth")
		if len(dnsNames) > 0 {
			sans := make([]string, len(dnsNames))
			for i, name := range dnsNames {
				sans[i] = "DNS:" + name
			}
			lines = append(lines, "subjectAltName="+strings.Join(sans, ","))
		}
	case api.Client:
		lines = append(lines,
			"basicConstraints=CA:FALSE",
			"keyUsage=critical,digitalSignature,keyEncipherment",
			"extendedKeyUsage=clientAuth")
	case api.CodeSigning:
		lines = append(lines,
			"basicConstraints=CA:FALSE",
			"keyUsage=critical,digitalSignature",
			"extendedKeyUsage=codeSigning")
	}

	if len(crlUrls) > 0 {
		uris := make([]string, len(crlUrls))
		for i, url := range crlUrls {
			uris[i] = "URI:" + url
		}
		lines = append(lines, "crlDistributionPoints="+strings.Join(uris, ","))
	}

	return strings.Join(lines, "\n") + "\n"
}

// OpenSSL runs the openssl binary as a child process
type OpenSSL struct {
	path string
}

// New returns an openssl client using the binary at path, or the one
// found on PATH when path is empty
func New(path string) *OpenSSL {
	if path == "" {
		path = "openssl"
	}
	return &OpenSSL{path: path}
}

// GenerateKey creates a 2048 bit RSA key encrypted with password
func (o *OpenSSL) GenerateKey(ctx context.Context, keyFile, password string) error {
	return o.run(ctx, "genrsa", "-aes128",
		"-passout", "pass:"+password,
		"-out", keyFile, "2048")
}

// CreateCSR builds a certificate signing request for the given key and subject
func (o *OpenSSL) CreateCSR(ctx context.Context, keyFile, password string, subject Subject, csrFile string) error {
	return o.run(ctx, "req", "-new",
		"-key", keyFile,
		"-passin", "pass:"+password,
		"-subj", subject.String(),
		"-out", csrFile, "-batch")
}

// SelfSign signs the CSR with its own key, producing a root certificate
func (o *OpenSSL) SelfSign(ctx context.Context, params SignParams) error {
	return o.run(ctx, "x509", "-req",
		"-in", params.CsrFile,
		"-signkey", params.KeyFile,
		"-passin", "pass:"+params.KeyPassword,
		"-days", fmt.Sprintf("%d", params.Days),
		"-"+params.Algorithm,
		"-extfile", params.ExtFile,
		"-out", params.CrtFile)
}

// Sign signs the CSR with the issuing CA's certificate and key
func (o *OpenSSL) Sign(ctx context.Context, params SignParams) error {
	return o.run(ctx, "x509", "-req",
		"-in", params.CsrFile,
		"-CA", params.CaCrtFile,
		"-CAkey", params.CaKeyFile,
		"-passin", "pass:"+params.CaKeyPassword,
		"-CAcreateserial",
		"-days", fmt.Sprintf("%d", params.Days),
		"-"+params.Algorithm,
		"-extfile", params.ExtFile,
		"-out", params.CrtFile)
}

// ExportPfx bundles a certificate and its key into a PKCS#12 archive
func (o *OpenSSL) ExportPfx(ctx context.Context, crtFile, keyFile, keyPassword, pfxFile, pfxPassword string) error {
	return o.run(ctx, "pkcs12", "-export",
		"-in", crtFile,
		"-inkey", keyFile,
		"-passin", "pass:"+keyPassword,
		"-passout", "pass:"+pfxPassword,
		"-out", pfxFile)
}

func (o *OpenSSL) run(ctx context.Context, args ...string) error {
	log.Debugf("Running: %s %s", o.path, strings.Join(maskPassArgs(args), " "))

	cmd := exec.CommandContext(ctx, o.path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return errors.Wrapf(err, "openssl %s failed", args[0])
		}
		return errors.Wrapf(err, "openssl %s failed: %s", args[0], msg)
	}
	return nil
}

// maskPassArgs hides pass phrase arguments in debug output
func maskPassArgs(args []string) []string {
	masked := make([]string, len(args))
	for i, arg := range args {
		if strings.HasPrefix(arg, "pass:") {
			masked[i] = "pass:****"
		} else {
			masked[i] = arg
		}
	}
	return masked
}
