package openssl

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/cloudflare/cfssl/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Staging is a private scratch directory for the key material of one
// openssl operation. It must be cleaned up by the caller once the
// operation's outputs have been read back.
type Staging struct {
	dir string
}

// NewStaging creates a fresh staging directory under tempPath
func NewStaging(tempPath string) (*Staging, error) {
	dir := filepath.Join(tempPath, uuid.New().String())
	err := os.MkdirAll(dir, 0700)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to create staging directory '%s'", dir)
	}
	return &Staging{dir: dir}, nil
}

// Path returns the absolute path of name inside the staging directory
func (s *Staging) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// WriteFile places data into the staging directory
func (s *Staging) WriteFile(name string, data []byte) (string, error) {
	file := s.Path(name)
	err := ioutil.WriteFile(file, data, 0600)
	if err != nil {
		return "", errors.Wrapf(err, "Failed to write staging file '%s'", file)
	}
	return file, nil
}

// ReadFile reads a file back from the staging directory
func (s *Staging) ReadFile(name string) ([]byte, error) {
	data, err := ioutil.ReadFile(s.Path(name))
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read staging file '%s'", s.Path(name))
	}
	return data, nil
}

// Cleanup removes the staging directory and everything in it
func (s *Staging) Cleanup() {
	err := os.RemoveAll(s.dir)
	if err != nil {
		log.Warningf("Failed to remove staging directory '%s': %s", s.dir, err)
	}
}
