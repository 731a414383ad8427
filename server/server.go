package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cloudflare/cfssl/log"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/pomelosec/caweb/api"
	"github.com/pomelosec/caweb/config"
	caerrors "github.com/pomelosec/caweb/errors"
	"github.com/pomelosec/caweb/metadata"
	"github.com/pomelosec/caweb/util"
)

const (
	defaultClientAuth = "noclientcert"
	apiPathPrefix     = "/api/"
)

type ctxKey int

const identityKey ctxKey = 0

// endpoint is an endpoint method on a server
type endpoint func(s *Server, resp http.ResponseWriter, req *http.Request) (interface{}, error)

// fileResponse is returned by download endpoints instead of a JSON payload
type fileResponse struct {
	name        string
	contentType string
	body        []byte
}

// Server is the caweb server
type Server struct {
	// The home directory for the server
	HomeDir string
	// The server's configuration
	Config *config.ServerConfig
	// The server mux
	mux *mux.Router
	// The current listener for this server
	listener net.Listener
	// The server's CA
	CA
	// An error which occurs when serving
	serverError error

	mutex sync.Mutex
}

// Init initializes a caweb server
func (s *Server) Init() (err error) {
	err = s.init()
	err2 := s.CA.closeDB()
	if err2 != nil {
		log.Errorf("Close DB failed: %s", err2)
	}
	return err
}

// Initializes the server leaving the DB open
func (s *Server) init() (err error) {
	serverVersion := metadata.GetVersion()
	log.Infof("Server Version: %s", serverVersion)

	err = s.initConfig()
	if err != nil {
		return err
	}

	log.Debugf("Initializing CA in directory %s", s.HomeDir)
	return initCA(&s.CA, s.HomeDir, s.Config)
}

func (s *Server) initConfig() (err error) {
	if s.HomeDir == "" {
		s.HomeDir, err = os.Getwd()
		if err != nil {
			return errors.Wrap(err, "Failed to get server's home directory")
		}
	}

	absoluteHomeDir, err := filepath.Abs(s.HomeDir)
	if err != nil {
		return errors.Errorf("Failed to make server's home directory path absolute: %s", err)
	}
	s.HomeDir = absoluteHomeDir

	if s.Config == nil {
		s.Config = new(config.ServerConfig)
	}
	return config.AbsTLSServer(&s.Config.TLS, s.HomeDir)
}

// Start the caweb server
func (s *Server) Start() (err error) {
	log.Infof("Starting server in home directory: %s", s.HomeDir)

	s.serverError = nil

	if s.listener != nil {
		return errors.New("server is already started")
	}

	err = s.init()
	if err != nil {
		err2 := s.CA.closeDB()
		if err2 != nil {
			log.Errorf("Close DB failed: %s", err2)
		}
		return err
	}

	s.registerHandlers()

	err = s.listenAndServe()
	if err != nil {
		err2 := s.CA.closeDB()
		if err2 != nil {
			log.Errorf("Close DB failed: %s", err2)
		}
		return err
	}
	return nil
}

// RegisterUser initializes the server, adds a user to the record store and
// closes the store again. Used for out-of-band user creation.
func (s *Server) RegisterUser(user *api.User, password string) error {
	err := s.init()
	if err != nil {
		err2 := s.CA.closeDB()
		if err2 != nil {
			log.Errorf("Close DB failed: %s", err2)
		}
		return err
	}
	defer func() {
		err := s.CA.closeDB()
		if err != nil {
			log.Errorf("Close DB failed: %s", err)
		}
	}()

	return s.CA.users.InsertUser(user, password)
}

// Stop the server
func (s *Server) Stop() error {
	err := s.closeListener()
	if err != nil {
		return err
	}

	log.Debugf("Stop: successful stop on port %d", s.Config.Port)

	err = s.CA.closeDB()
	if err != nil {
		log.Errorf("Close DB failed: %s", err)
	}
	return nil
}

// Starting listening and serving
func (s *Server) listenAndServe() (err error) {
	var listener net.Listener
	var clientAuth tls.ClientAuthType
	var ok bool

	c := s.Config
	if c.Address == "" {
		c.Address = config.DefaultServerAddr
	}
	if c.Port == 0 {
		c.Port = config.DefaultServerPort
	}
	addr := net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
	var addrStr string

	if c.TLS.Enabled {
		log.Debug("TLS is enabled")
		addrStr = fmt.Sprintf("https://%s", addr)

		if !util.FileExists(c.TLS.KeyFile) {
			return errors.Errorf("File specified by 'tls.keyfile' does not exists: %s", c.TLS.KeyFile)
		} else if !util.FileExists(c.TLS.CertFile) {
			return errors.Errorf("File specified by 'tls.certfile' does not exists: %s", c.TLS.CertFile)
		}
		log.Debugf("TLS Certificate: %s, TLS Key: %s", c.TLS.CertFile, c.TLS.KeyFile)

		cer, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return errors.Wrap(err, "Failed to load TLS key pair")
		}

		if c.TLS.ClientAuth.Type == "" {
			c.TLS.ClientAuth.Type = defaultClientAuth
		}
		log.Debugf("Client authentication type requested: %s", c.TLS.ClientAuth.Type)

		authType := strings.ToLower(c.TLS.ClientAuth.Type)
		if clientAuth, ok = clientAuthTypes[authType]; !ok {
			return errors.New("Invalid client auth type provided")
		}

		var certPool *x509.CertPool
		if authType != defaultClientAuth {
			certPool, err = LoadPEMCertPool(c.TLS.ClientAuth.CertFiles)
			if err != nil {
				return err
			}
		}

		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{cer},
			ClientAuth:   clientAuth,
			ClientCAs:    certPool,
			MinVersion:   tls.VersionTLS12,
			MaxVersion:   tls.VersionTLS12,
			CipherSuites: config.DefaultCipherSuites,
		}

		listener, err = tls.Listen("tcp", addr, tlsConfig)
		if err != nil {
			return errors.Wrapf(err, "TLS listen failed for %s", addrStr)
		}
	} else {
		addrStr = fmt.Sprintf("http://%s", addr)
		listener, err = net.Listen("tcp", addr)
		if err != nil {
			return errors.Wrapf(err, "TCP listen failed for %s", addrStr)
		}
	}
	s.listener = listener
	log.Infof("Listening on %s", addrStr)
	return s.serve()
}

func (s *Server) serve() error {
	listener := s.listener
	if listener == nil {
		return nil
	}
	s.serverError = http.Serve(listener, s.mux)
	log.Errorf("Server has stopped serving: %s", s.serverError)
	s.closeListener()
	err := s.CA.closeDB()
	if err != nil {
		log.Errorf("Close DB failed: %s", err)
	}
	return s.serverError
}

// Closes the listening endpoint
func (s *Server) closeListener() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	port := s.Config.Port
	if s.listener == nil {
		msg := fmt.Sprintf("Stop: listener was already closed on port %d", port)
		log.Debug(msg)
		return errors.New(msg)
	}
	err := s.listener.Close()
	s.listener = nil
	if err != nil {
		log.Debugf("Stop: failed to close listener on port %d: %s", port, err)
		return err
	}
	log.Debugf("Stop: successfully closed listener on port %d", port)
	return nil
}

// The ".crt", ".key", ".pfx", "/children" and "mine" routes must be
// registered before the bare "{id}" routes so mux matches them first.
func (s *Server) registerHandlers() {
	s.mux = mux.NewRouter()
	s.registerHandler("request", requestsHandler, http.MethodGet)
	s.registerHandler("request", submitRequestHandler, http.MethodPost)
	s.registerHandler("request/{id}/signature", signRequestHandler, http.MethodPost)
	s.registerHandler("request/{id}", getRequestHandler, http.MethodGet)
	s.registerHandler("request/{id}", patchRequestHandler, http.MethodPatch)
	s.registerHandler("certificate", rootCertificatesHandler, http.MethodGet)
	s.registerHandler("certificate/mine", myCertificatesHandler, http.MethodGet)
	s.registerHandler("certificate/{id}.crt", downloadCrtHandler, http.MethodGet)
	s.registerHandler("certificate/{id}.key", downloadKeyHandler, http.MethodGet)
	s.registerHandler("certificate/{id}.pfx", convertPfxHandler, http.MethodPost)
	s.registerHandler("certificate/{id}/children", childrenHandler, http.MethodGet)
	s.registerHandler("certificate/{id}", getCertificateHandler, http.MethodGet)
	s.registerHandler("certificate/{id}", deleteCertificateHandler, http.MethodDelete)
}

func (s *Server) registerHandler(path string, e endpoint, methods ...string) {
	bound := func(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
		return e(s, resp, req)
	}
	s.mux.Handle("/"+path, s.wrap(bound)).Methods(methods...)
	s.mux.Handle(apiPathPrefix+path, s.wrap(bound)).Methods(methods...)
}

func (s *Server) wrap(handler func(http.ResponseWriter, *http.Request) (interface{}, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("Received request for %s", r.URL.String())

		var resp interface{}
		identity, err := s.authenticate(r)
		if err == nil {
			ctx := context.WithValue(r.Context(), identityKey, identity)
			resp, err = handler(w, r.WithContext(ctx))
		}
		he := s.getHTTPErr(err)

		if file, ok := resp.(*fileResponse); ok && he == nil {
			w.Header().Set("Content-Type", file.contentType)
			w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, file.name))
			w.WriteHeader(http.StatusOK)
			w.Write(file.body)
			log.Infof(`%s %s %s %d 0 "OK"`, r.RemoteAddr, r.Method, r.URL, http.StatusOK)
			return
		}

		w.Header().Set("Connection", "Keep-Alive")
		w.Header().Set("Content-Type", "application/json")

		if he != nil {
			w.WriteHeader(he.GetStatusCode())
			log.Infof(`%s %s %s %d %d "%s"`, r.RemoteAddr, r.Method, r.URL, he.GetStatusCode(), he.GetLocalCode(), he.GetLocalMsg())
			s.writeJSON(&api.Result{Code: he.GetStatusCode(), Message: he.GetRemoteMsg()}, w)
			return
		}

		w.WriteHeader(http.StatusOK)
		log.Infof(`%s %s %s %d 0 "OK"`, r.RemoteAddr, r.Method, r.URL, http.StatusOK)

		switch resp.(type) {
		case *api.Result, *api.PagedResult:
			s.writeJSON(resp, w)
		default:
			s.writeJSON(&api.Result{Code: http.StatusOK, Data: resp}, w)
		}
	}
}

// authenticate resolves the caller's identity from basic auth credentials
func (s *Server) authenticate(r *http.Request) (*api.User, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, caerrors.NewAuthenticationErr(caerrors.ErrNoUserPass, "No user/pass in authorization header")
	}
	return s.CA.users.Login(username, password)
}

func identityFromContext(ctx context.Context) *api.User {
	identity, _ := ctx.Value(identityKey).(*api.User)
	return identity
}

func (s *Server) writeJSON(obj interface{}, w http.ResponseWriter) {
	enc := json.NewEncoder(w)
	err := enc.Encode(obj)
	if err != nil {
		log.Errorf("Failed encoding response to JSON: %s", err)
	}
}

func (s *Server) getHTTPErr(err error) *caerrors.HTTPErr {
	if err == nil {
		return nil
	}
	type causer interface {
		Cause() error
	}

	curErr := err
	for curErr != nil {
		switch curErr.(type) {
		case *caerrors.HTTPErr:
			return curErr.(*caerrors.HTTPErr)
		case causer:
			curErr = curErr.(causer).Cause()
		default:
			return caerrors.CreateHTTPErr(500, caerrors.ErrUnknown, err.Error())
		}
	}

	return caerrors.CreateHTTPErr(500, caerrors.ErrUnknown, "nil error")
}

// GetCA returns the CA instance
func (s *Server) GetCA() *CA {
	return &s.CA
}
