package server

import (
	"os"
	"path/filepath"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/pomelosec/caweb/api/registry"
	"github.com/pomelosec/caweb/config"
	cadb "github.com/pomelosec/caweb/db"
	"github.com/pomelosec/caweb/openssl"
)

// CA holds the working state of the certificate authority: the registries
// over the record store and the openssl crypto capability.
type CA struct {
	// The home directory for the CA
	HomeDir string
	// The CA's configuration
	Config *config.ServerConfig
	// The user registry
	users registry.UserRegistry
	// The request registry
	requests registry.RequestRegistry
	// The certificate registry
	certificates registry.CertificateRegistry
	// The crypto capability
	ssl openssl.Client
	// The database handle used by the registries
	db *cadb.DB
}

func initCA(ca *CA, homeDir string, cfg *config.ServerConfig) error {
	ca.HomeDir = homeDir
	ca.Config = cfg

	err := ca.initConfig()
	if err != nil {
		return err
	}

	err = ca.initDB()
	if err != nil {
		return err
	}

	ca.ssl = openssl.New(cfg.OpenSSL.Path)
	return nil
}

func (ca *CA) initConfig() error {
	cfg := ca.Config

	if cfg.Signing.DefaultDays == 0 {
		cfg.Signing.DefaultDays = config.DefaultSigningDays
	}
	if cfg.Signing.DefaultAlgorithm == "" {
		cfg.Signing.DefaultAlgorithm = config.DefaultAlgorithm
	}
	if cfg.OpenSSL.TempPath == "" {
		cfg.OpenSSL.TempPath = filepath.Join(ca.HomeDir, "tmp")
	}

	err := os.MkdirAll(cfg.OpenSSL.TempPath, 0700)
	if err != nil {
		return errors.Wrapf(err, "Failed to create staging directory '%s'", cfg.OpenSSL.TempPath)
	}
	return nil
}

func (ca *CA) initDB() error {
	dbCfg := &ca.Config.DB
	log.Debugf("Initializing '%s' database at '%s'", dbCfg.Type, cadb.MakeDBCred(dbCfg.Datasource))

	var err error
	switch dbCfg.Type {
	case "mysql":
		ca.db, err = cadb.NewCaDBMySQL(dbCfg.Datasource)
	case "postgres":
		ca.db, err = cadb.NewCaDBPostgres(dbCfg.Datasource)
	default:
		return errors.Errorf("Invalid db.type in config file: '%s'; must be 'mysql' or 'postgres'", dbCfg.Type)
	}
	if err != nil {
		return errors.WithMessage(err, "Failed to connect to database")
	}

	accessor := NewDBAccessor(ca.db)
	ca.users = accessor
	ca.requests = accessor
	ca.certificates = accessor

	log.Infof("Initialized %s database", dbCfg.Type)
	return nil
}

func (ca *CA) closeDB() error {
	if ca.db != nil {
		err := ca.db.Close()
		ca.db = nil
		if err != nil {
			return errors.Wrap(err, "Failed to close CA database")
		}
	}
	return nil
}
