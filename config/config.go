package config

import (
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Defaults for the server's listening endpoint and workflow parameters
const (
	DefaultServerAddr  = "0.0.0.0"
	DefaultServerPort  = 8055
	DefaultSigningDays = 365
	DefaultAlgorithm   = "sha384"
)

// ServerConfig is the caweb server's configuration
type ServerConfig struct {
	// Listening port for the server
	Port int
	// Bind address for the server
	Address string
	// Enables debug logging
	Debug bool
	// TLS for the server's listening endpoint
	TLS ServerTLSConfig
	// DB is the record store configuration
	DB DBConfig
	// OpenSSL locates the openssl binary and the staging area
	OpenSSL OpenSSLConfig
	// Signing carries the signing defaults
	Signing SigningConfig
}

// DBConfig is the record store part of the server's config
type DBConfig struct {
	// Type is "mysql" or "postgres"
	Type       string
	Datasource string
}

// OpenSSLConfig locates the openssl binary and the transient staging area
// used for key material during generation and signing
type OpenSSLConfig struct {
	Path     string
	TempPath string
}

// SigningConfig carries the defaults applied when a signing request omits them
type SigningConfig struct {
	DefaultDays      int
	DefaultAlgorithm string
}

// UnmarshalConfig unmarshals a configuration file into cfg
func UnmarshalConfig(cfg interface{}, vp *viper.Viper, configFile string) error {
	vp.SetConfigFile(configFile)
	err := vp.ReadInConfig()
	if err != nil {
		return errors.Wrapf(err, "Failed to read config file '%s'", configFile)
	}

	err = vp.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return errors.Wrapf(err, "Incorrect format in file '%s'", configFile)
	}
	return nil
}
