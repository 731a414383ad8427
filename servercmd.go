package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cloudflare/cfssl/log"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/pomelosec/caweb/api"
	"github.com/pomelosec/caweb/config"
	"github.com/pomelosec/caweb/metadata"
	"github.com/pomelosec/caweb/server"
	"github.com/pomelosec/caweb/util"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	cmdName        = "caweb"
	shortName      = "caweb server"
	longName       = "Pomelo certificate authority web server"
	envVarPrefix   = "CAWEB"
	extraArgsError = "Unrecognized arguments found: %v\n\n%s"

	defaultCfgFilename = "caweb-config.yaml"

	version = "version"
)

// ServerCmd encapsulates cobra command that provides command line interface
// for the caweb server
type ServerCmd struct {
	name          string
	rootCmd       *cobra.Command
	v             *viper.Viper
	cfgFileName   string
	homeDirectory string
	cfg           *config.ServerConfig
}

// NewCommand returns new ServerCmd ready for running
func NewCommand(name string) *ServerCmd {
	s := &ServerCmd{
		name: name,
		v:    viper.New(),
	}
	s.init()
	return s
}

// Execute runs this ServerCmd
func (s *ServerCmd) Execute() error {
	return s.rootCmd.Execute()
}

func (s *ServerCmd) init() {
	// root command
	rootCmd := &cobra.Command{
		Use:   cmdName,
		Short: longName,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			err := s.configInit()
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			if s.v.GetBool("debug") {
				log.Level = log.LevelDebug
			}
			return nil
		},
	}
	s.rootCmd = rootCmd

	initCmd := &cobra.Command{
		Use:   "init",
		Short: fmt.Sprintf("Initialize the %s", shortName),
		Long:  "Connect to the record store and create the tables if they don't already exist",
	}
	initCmd.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return errors.Errorf(extraArgsError, args, initCmd.UsageString())
		}
		err := s.getServer().Init()
		if err != nil {
			util.Fatal("Initialization failure: %s", err)
		}
		log.Info("Initialization was successful")
		return nil
	}
	s.rootCmd.AddCommand(initCmd)

	startCmd := &cobra.Command{
		Use:   "start",
		Short: fmt.Sprintf("Start the %s", shortName),
	}
	startCmd.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return errors.Errorf(extraArgsError, args, startCmd.UsageString())
		}
		return s.getServer().Start()
	}
	s.rootCmd.AddCommand(startCmd)

	var userPassword, userRole, userEmail, userDisplayName string
	adduserCmd := &cobra.Command{
		Use:   "adduser <username>",
		Short: "Add a user to the record store",
		Long:  "Create a login out-of-band; the workflow endpoints never create users",
	}
	adduserCmd.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return errors.Errorf("Expected a single username argument, got: %v\n\n%s", args, adduserCmd.UsageString())
		}
		if userPassword == "" {
			return errors.New("A password is required; use --password")
		}
		role := api.UserRole(userRole)
		if role != api.RoleUser && role != api.RoleAdmin && role != api.RoleRoot {
			return errors.Errorf("Invalid role '%s'; must be User, Admin or Root", userRole)
		}
		err := s.getServer().RegisterUser(&api.User{
			Username:    args[0],
			Email:       userEmail,
			DisplayName: userDisplayName,
			Role:        role,
		}, userPassword)
		if err != nil {
			return err
		}
		log.Infof("Added user '%s' with role '%s'", args[0], role)
		return nil
	}
	adduserCmd.Flags().StringVar(&userPassword, "password", "", "Password for the new user")
	adduserCmd.Flags().StringVar(&userRole, "role", string(api.RoleUser), "Role of the new user (User, Admin or Root)")
	adduserCmd.Flags().StringVar(&userEmail, "email", "", "Email address of the new user")
	adduserCmd.Flags().StringVar(&userDisplayName, "displayname", "", "Display name of the new user")
	s.rootCmd.AddCommand(adduserCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Prints caweb server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(metadata.GetVersionInfo(cmdName))
		},
	}
	s.rootCmd.AddCommand(versionCmd)
	s.registerFlags()
}

// registers command flags with viper
func (s *ServerCmd) registerFlags() {
	s.v.SetEnvPrefix(envVarPrefix)
	s.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	s.v.AutomaticEnv()

	pflags := s.rootCmd.PersistentFlags()
	pflags.StringVarP(&s.cfgFileName, "config", "c", "", "Configuration file")
	pflags.MarkHidden("config")
	pflags.StringVarP(&s.homeDirectory, "home", "H", "", "Server's home directory (default current directory)")

	s.bindServerFlags(pflags)

	err := s.v.BindPFlags(pflags)
	if err != nil {
		panic(err)
	}

	s.cfg = &config.ServerConfig{}
}

func (s *ServerCmd) bindServerFlags(pflags *pflag.FlagSet) {
	pflags.IntP("port", "p", config.DefaultServerPort, "Listening port of the server")
	pflags.StringP("address", "a", config.DefaultServerAddr, "Listening address of the server")
	pflags.BoolP("debug", "d", false, "Enable debug level logging")
	pflags.String("db.type", "mysql", "Type of the record store; 'mysql' or 'postgres'")
	pflags.String("db.datasource", "", "Datasource of the record store")
	pflags.String("openssl.path", "", "Path of the openssl binary (defaults to PATH lookup)")
	pflags.String("openssl.temppath", "", "Staging directory for transient key material")
	pflags.Int("signing.defaultdays", config.DefaultSigningDays, "Validity period in days applied when a signing request omits one")
	pflags.String("signing.defaultalgorithm", config.DefaultAlgorithm, "Digest algorithm applied when a signing request omits one")
	pflags.Bool("tls.enabled", false, "Enable TLS on the listening endpoint")
	pflags.String("tls.certfile", "", "TLS certificate file")
	pflags.String("tls.keyfile", "", "TLS key file")
}

// Configuration file is not required for some commands like version
func (s *ServerCmd) configRequired() bool {
	return s.name != version
}

func (s *ServerCmd) configInit() error {
	if !s.configRequired() {
		return nil
	}

	if s.cfgFileName == "" {
		s.cfgFileName = filepath.Join(s.homeDirectory, defaultCfgFilename)
	}
	var err error
	s.cfgFileName, err = filepath.Abs(s.cfgFileName)
	if err != nil {
		return errors.Wrap(err, "Failed to get full path of config file")
	}
	if s.homeDirectory == "" {
		s.homeDirectory = filepath.Dir(s.cfgFileName)
	}

	if util.FileExists(s.cfgFileName) {
		log.Infof("Configuration file location: %s", s.cfgFileName)
		err = config.UnmarshalConfig(s.cfg, s.v, s.cfgFileName)
		if err != nil {
			return err
		}
	} else {
		log.Infof("Configuration file not found: %s; using defaults, flags and environment", s.cfgFileName)
		err = s.v.Unmarshal(s.cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)))
		if err != nil {
			return errors.Wrap(err, "Failed to unmarshal server configuration")
		}
	}

	return nil
}

// getServer returns a server.Server for the init, start and adduser commands
func (s *ServerCmd) getServer() *server.Server {
	return &server.Server{
		HomeDir: s.homeDirectory,
		Config:  s.cfg,
	}
}
