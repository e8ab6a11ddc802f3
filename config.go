package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/kalintou/railgun-app-jp/internal/cfgutil"
)

const (
	defaultConfigFilename = "railgunwallet.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "railgunwallet.log"
	defaultDBFilename     = "wallet.db"

	defaultBackendHost = "127.0.0.1:9156"
	defaultBackendPath = "/ws"
	defaultChainRPC    = "http://127.0.0.1:8545"

	defaultPollInterval = time.Minute
)

var (
	defaultAppDataDir  = appDataDir("railgunwallet")
	defaultConfigFile  = filepath.Join(defaultAppDataDir, defaultConfigFilename)
	defaultLogDir      = filepath.Join(defaultAppDataDir, defaultLogDirname)
	defaultDBPath      = filepath.Join(defaultAppDataDir, defaultDBFilename)
	defaultSignerKeyEV = "RAILGUN_SIGNER_KEY"
)

// config defines the configuration options for the wallet daemon.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	AppDataDir  string `short:"A" long:"appdata" description:"Application data directory for wallet config, database and logs"`
	Create      bool   `long:"create" description:"Create the new wallet if it does not exist"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	DBPath      string `long:"db" description:"Path to the wallet database file"`

	// Proving backend and public chain endpoints.
	BackendHost string `long:"backendhost" description:"Proving backend websocket host"`
	BackendPath string `long:"backendpath" description:"Proving backend websocket endpoint path"`
	ChainRPC    string `long:"chainrpc" description:"Public chain JSON-RPC endpoint"`

	// SignerKeyEnv names the environment variable holding the hex-encoded
	// public chain signing key.  The key itself never appears in the
	// config file or process arguments.
	SignerKeyEnv string `long:"signerkeyenv" description:"Environment variable holding the hex-encoded public chain signing key"`

	PollInterval *cfgutil.DurationFlag `long:"pollinterval" description:"Interval between balance refresh cycles"`
}

// appDataDir returns an operating system specific directory to hold
// application data.
func appDataDir(appName string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, "."+appName)
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		ConfigFile:   defaultConfigFile,
		AppDataDir:   defaultAppDataDir,
		DebugLevel:   defaultLogLevel,
		LogDir:       defaultLogDir,
		DBPath:       defaultDBPath,
		BackendHost:  defaultBackendHost,
		BackendPath:  defaultBackendPath,
		ChainRPC:     defaultChainRPC,
		SignerKeyEnv: defaultSignerKeyEV,
		PollInterval: cfgutil.NewDurationFlag(defaultPollInterval),
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	funcName := "loadConfig"
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// If a non-default appdata directory was given on the command line,
	// derive the default config file path from it unless one was given
	// explicitly.
	configFilePath := preCfg.ConfigFile
	if preCfg.AppDataDir != defaultAppDataDir &&
		configFilePath == defaultConfigFile {
		configFilePath = filepath.Join(
			cleanAndExpandPath(preCfg.AppDataDir), defaultConfigFilename)
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		// Missing config file is not an error.
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Expand and clean all file and directory paths.
	cfg.AppDataDir = cleanAndExpandPath(cfg.AppDataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.DBPath = cleanAndExpandPath(cfg.DBPath)
	if cfg.AppDataDir != defaultAppDataDir {
		if cfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(cfg.AppDataDir, defaultLogDirname)
		}
		if cfg.DBPath == defaultDBPath {
			cfg.DBPath = filepath.Join(cfg.AppDataDir, defaultDBFilename)
		}
	}

	// Create the application data directory so the database and logs have
	// a home.
	if err := os.MkdirAll(cfg.AppDataDir, 0700); err != nil {
		err := fmt.Errorf("%s: failed to create home directory: %v",
			funcName, err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Validate the debug level.
	if !validLogLevel(cfg.DebugLevel) {
		err := fmt.Errorf("%s: the specified debug level [%v] is invalid",
			funcName, cfg.DebugLevel)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	if cfg.PollInterval.Duration <= 0 {
		err := fmt.Errorf("%s: pollinterval must be positive", funcName)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	return &cfg, remainingArgs, nil
}
