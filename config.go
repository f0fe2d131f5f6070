package hopd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/hopline/hopd/build"
	"github.com/hopline/hopd/lncfg"
	"github.com/hopline/hopd/lnwire"
	"github.com/jessevdk/go-flags"
)

const (
	defaultDataDirname  = "data"
	defaultChainDirname = "chain"
	defaultLogDirname   = "logs"
	defaultLogFilename  = "hopd.log"
	defaultSeedFilename = "seed"
	defaultLogLevel     = "info"
	defaultPeerPort     = 9735
	defaultRESTPort     = 8080
	defaultRESTHost     = "localhost"

	defaultMinBackoff = time.Second
	defaultMaxBackoff = time.Hour
)

var (
	// DefaultHopDir is the default directory where hopd tries to find its
	// configuration file and store its data. This is a directory in the
	// user's application data, for example:
	//   C:\Users\<username>\AppData\Local\Hopd on Windows
	//   ~/.hopd on Linux
	//   ~/Library/Application Support/Hopd on MacOS
	DefaultHopDir = btcutil.AppDataDir("hopd", false)

	// DefaultConfigFile is the default full path of hopd's configuration
	// file.
	DefaultConfigFile = filepath.Join(
		DefaultHopDir, lncfg.DefaultConfigFilename,
	)

	defaultDataDir = filepath.Join(DefaultHopDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultHopDir, defaultLogDirname)
)

// Config defines the configuration options for hopd.
//
// See LoadConfig for further details regarding the configuration
// loading+parsing process.
//
//nolint:lll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	HopDir     string `long:"hopdir" description:"The base directory that contains hopd's data, logs, configuration file, etc."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store hopd's data within"`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	// We'll parse these 'raw' string arguments into real net.Addrs in the
	// loadConfig function. We need to expose the 'raw' strings so the
	// command line library can access them.
	// Only the parsed net.Addrs should be used!
	RawListeners     []string `long:"listen" description:"Add an interface/port to listen for peer connections"`
	RawRESTListeners []string `long:"restlisten" description:"Add an interface/port to listen for REST connections"`
	RawExternalIPs   []string `long:"externalip" description:"Add an ip:port to the list of local addresses we claim to listen on to peers. If a port is not specified, the default (9735) will be used regardless of other parameters"`
	RawConnectPeers  []string `long:"connect" description:"Keep a connection to the peer <pubkey>@host[:port] open. It is dialed again with a backoff whenever the connection drops."`
	Listeners        []net.Addr
	RESTListeners    []net.Addr
	ExternalIPs      []net.Addr
	ConnectPeers     []*lnwire.NetAddress
	DisableListen    bool `long:"nolisten" description:"Disable listening for incoming peer connections"`
	DisableRest      bool `long:"norest" description:"Disable REST API"`

	MinBackoff time.Duration `long:"minbackoff" description:"Shortest backoff when reconnecting to persistent peers. Valid time units are {s, m, h}."`
	MaxBackoff time.Duration `long:"maxbackoff" description:"Longest backoff when reconnecting to persistent peers. Valid time units are {s, m, h}."`

	Alias   string `long:"alias" description:"The node alias. Used as a moniker by peers and intelligence services"`
	NodeKey string `long:"nodekey" default-mask:"-" description:"A hex encoded 32 byte private key all node keys are derived from. A random seed is created and stored in the data directory if it's not set."`

	PrometheusListen string `long:"prometheus.listen" description:"the interface we should listen on for prometheus metrics. Metrics are disabled if it's not set."`

	Channel *lncfg.Channel `group:"channel" namespace:"channel"`

	Routing *lncfg.Routing `group:"routing" namespace:"routing"`

	Gossip *lncfg.Gossip `group:"gossip" namespace:"gossip"`

	Chain *lncfg.Chain `group:"chain" namespace:"chain"`

	DB *lncfg.DB `group:"db" namespace:"db"`

	Log *build.LogConfig `group:"logging" namespace:"logging"`

	// ActiveNetParams contains parameters of the target chain.
	ActiveNetParams BitcoinNetParams

	// LogRotator writes the log file. It must be closed on shutdown.
	LogRotator *build.RotatingLogWriter

	// SubLogMgr holds every subsystem logger.
	SubLogMgr *build.SubLoggerManager
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		HopDir:     DefaultHopDir,
		ConfigFile: DefaultConfigFile,
		DataDir:    defaultDataDir,
		LogDir:     defaultLogDir,
		DebugLevel: defaultLogLevel,
		MinBackoff: defaultMinBackoff,
		MaxBackoff: defaultMaxBackoff,
		Channel:    lncfg.DefaultChannel(),
		Routing:    lncfg.DefaultRouting(),
		Gossip:     lncfg.DefaultGossip(),
		Chain:      lncfg.DefaultChain(),
		DB:         lncfg.DefaultDB(),
		Log:        build.DefaultLogConfig(),
	}
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig() (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then we'll
	// use the default config file path. However, if the user has modified
	// their hopdir, then we should assume they intend to use the config
	// file within it.
	configFileDir := lncfg.CleanAndExpandPath(preCfg.HopDir)
	configFilePath := lncfg.CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultHopDir {
		if configFilePath == DefaultConfigFile {
			configFilePath = filepath.Join(
				configFileDir, lncfg.DefaultConfigFilename,
			)
		}
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options. Note this should go directly before the return.
	if configFileError != nil {
		hopdLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config) (*Config, error) {
	// If the provided hop directory is not the default, we'll modify the
	// path to all of the files and directories that will live within it.
	hopDir := lncfg.CleanAndExpandPath(cfg.HopDir)
	if hopDir != DefaultHopDir {
		cfg.DataDir = filepath.Join(hopDir, defaultDataDirname)
		cfg.LogDir = filepath.Join(hopDir, defaultLogDirname)
	}

	funcName := "ValidateConfig"
	makeDirectory := func(dir string) error {
		err := os.MkdirAll(dir, 0700)
		if err != nil {
			// Show a nicer error message if it's because a symlink
			// is linked to a directory that does not exist
			// (probably because it's not mounted).
			var e *os.PathError
			if errors.As(err, &e) && os.IsExist(err) {
				link, lerr := os.Readlink(e.Path)
				if lerr == nil {
					str := "is symlink %s -> %s mounted?"
					err = fmt.Errorf(str, e.Path, link)
				}
			}

			return fmt.Errorf("%s: failed to create hopd "+
				"directory: %w", funcName, err)
		}

		return nil
	}

	// As soon as we're done parsing configuration options, ensure all paths
	// to directories and files are cleaned and expanded before attempting
	// to use them later on.
	cfg.DataDir = lncfg.CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = lncfg.CleanAndExpandPath(cfg.LogDir)
	cfg.DB.Path = lncfg.CleanAndExpandPath(cfg.DB.Path)

	err := lncfg.Validate(
		cfg.Channel, cfg.Routing, cfg.Gossip, cfg.Chain, cfg.DB,
		cfg.Log,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", funcName, err)
	}

	cfg.ActiveNetParams, err = netParamsFor(cfg.Chain.Network)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", funcName, err)
	}

	network := lncfg.NormalizeNetwork(cfg.ActiveNetParams.Name)
	if cfg.DB.Path == "" {
		cfg.DB.Path = filepath.Join(
			cfg.DataDir, defaultChainDirname, network,
		)
	}

	// Create the hop directory and all other sub directories if they don't
	// already exist.
	dirs := []string{hopDir, cfg.DataDir, cfg.DB.Path}
	for _, dir := range dirs {
		if err := makeDirectory(dir); err != nil {
			return nil, err
		}
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		root := build.NewSubLoggerManager(io.Discard, cfg.Log)
		SetupLoggers(root)
		fmt.Println("Supported subsystems",
			root.SupportedSubsystems())
		os.Exit(0)
	}

	if err := cfg.initLogging(network); err != nil {
		return nil, fmt.Errorf("%s: %w", funcName, err)
	}

	if cfg.MinBackoff <= 0 || cfg.MaxBackoff < cfg.MinBackoff {
		return nil, fmt.Errorf("%s: maxbackoff %v must be at least "+
			"minbackoff %v", funcName, cfg.MaxBackoff,
			cfg.MinBackoff)
	}

	if _, err := lnwire.NewNodeAlias(cfg.Alias); err != nil {
		return nil, fmt.Errorf("%s: invalid alias: %w", funcName, err)
	}

	if cfg.NodeKey != "" {
		key, err := hex.DecodeString(cfg.NodeKey)
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("%s: nodekey must be 32 hex "+
				"encoded bytes", funcName)
		}
	}

	// The btcd RPC port follows the network unless one is given.
	if !cfg.Chain.Mock {
		if _, _, err := net.SplitHostPort(cfg.Chain.RPCHost); err != nil {
			cfg.Chain.RPCHost = net.JoinHostPort(
				cfg.Chain.RPCHost, cfg.ActiveNetParams.RPCPort,
			)
		}
	}

	// Listen on the default interfaces if none are given.
	if len(cfg.RawListeners) == 0 {
		addr := fmt.Sprintf(":%d", defaultPeerPort)
		cfg.RawListeners = append(cfg.RawListeners, addr)
	}
	if len(cfg.RawRESTListeners) == 0 {
		addr := net.JoinHostPort(
			defaultRESTHost, strconv.Itoa(defaultRESTPort),
		)
		cfg.RawRESTListeners = append(cfg.RawRESTListeners, addr)
	}

	// Add default port to all listener addresses if needed and remove
	// duplicate addresses.
	if !cfg.DisableListen {
		cfg.Listeners, err = lncfg.NormalizeAddresses(
			cfg.RawListeners, strconv.Itoa(defaultPeerPort),
			net.ResolveTCPAddr,
		)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", funcName, err)
		}
	}

	if !cfg.DisableRest {
		cfg.RESTListeners, err = lncfg.NormalizeAddresses(
			cfg.RawRESTListeners, strconv.Itoa(defaultRESTPort),
			net.ResolveTCPAddr,
		)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", funcName, err)
		}
	}

	cfg.ExternalIPs, err = lncfg.NormalizeAddresses(
		cfg.RawExternalIPs, strconv.Itoa(defaultPeerPort),
		net.ResolveTCPAddr,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", funcName, err)
	}

	for _, rawPeer := range cfg.RawConnectPeers {
		addr, err := lncfg.ParseLNAddressString(
			rawPeer, strconv.Itoa(defaultPeerPort),
			net.ResolveTCPAddr,
		)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid connect peer: %w",
				funcName, err)
		}
		cfg.ConnectPeers = append(cfg.ConnectPeers, addr)
	}

	return &cfg, nil
}

// initLogging sets up the rotating log file and every subsystem logger, then
// applies the debug levels.
func (c *Config) initLogging(network string) error {
	c.LogRotator = build.NewRotatingLogWriter()

	var writers []io.Writer
	if !c.Log.DisableConsole {
		writers = append(writers, os.Stdout)
	}
	if !c.Log.DisableFile {
		logFile := filepath.Join(c.LogDir, network, defaultLogFilename)
		err := c.LogRotator.InitLogRotator(c.Log, logFile)
		if err != nil {
			return err
		}
		writers = append(writers, c.LogRotator)
	}

	c.SubLogMgr = build.NewSubLoggerManager(
		io.MultiWriter(writers...), c.Log,
	)
	SetupLoggers(c.SubLogMgr)

	// Parse, validate, and set debug log level(s).
	return build.ParseAndSetDebugLevels(c.DebugLevel, c.SubLogMgr)
}

// seedPath returns the file the node seed is stored in.
func (c *Config) seedPath() string {
	return filepath.Join(c.DB.Path, defaultSeedFilename)
}
