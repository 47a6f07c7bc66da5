package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"inputplug/pkg/watcher"
	"inputplug/pkg/wmii"
)

// fileConfig is the on-disk configuration. Every key mirrors a long flag.
type fileConfig struct {
	Command     string `toml:"command" yaml:"command"`
	Verbose     bool   `toml:"verbose" yaml:"verbose"`
	Debug       bool   `toml:"debug" yaml:"debug"`
	Foreground  bool   `toml:"foreground" yaml:"foreground"`
	NoAct       bool   `toml:"no-act" yaml:"no-act"`
	Bootstrap   bool   `toml:"bootstrap" yaml:"bootstrap"`
	PIDFile     string `toml:"pidfile" yaml:"pidfile"`
	Display     string `toml:"display" yaml:"display"`
	Journal     string `toml:"journal" yaml:"journal"`
	MetricsAddr string `toml:"metrics-addr" yaml:"metrics-addr"`
	WMII        bool   `toml:"wmii" yaml:"wmii"`
	WMIIAddress string `toml:"wmii-address" yaml:"wmii-address"`
	WMIIFile    string `toml:"wmii-file" yaml:"wmii-file"`
}

// loadConfig reads a TOML file, or YAML when the name ends in .yaml/.yml.
func loadConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path) //nolint:gosec // config path is chosen by the operator
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = toml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// findConfig returns the config to load: --config, then $INPUTPLUG_CONFIG,
// then the default path if it exists. An explicit path must exist.
func findConfig(flags *pflag.FlagSet, explicit string) (path string, required bool, err error) {
	if flags.Changed("config") {
		return explicit, true, nil
	}
	if v := os.Getenv(envConfig); v != "" {
		return v, true, nil
	}
	def, err := defaultConfigPath()
	if err != nil {
		return "", false, nil //nolint:nilerr // no home dir means no default config
	}
	return def, false, nil
}

// readConfig loads whichever config findConfig picks. A missing optional
// default yields the zero config.
func readConfig(flags *pflag.FlagSet, explicit string) (fileConfig, error) {
	path, required, err := findConfig(flags, explicit)
	if err != nil || path == "" {
		return fileConfig{}, err
	}
	cfg, err := loadConfig(path)
	if err != nil && !required && errors.Is(err, os.ErrNotExist) {
		return fileConfig{}, nil
	}
	return cfg, err
}

// rootFlags holds the values bound to the root command's flags.
type rootFlags struct {
	config      string
	command     string
	verbose     bool
	debug       bool
	foreground  bool
	noAct       bool
	bootstrap   bool
	pidFile     string
	display     string
	journal     string
	metricsAddr string
	wmiiAddress string
	wmiiFile    string
}

// pick returns the flag value when the flag was given, the environment
// value when set, and the file value otherwise.
func pick(flags *pflag.FlagSet, name, flagVal, envKey, fileVal string) string {
	if flags.Changed(name) {
		return flagVal
	}
	if envKey != "" {
		if v := os.Getenv(envKey); v != "" {
			return v
		}
	}
	return fileVal
}

func pickBool(flags *pflag.FlagSet, name string, flagVal, fileVal bool) bool {
	if flags.Changed(name) {
		return flagVal
	}
	return fileVal
}

// resolveOptions merges flags, environment and config file into the
// watcher's options. Precedence: flag > environment > file > default.
func resolveOptions(flags *pflag.FlagSet, rf *rootFlags) (watcher.Options, error) {
	cfg, err := readConfig(flags, rf.config)
	if err != nil {
		return watcher.Options{}, err
	}

	noAct := pickBool(flags, "no-act", rf.noAct, cfg.NoAct)
	opts := watcher.Options{
		Command:     pick(flags, "command", rf.command, "", cfg.Command),
		Verbose:     pickBool(flags, "verbose", rf.verbose, cfg.Verbose),
		Debug:       pickBool(flags, "debug", rf.debug, cfg.Debug),
		DryRun:      noAct,
		Foreground:  noAct || pickBool(flags, "foreground", rf.foreground, cfg.Foreground),
		Bootstrap:   pickBool(flags, "bootstrap", rf.bootstrap, cfg.Bootstrap),
		PIDFile:     pick(flags, "pidfile", rf.pidFile, envPIDFile, cfg.PIDFile),
		Display:     pick(flags, "display", rf.display, "", cfg.Display),
		Journal:     pick(flags, "journal", rf.journal, envJournal, cfg.Journal),
		MetricsAddr: pick(flags, "metrics-addr", rf.metricsAddr, "", cfg.MetricsAddr),
		WMIIFile:    pick(flags, "wmii-file", rf.wmiiFile, "", cfg.WMIIFile),
	}
	opts.WMII, opts.WMIIAddress = wmiiAddress(flags, rf, cfg)
	if opts.WMIIFile == "" {
		opts.WMIIFile = wmii.DefaultFile
	}

	if opts.Command == "" {
		return opts, errors.New("a hook command is required (-c/--command)")
	}
	if opts.Command, err = resolveCommand(opts.Command); err != nil {
		return opts, err
	}
	if opts.PIDFile, err = absPath(opts.PIDFile); err != nil {
		return opts, err
	}
	if opts.Journal, err = absPath(opts.Journal); err != nil {
		return opts, err
	}
	return opts, nil
}

// wmiiAddress decides whether events are posted over 9P and where. Posting
// is on when --wmii-address is given, $WMII_ADDRESS is set (even empty), or
// the file sets wmii or wmii-address. An empty address selects the
// namespace socket.
func wmiiAddress(flags *pflag.FlagSet, rf *rootFlags, cfg fileConfig) (enabled bool, address string) {
	if flags.Changed("wmii-address") {
		return true, rf.wmiiAddress
	}
	if v, ok := os.LookupEnv(wmii.EnvAddress); ok {
		return true, v
	}
	return cfg.WMII || cfg.WMIIAddress != "", cfg.WMIIAddress
}

// statePaths resolves the PID file and journal for the status, stop and log
// subcommands, which share the watcher's precedence rules.
func statePaths(flags *pflag.FlagSet, rf *rootFlags) (pidFile, journal string, err error) {
	cfg, err := readConfig(flags, rf.config)
	if err != nil {
		return "", "", err
	}
	pidFile = pick(flags, "pidfile", rf.pidFile, envPIDFile, cfg.PIDFile)
	journal = pick(flags, "journal", rf.journal, envJournal, cfg.Journal)
	return pidFile, journal, nil
}
