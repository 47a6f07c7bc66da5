package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment overrides, consulted between flags and the config file.
const (
	envConfig  = "INPUTPLUG_CONFIG"
	envPIDFile = "INPUTPLUG_PIDFILE"
	envJournal = "INPUTPLUG_JOURNAL"
)

// defaultConfigPath returns $XDG_CONFIG_HOME/inputplug/config.toml, falling
// back to ~/.config when XDG_CONFIG_HOME is unset.
func defaultConfigPath() (string, error) {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "inputplug", "config.toml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".config", "inputplug", "config.toml"), nil
}

// absPath makes p absolute so it survives the daemon's chdir to /.
func absPath(p string) (string, error) {
	if p == "" || filepath.IsAbs(p) {
		return p, nil
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	return abs, nil
}

// resolveCommand returns the canonical path of the hook: absolute, with
// symlinks evaluated. The hook must exist.
func resolveCommand(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve command %s: %w", p, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve command %s: %w", p, err)
	}
	return resolved, nil
}
