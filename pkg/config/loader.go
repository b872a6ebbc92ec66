package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/imdario/mergo"

	"github.com/testground/hostsync/pkg/logging"
)

const (
	EnvHostsyncHomeDir   = "HOSTSYNC_HOME"
	EnvBarrierPort       = "HOSTSYNC_BARRIER_PORT"
	EnvSyncDataPort      = "HOSTSYNC_SYNCDATA_PORT"
	EnvDaemonListen      = "HOSTSYNC_DAEMON_LISTEN"
	DefaultListenAddr    = "localhost:8043"
	DefaultBarrierPort   = 63000
	DefaultSyncDataPort  = 13234
	defaultHomeDirectory = ".hostsync"
)

var validate = validator.New()

// Defaults returns the configuration used when nothing else is specified.
func Defaults() EnvConfig {
	return EnvConfig{
		Barrier: BarrierConfig{
			Port:           DefaultBarrierPort,
			ConnectTimeout: Duration(10e9),
			RetryBackoff:   Duration(1e9),
		},
		SyncData: SyncDataConfig{
			Port:          DefaultSyncDataPort,
			IOTimeout:     Duration(10e9),
			SweepInterval: Duration(10e9),
		},
		Daemon: DaemonConfig{
			Listen: DefaultListenAddr,
		},
	}
}

func (e *EnvConfig) Load() error {
	// calculate home directory; use env var, or fall back to $HOME/.hostsync
	// otherwise.
	var home string
	if v, ok := os.LookupEnv(EnvHostsyncHomeDir); ok {
		home = v
	} else {
		v, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to obtain user home dir: %w", err)
		}
		home = filepath.Join(v, defaultHomeDirectory)
	}
	if err := ensureDir(home); err != nil {
		return fmt.Errorf("failed to check/create home directory %s: %w", home, err)
	}
	e.home = home

	// parse the .env.toml file, if it exists.
	f := filepath.Join(home, ".env.toml")
	if _, err := os.Stat(f); err == nil {
		if _, err = toml.DecodeFile(f, e); err != nil {
			return fmt.Errorf("found .env.toml at %s, but failed to parse: %w", f, err)
		}
		logging.S().Debugf(".env.toml loaded from: %s", f)
	} else {
		logging.S().Debugf("no .env.toml found at %s; running with defaults", f)
	}

	// apply fallbacks to whatever the file left unset.
	if err := mergo.Merge(e, Defaults()); err != nil {
		return fmt.Errorf("failed to apply defaults: %w", err)
	}

	if err := e.applyEnv(); err != nil {
		return err
	}

	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (e *EnvConfig) applyEnv() error {
	for name, dst := range map[string]*int{
		EnvBarrierPort:  &e.Barrier.Port,
		EnvSyncDataPort: &e.SyncData.Port,
	} {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %q", name, v)
		}
		*dst = p
	}
	if v, ok := os.LookupEnv(EnvDaemonListen); ok {
		e.Daemon.Listen = v
	}
	return nil
}

// ensureDir checks whether the specified path is a directory, and if not it
// attempts to create it.
func ensureDir(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		// We need to create the directory.
		return os.MkdirAll(path, os.ModePerm)
	}

	if !fi.IsDir() {
		return fmt.Errorf("path %s exists, and it is not a directory", path)
	}
	return nil
}
