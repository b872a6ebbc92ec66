package config

import (
	"time"
)

// EnvConfig contains the environment configuration. It is populated by
// coalescing values from these sources, in descending order of precedence:
//
//  1. environment variables.
//  2. .env.toml.
//  3. default fallbacks.
type EnvConfig struct {
	home string

	Barrier  BarrierConfig  `toml:"barrier"`
	SyncData SyncDataConfig `toml:"syncdata"`
	Daemon   DaemonConfig   `toml:"daemon"`
}

// Home returns the home directory the configuration was loaded from.
func (e EnvConfig) Home() string {
	return e.home
}

type BarrierConfig struct {
	Port           int      `toml:"port" validate:"min=1,max=65535"`
	ConnectTimeout Duration `toml:"connect_timeout" validate:"gt=0"`
	RetryBackoff   Duration `toml:"retry_backoff" validate:"gt=0"`
}

type SyncDataConfig struct {
	Port          int      `toml:"port" validate:"min=1,max=65535"`
	IOTimeout     Duration `toml:"io_timeout" validate:"gt=0"`
	SweepInterval Duration `toml:"sweep_interval" validate:"gt=0"`
}

type DaemonConfig struct {
	Listen string `toml:"listen" validate:"required,hostname_port"`
}

// Duration is a time.Duration that decodes from strings such as "10s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}
