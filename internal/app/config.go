package app

import (
	"errors"
	"fmt"

	"github.com/vk/buildgrid/internal/toolchain"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	BuildPath string   // build file or directory of .hcl files
	Targets   []string // "<kind>.<name>" addresses; empty means the default targets

	Clean bool
	Watch bool

	LogFormat       string
	LogLevel        string
	HealthcheckPort int

	Toolchain ToolchainFlags
}

// ToolchainFlags are command-line toolchain settings. They win over both the
// built-in defaults and the build file's toolchain block. Empty strings and
// nil slices leave the setting alone.
type ToolchainFlags struct {
	CC, LD, AR                string
	CCFlags, LDFlags, ARFlags []string
}

// Apply copies every set flag onto o.
func (f ToolchainFlags) Apply(o *toolchain.Options) {
	if f.CC != "" {
		o.CC = f.CC
	}
	if f.LD != "" {
		o.LD = f.LD
	}
	if f.AR != "" {
		o.AR = f.AR
	}
	if f.CCFlags != nil {
		o.CCFlags = f.CCFlags
	}
	if f.LDFlags != nil {
		o.LDFlags = f.LDFlags
	}
	if f.ARFlags != nil {
		o.ARFlags = f.ARFlags
	}
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.BuildPath == "" {
		return nil, errors.New("BuildPath is a required configuration field and cannot be empty")
	}
	if cfg.Clean && cfg.Watch {
		return nil, errors.New("clean and watch cannot be combined")
	}
	if cfg.HealthcheckPort < 0 || cfg.HealthcheckPort > 65535 {
		return nil, fmt.Errorf("healthcheck port %d out of range", cfg.HealthcheckPort)
	}
	if cfg.HealthcheckPort > 0 && !cfg.Watch {
		return nil, errors.New("the health check server is only available in watch mode")
	}

	return &cfg, nil
}
