// Package config resolves the effective configuration for one sudosh
// invocation: compiled defaults overlaid with environment variable
// overrides.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the resolved configuration for one sudosh invocation.
type Config struct {
	SudoersPath string
	SudoersDir  string

	TestMode       bool
	DebugSSSD      bool
	ForceSocket    bool

	CredCacheDir     string
	CredCacheTimeout time.Duration

	DirectorySocketPath string
	DirectoryHost       string
	DirectoryPort       int

	InactivityTimeout time.Duration

	AuditDBPath string

	Verbose bool
}

// Default returns the baseline configuration before flag/env overrides.
func Default() Config {
	return Config{
		SudoersPath:         "/etc/sudoers",
		SudoersDir:          "/etc/sudoers.d",
		CredCacheDir:        "/var/run/sudosh/cc",
		CredCacheTimeout:    15 * time.Minute,
		DirectorySocketPath: "/var/lib/sss/pipes/sudo",
		DirectoryPort:       3081,
		InactivityTimeout:   300 * time.Second,
		AuditDBPath:         "/var/log/sudosh/audit.db",
	}
}

// ApplyEnv overlays the SUDOSH_* environment-variable overrides.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("SUDOSH_SUDOERS_PATH"); v != "" {
		c.SudoersPath = v
	}
	if v := getenv("SUDOSH_SUDOERS_DIR"); v != "" {
		c.SudoersDir = v
	}
	if v := getenv("SUDOSH_TEST_MODE"); v == "1" {
		c.TestMode = true
	}
	if v := getenv("SUDOSH_DEBUG_SSSD"); v == "1" {
		c.DebugSSSD = true
	}
	if v := getenv("SUDOSH_SSSD_FORCE_SOCKET"); v == "1" {
		c.ForceSocket = true
	}
	if v := getenv("SUDOSH_DIRECTORY_HOST"); v != "" {
		c.DirectoryHost = v
	}
	if v := getenv("SUDOSH_DIRECTORY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.DirectoryPort = n
		}
	}
}

// ParseBoolEnv is a small helper for optional boolean env overrides.
func ParseBoolEnv(s string, def bool) bool {
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}
