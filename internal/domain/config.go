// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// EndpointConfig describes one transfer-service endpoint. Order in the config
// file is significant: the first entry is the primary, the rest are fallbacks.
type EndpointConfig struct {
	Name          string `mapstructure:"name"`
	Role          string `mapstructure:"role"`
	Host          string `mapstructure:"host"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	TLSSkipVerify bool   `mapstructure:"tlsSkipVerify"`
	Category      string `mapstructure:"category"`
}

type Config struct {
	Version string

	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	BaseURL string `mapstructure:"baseUrl"`

	LogLevel      string `mapstructure:"logLevel"`
	LogPath       string `mapstructure:"logPath"`
	LogMaxSize    int    `mapstructure:"logMaxSize"`
	LogMaxBackups int    `mapstructure:"logMaxBackups"`

	DataDir string `mapstructure:"dataDir"`

	MetricsEnabled        bool   `mapstructure:"metricsEnabled"`
	MetricsHost           string `mapstructure:"metricsHost"`
	MetricsPort           int    `mapstructure:"metricsPort"`
	MetricsBasicAuthUsers string `mapstructure:"metricsBasicAuthUsers"`

	PprofEnabled bool `mapstructure:"pprofEnabled"`

	Endpoints []EndpointConfig `mapstructure:"endpoints"`

	// Network anchor probed before any endpoint is blamed for an outage.
	NetworkProbeAddr string `mapstructure:"networkProbeAddr"`

	// Release selection preferences.
	PreferredNarrators []string `mapstructure:"preferredNarrators"`

	// Integrity verification.
	ProbeCommand string `mapstructure:"probeCommand"`

	// Admission control.
	RatioSampleIntervalSeconds int     `mapstructure:"ratioSampleIntervalSeconds"`
	RatioFloor                 float64 `mapstructure:"ratioFloor"`
	MembershipBudgetFloor      int64   `mapstructure:"membershipBudgetFloor"`
	MembershipStatusURL        string  `mapstructure:"membershipStatusUrl"`

	// Orchestration.
	MaxRetries              int `mapstructure:"maxRetries"`
	MaxConcurrentTransfers  int `mapstructure:"maxConcurrentTransfers"`
	ReplayIntervalSeconds   int `mapstructure:"replayIntervalSeconds"`
	HealthStalenessSeconds  int `mapstructure:"healthStalenessSeconds"`
	SubmitTimeoutSeconds    int `mapstructure:"submitTimeoutSeconds"`
	HealthCheckTimeoutSecs  int `mapstructure:"healthCheckTimeoutSeconds"`
}

const redactedValue = "[REDACTED]"

// RedactString replaces a secret with a placeholder for JSON output.
func RedactString(s string) string {
	if s == "" {
		return ""
	}
	return redactedValue
}

// IsRedactedString reports whether the value is the redaction placeholder.
func IsRedactedString(s string) bool {
	return s == redactedValue
}
