package config

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

var hostIDRegex = regexp.MustCompile(`^[0-9]{1,12}$`)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validRecordingArchives = map[string]bool{
	"":      true,
	"s3":    true,
	"azure": true,
	"gcs":   true,
	"b2":    true,
	"http":  true,
}

// ValidationResult separates configuration problems that must block
// startup (Fatals) from ones that are auto-corrected or merely advisory
// (Warnings).
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal error was recorded.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings, for callers that just want
// to log everything regardless of tier.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// ValidateTiered checks the config and splits problems into fatals (bad
// identifiers, malformed URLs, control characters in secrets — signs of a
// corrupted or hand-edited file) and warnings (out-of-range values that are
// clamped to a safe default so the host still starts, and loosely-typed
// fields like log level or recording archive backend).
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.HostID != "" && !hostIDRegex.MatchString(c.HostID) {
		r.Fatals = append(r.Fatals, fmt.Errorf("host_id %q is not a valid numeric short id", c.HostID))
	}

	for _, rv := range c.RendezvousServers {
		host := rv
		if h, _, err := net.SplitHostPort(rv); err == nil {
			host = h
		}
		if host == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("rendezvous_servers entry %q has no host", rv))
		}
	}

	if c.PresenceSidecarURL != "" {
		u, err := url.Parse(c.PresenceSidecarURL)
		if err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("presence_sidecar_url %q is not a valid URL: %w", c.PresenceSidecarURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			r.Fatals = append(r.Fatals, fmt.Errorf("presence_sidecar_url scheme must be http or https, got %q", u.Scheme))
		}
	}

	if c.PasswordHash != "" {
		for _, ch := range c.PasswordHash {
			if unicode.IsControl(ch) {
				r.Fatals = append(r.Fatals, fmt.Errorf("password_hash contains control characters"))
				break
			}
		}
	}

	if (c.DirectTLSCertPath == "") != (c.DirectTLSKeyPath == "") {
		r.Fatals = append(r.Fatals, fmt.Errorf("direct_tls_cert_path and direct_tls_key_path must both be set or both empty"))
	}

	if c.RelayPort < 1 || c.RelayPort > 65535 {
		r.Warnings = append(r.Warnings, fmt.Errorf("relay_port %d out of range, clamping to default 21117", c.RelayPort))
		c.RelayPort = 21117
	}
	if c.DirectAccessPort < 1 || c.DirectAccessPort > 65535 {
		r.Warnings = append(r.Warnings, fmt.Errorf("direct_access_port %d out of range, clamping to default 21118", c.DirectAccessPort))
		c.DirectAccessPort = 21118
	}
	if c.LANDiscoveryPort < 1 || c.LANDiscoveryPort > 65535 {
		r.Warnings = append(r.Warnings, fmt.Errorf("lan_discovery_port %d out of range, clamping to default 21119", c.LANDiscoveryPort))
		c.LANDiscoveryPort = 21119
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if !validRecordingArchives[strings.ToLower(c.RecordingArchive)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("recording_archive %q is not a known backend, disabling archival", c.RecordingArchive))
		c.RecordingArchive = ""
	}
	if c.RecordingArchive != "" && !strings.EqualFold(c.RecordingArchive, "http") && c.RecordingBucket == "" {
		r.Warnings = append(r.Warnings, fmt.Errorf("recording_archive %q set without recording_bucket, disabling archival", c.RecordingArchive))
		c.RecordingArchive = ""
	}

	return r
}
