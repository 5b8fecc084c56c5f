package config

import (
	"fmt"
	"strings"
	"testing"
)

func TestValidateTieredInvalidHostIDIsFatal(t *testing.T) {
	cfg := Default()
	cfg.HostID = "not-numeric"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("invalid host id should be fatal")
	}
	found := false
	for _, err := range result.Fatals {
		if strings.Contains(err.Error(), "not a valid numeric short id") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected host id validation error in fatals")
	}
}

func TestValidateTieredEmptyRendezvousHostIsFatal(t *testing.T) {
	cfg := Default()
	cfg.RendezvousServers = []string{":21116"}
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("rendezvous server with no host should be fatal")
	}
}

func TestValidateTieredInvalidSidecarURLSchemeIsFatal(t *testing.T) {
	cfg := Default()
	cfg.PresenceSidecarURL = "ftp://example.com"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("invalid sidecar URL scheme should be fatal")
	}
}

func TestValidateTieredControlCharsInPasswordHashIsFatal(t *testing.T) {
	cfg := Default()
	cfg.PasswordHash = "hash\x00with\x01control"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("control chars in password hash should be fatal")
	}
}

func TestValidateTieredMismatchedTLSPathsIsFatal(t *testing.T) {
	cfg := Default()
	cfg.DirectTLSCertPath = "/etc/relaydesk/cert.pem"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("cert path set without key path should be fatal")
	}
}

func TestValidateTieredPortClampingIsWarning(t *testing.T) {
	cfg := Default()
	cfg.RelayPort = 99999
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped port should be warning, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for out-of-range port")
	}
	if cfg.RelayPort != 21117 {
		t.Fatalf("RelayPort = %d, want 21117 (clamped)", cfg.RelayPort)
	}
}

func TestValidateTieredUnknownLogLevelIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("unknown log level should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for unknown log level")
	}
}

func TestValidateTieredInvalidLogFormatIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "xml"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("invalid log format should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for invalid log format")
	}
}

func TestValidateTieredUnknownRecordingArchiveIsWarning(t *testing.T) {
	cfg := Default()
	cfg.RecordingArchive = "dropbox"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("unknown recording archive should not be fatal")
	}
	if cfg.RecordingArchive != "" {
		t.Fatalf("RecordingArchive = %q, want cleared", cfg.RecordingArchive)
	}
}

func TestValidateTieredArchiveWithoutBucketIsWarning(t *testing.T) {
	cfg := Default()
	cfg.RecordingArchive = "s3"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("archive without bucket should not be fatal")
	}
	if cfg.RecordingArchive != "" {
		t.Fatalf("RecordingArchive = %q, want cleared when bucket missing", cfg.RecordingArchive)
	}
}

func TestHasFatals(t *testing.T) {
	r := ValidationResult{}
	if r.HasFatals() {
		t.Fatal("HasFatals() on empty result should be false")
	}
	r.Fatals = append(r.Fatals, fmt.Errorf("test error"))
	if !r.HasFatals() {
		t.Fatal("HasFatals() should be true with a fatal error")
	}
}

func TestAllErrorsReturnsBoth(t *testing.T) {
	cfg := Default()
	cfg.PresenceSidecarURL = "ftp://bad" // fatal
	cfg.LogLevel = "verbose"             // warning
	result := cfg.ValidateTiered()

	all := result.AllErrors()
	if len(all) < 2 {
		t.Fatalf("AllErrors() returned %d errors, expected at least 2 (fatals + warnings)", len(all))
	}
}

func TestValidConfigHasNoErrors(t *testing.T) {
	cfg := Default()
	cfg.HostID = "123456789"
	cfg.RendezvousServers = []string{"rs-ny.example.com:21116"}
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("valid config has fatals: %v", result.Fatals)
	}
	if len(result.Warnings) > 0 {
		t.Fatalf("valid config has warnings: %v", result.Warnings)
	}
}
