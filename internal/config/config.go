// Package config loads and saves the host's operational configuration:
// rendezvous servers, listen ports, the keypair path, permission defaults,
// and the ambient concerns (logging, audit, recording) spec.md's Non-goals
// name as out of scope for the UI layer but never for the host process
// itself. Backed by spf13/viper with a YAML file plus environment override,
// the same mapstructure-tag convention the teacher used.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"

	"github.com/relaydesk/host/internal/logging"
)

var log = logging.L("config")

type Config struct {
	// Identity
	HostID      string `mapstructure:"host_id"`      // numeric short id registered with the rendezvous server
	KeypairPath string `mapstructure:"keypair_path"`  // Ed25519 signing keypair (internal/wire.Identity)
	HostUUID    string `mapstructure:"host_uuid"`     // per-host UUID sent with RegisterPk

	// Rendezvous & direct access (C2)
	RendezvousServers   []string `mapstructure:"rendezvous_servers"`
	RelayPort           int      `mapstructure:"relay_port"`          // rendezvous server's TCP relay port, port+1
	DirectAccessPort    int      `mapstructure:"direct_access_port"`  // port+2 by convention
	DirectServerEnabled bool     `mapstructure:"direct_server_enabled"`
	LANDiscoveryPort    int      `mapstructure:"lan_discovery_port"`  // port+3 by convention
	PresenceSidecarURL  string   `mapstructure:"presence_sidecar_url"` // optional live presence push endpoint

	DirectTLSCertPath string `mapstructure:"direct_tls_cert_path"`
	DirectTLSKeyPath  string `mapstructure:"direct_tls_key_path"`
	DirectTLSClientCA string `mapstructure:"direct_tls_client_ca"` // enables mTLS on the direct-access listener when set

	// Authentication & permissions (C8)
	DefaultPermissions []string `mapstructure:"default_permissions"` // e.g. ["keyboard","clipboard","audio","file"]
	PasswordHash       string   `mapstructure:"password_hash"`
	TOTPSecret         string   `mapstructure:"totp_secret"`
	IPBlocklist        []string `mapstructure:"ip_blocklist"` // exact IPs or CIDRs, re-read on ConfigureUpdate

	// Session recording (C7 supplement)
	RecordingEnabled bool   `mapstructure:"recording_enabled"`
	RecordingDir     string `mapstructure:"recording_dir"`
	RecordingArchive string `mapstructure:"recording_archive"` // "", "s3", "azure", "gcs", "b2", "http"
	RecordingBucket  string `mapstructure:"recording_bucket"`
	RecordingRegion  string `mapstructure:"recording_region"`
	RecordingArchiveURL string `mapstructure:"recording_archive_url"` // http backend endpoint

	// IPC fabric (C3)
	IPCSocketPath     string `mapstructure:"ipc_socket_path"`
	UserHelperEnabled bool   `mapstructure:"user_helper_enabled"`

	// Logging
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	// Optional centralized diagnostics: when LogShippingURL is set, logs at
	// or above LogShippingLevel are also batched and shipped there (fleet
	// deployments that want one place to search host logs).
	LogShippingURL   string `mapstructure:"log_shipping_url"`
	LogShippingLevel string `mapstructure:"log_shipping_level"`

	// Audit
	AuditEnabled    bool `mapstructure:"audit_enabled"`
	AuditMaxSizeMB  int  `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int  `mapstructure:"audit_max_backups"`
}

func Default() *Config {
	return &Config{
		LogLevel:      "info",
		LogFormat:     "text",
		LogMaxSizeMB:  50,
		LogMaxBackups: 3,

		AuditEnabled:    true,
		AuditMaxSizeMB:  50,
		AuditMaxBackups: 3,

		RelayPort:          21117,
		DirectAccessPort:   21118,
		LANDiscoveryPort:   21119,
		DefaultPermissions: []string{"keyboard", "clipboard"},
		RecordingDir:       filepath.Join(GetDataDir(), "recordings"),

		UserHelperEnabled: true,
		IPCSocketPath:     defaultIPCSocketPath(),
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("host")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("RELAYDESK")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("host_id", cfg.HostID)
	viper.Set("keypair_path", cfg.KeypairPath)
	viper.Set("host_uuid", cfg.HostUUID)
	viper.Set("rendezvous_servers", cfg.RendezvousServers)
	viper.Set("relay_port", cfg.RelayPort)
	viper.Set("direct_access_port", cfg.DirectAccessPort)
	viper.Set("direct_server_enabled", cfg.DirectServerEnabled)
	viper.Set("lan_discovery_port", cfg.LANDiscoveryPort)
	viper.Set("default_permissions", cfg.DefaultPermissions)
	viper.Set("recording_enabled", cfg.RecordingEnabled)
	viper.Set("recording_dir", cfg.RecordingDir)
	viper.Set("recording_archive", cfg.RecordingArchive)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "host.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Restrict config file to owner-only access (contains the TOTP secret
	// and password hash).
	return os.Chmod(cfgPath, 0600)
}

// GetDataDir returns the platform-specific data directory for the host.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "RelayDesk", "data")
	case "darwin":
		return "/Library/Application Support/RelayDesk/data"
	default:
		return "/var/lib/relaydesk"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "RelayDesk")
	case "darwin":
		return "/Library/Application Support/RelayDesk"
	default:
		return "/etc/relaydesk"
	}
}

func defaultIPCSocketPath() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\relaydesk`
	}
	return "/var/run/relaydesk/ipc.sock"
}
