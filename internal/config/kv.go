package config

import (
	"strconv"
	"strings"
)

// The IPC channel exposes a small named key/value view over the config so
// the connection manager and UI can read and mutate settings without
// linking the full document schema. Unknown names read as "" and write as
// no-ops.

// GetValue returns the string form of one named setting.
func GetValue(cfg *Config, name string) string {
	switch name {
	case "id":
		return cfg.HostID
	case "uuid":
		return cfg.HostUUID
	case "rendezvous-servers":
		return strings.Join(cfg.RendezvousServers, ",")
	case "relay-port":
		return strconv.Itoa(cfg.RelayPort)
	case "direct-server":
		return boolOption(cfg.DirectServerEnabled)
	case "direct-access-port":
		return strconv.Itoa(cfg.DirectAccessPort)
	case "lan-discovery-port":
		return strconv.Itoa(cfg.LANDiscoveryPort)
	case "recording":
		return boolOption(cfg.RecordingEnabled)
	case "recording-dir":
		return cfg.RecordingDir
	default:
		return ""
	}
}

// SetValue applies one named setting; the caller persists afterwards.
func SetValue(cfg *Config, name, value string) {
	switch name {
	case "rendezvous-servers":
		cfg.RendezvousServers = splitNonEmpty(value)
	case "relay-port":
		if p, err := strconv.Atoi(value); err == nil {
			cfg.RelayPort = p
		}
	case "direct-server":
		cfg.DirectServerEnabled = optionBool(value)
	case "direct-access-port":
		if p, err := strconv.Atoi(value); err == nil {
			cfg.DirectAccessPort = p
		}
	case "lan-discovery-port":
		if p, err := strconv.Atoi(value); err == nil {
			cfg.LANDiscoveryPort = p
		}
	case "recording":
		cfg.RecordingEnabled = optionBool(value)
	case "recording-dir":
		cfg.RecordingDir = value
	}
}

// optionNames are the settings included in an Options snapshot, in the
// order the UI renders them.
var optionNames = []string{
	"direct-server",
	"direct-access-port",
	"lan-discovery-port",
	"recording",
	"recording-dir",
	"relay-port",
	"rendezvous-servers",
}

// OptionsSnapshot answers an Options read request with the full map.
func OptionsSnapshot(cfg *Config) map[string]string {
	out := make(map[string]string, len(optionNames))
	for _, name := range optionNames {
		out[name] = GetValue(cfg, name)
	}
	return out
}

// ApplyOptions applies an Options write; unknown keys are ignored.
func ApplyOptions(cfg *Config, opts map[string]string) {
	for name, value := range opts {
		SetValue(cfg, name, value)
	}
}

// Options use the "Y"/"" convention for booleans.
func boolOption(b bool) string {
	if b {
		return "Y"
	}
	return ""
}

func optionBool(s string) bool {
	return s == "Y" || s == "y" || s == "1" || strings.EqualFold(s, "true")
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
