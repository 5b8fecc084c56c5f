package discovery

import (
	"bytes"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/relaydesk/host/internal/logging"
)

var log = logging.L("discovery")

// ScanConfig defines the parameters for a LAN sweep.
type ScanConfig struct {
	// Subnets to sweep; empty means every directly attached IPv4 subnet.
	Subnets          []string
	ExcludeIPs       []string
	Methods          []string // "arp", "ping"
	Timeout          time.Duration
	Concurrency      int
	DeepScan         bool // allow subnets larger than /16
	ResolveHostnames bool
}

// DiscoveredHost represents a device found during a sweep.
type DiscoveredHost struct {
	IP             string    `json:"ip"`
	MAC            string    `json:"mac,omitempty"`
	Hostname       string    `json:"hostname,omitempty"`
	ResponseTimeMs float64   `json:"responseTimeMs,omitempty"`
	Methods        []string  `json:"methods"`
	FirstSeen      time.Time `json:"firstSeen"`
	LastSeen       time.Time `json:"lastSeen"`
}

// Scanner coordinates the sweep methods.
type Scanner struct {
	config ScanConfig
}

// NewScanner creates a new Scanner with the given configuration.
func NewScanner(config ScanConfig) *Scanner {
	return &Scanner{config: normalizeConfig(config)}
}

// Scan executes the configured sweep methods and returns discovered hosts.
func (s *Scanner) Scan() ([]DiscoveredHost, error) {
	subnets, err := parseSubnets(s.config.Subnets)
	if err != nil {
		return nil, err
	}
	if len(subnets) == 0 {
		subnets = localSubnets()
	}
	if len(subnets) == 0 {
		return nil, fmt.Errorf("no subnets to scan")
	}

	exclude := make(map[string]struct{}, len(s.config.ExcludeIPs))
	for _, ip := range s.config.ExcludeIPs {
		exclude[ip] = struct{}{}
	}

	targets := expandTargets(subnets, exclude, s.config.DeepScan)
	if len(targets) == 0 {
		return nil, fmt.Errorf("no target IPs to scan")
	}

	methods := normalizeMethods(s.config.Methods)
	hosts := make(map[string]*DiscoveredHost)
	now := time.Now()

	if methods["arp"] {
		arpResults, err := ScanARP(subnets, exclude, s.config.Timeout)
		if err != nil {
			log.Warn("arp scan failed", "error", err)
		}
		for ip, mac := range arpResults {
			host := getOrCreateHost(hosts, ip, now)
			host.MAC = mac
			host.Methods = addMethod(host.Methods, "arp")
		}
	}

	if methods["ping"] {
		start := time.Now()
		for _, ip := range PingSweep(targets, s.config.Timeout, s.config.Concurrency) {
			host := getOrCreateHost(hosts, ip.String(), now)
			host.ResponseTimeMs = float64(time.Since(start).Microseconds()) / 1000.0
			host.Methods = addMethod(host.Methods, "ping")
		}
	}

	// Fill in missing MACs from the OS ARP cache: after the ping sweep,
	// hosts are typically in the kernel ARP table even if the pcap-based
	// scan failed (requires root).
	for ip, mac := range ReadARPCache() {
		if host, ok := hosts[ip]; ok && host.MAC == "" {
			host.MAC = mac
		}
	}

	for _, host := range hosts {
		if s.config.ResolveHostnames {
			if hostname := resolveHostname(host.IP); hostname != "" {
				host.Hostname = hostname
			}
		}
		host.LastSeen = time.Now()
	}

	result := make([]DiscoveredHost, 0, len(hosts))
	for _, host := range hosts {
		result = append(result, *host)
	}
	sort.Slice(result, func(i, j int) bool {
		return compareIPs(result[i].IP, result[j].IP)
	})

	log.Info("lan sweep completed", "hosts", len(result))
	return result, nil
}

func normalizeConfig(config ScanConfig) ScanConfig {
	if config.Timeout == 0 {
		config.Timeout = 2 * time.Second
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 128
	}
	if len(config.Methods) == 0 {
		config.Methods = []string{"arp", "ping"}
	}
	return config
}

func normalizeMethods(methods []string) map[string]bool {
	result := make(map[string]bool, len(methods))
	for _, method := range methods {
		result[strings.ToLower(strings.TrimSpace(method))] = true
	}
	return result
}

// localSubnets lists the IPv4 subnets of every up, non-loopback interface.
func localSubnets() []*net.IPNet {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var subnets []*net.IPNet
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			subnets = append(subnets, ipNet)
		}
	}
	return subnets
}

func parseSubnets(subnets []string) ([]*net.IPNet, error) {
	if len(subnets) == 0 {
		return nil, nil
	}

	parsed := make([]*net.IPNet, 0, len(subnets))
	for _, subnet := range subnets {
		subnet = strings.TrimSpace(subnet)
		if subnet == "" {
			continue
		}

		if strings.Contains(subnet, "/") {
			_, ipNet, err := net.ParseCIDR(subnet)
			if err != nil {
				return nil, fmt.Errorf("invalid subnet %q: %w", subnet, err)
			}
			parsed = append(parsed, ipNet)
			continue
		}

		ip := net.ParseIP(subnet)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", subnet)
		}
		parsed = append(parsed, &net.IPNet{IP: ip, Mask: net.CIDRMask(32, 32)})
	}

	return parsed, nil
}

func expandTargets(subnets []*net.IPNet, exclude map[string]struct{}, deepScan bool) []net.IP {
	var targets []net.IP
	for _, subnet := range subnets {
		if subnet == nil || subnet.IP.To4() == nil {
			continue
		}

		ones, bits := subnet.Mask.Size()
		hosts := uint64(1) << uint(bits-ones)
		if hosts > 65536 && !deepScan {
			log.Warn("subnet too large, enable DeepScan to scan fully", "subnet", subnet.String())
			continue
		}

		for ip := subnet.IP.Mask(subnet.Mask); subnet.Contains(ip); incIP(ip) {
			ipCopy := make(net.IP, len(ip))
			copy(ipCopy, ip)
			if ipCopy.To4() == nil {
				continue
			}
			if _, excluded := exclude[ipCopy.String()]; excluded {
				continue
			}
			targets = append(targets, ipCopy)
		}
	}
	return targets
}

func incIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] != 0 {
			break
		}
	}
}

func getOrCreateHost(hosts map[string]*DiscoveredHost, ip string, now time.Time) *DiscoveredHost {
	host, ok := hosts[ip]
	if !ok {
		host = &DiscoveredHost{IP: ip, FirstSeen: now, LastSeen: now}
		hosts[ip] = host
	}
	return host
}

func addMethod(methods []string, method string) []string {
	for _, existing := range methods {
		if existing == method {
			return methods
		}
	}
	return append(methods, method)
}

func resolveHostname(ip string) string {
	addrs, err := net.LookupAddr(ip)
	if err != nil || len(addrs) == 0 {
		return ""
	}
	return strings.TrimSuffix(addrs[0], ".")
}

func compareIPs(a, b string) bool {
	ipA := net.ParseIP(a)
	ipB := net.ParseIP(b)
	if ipA == nil || ipB == nil {
		return a < b
	}
	return bytes.Compare(ipA.To4(), ipB.To4()) < 0
}
