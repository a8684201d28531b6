// Package config loads and validates the daemon's TOML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/malbeclabs/yggdrasil-jumperd/internal/types"
)

// Config mirrors the daemon's TOML configuration keys (spec §6).
type Config struct {
	AllowIPv4 bool `toml:"allow_ipv4"`
	AllowIPv6 bool `toml:"allow_ipv6"`
	ListenPort uint16 `toml:"listen_port"`

	YggdrasilListen      []string `toml:"yggdrasil_listen"`
	YggdrasilAdminListen []string `toml:"yggdrasil_admin_listen"`
	YggdrasilProtocols   []string `toml:"yggdrasil_protocols"`

	Whitelist []string `toml:"whitelist"`

	StunServers   []string `toml:"stun_servers"`
	StunRandomize bool     `toml:"stun_randomize"`

	StunUDPRetryCount         int           `toml:"stun_udp_retry_count"`
	StunUDPExponentialTimeout bool          `toml:"stun_udp_exponential_timeout"`
	StunUDPResponseTimeout    time.Duration `toml:"stun_udp_response_timeout"`
	StunTCPResponseTimeout    time.Duration `toml:"stun_tcp_response_timeout"`

	FirewallTraversalUDPRetryCount int           `toml:"firewall_traversal_udp_retry_count"`
	FirewallTraversalUDPCycle      time.Duration `toml:"firewall_traversal_udp_cycle"`

	NatTraversalUDPRetryCount int           `toml:"nat_traversal_udp_retry_count"`
	NatTraversalUDPCycle      time.Duration `toml:"nat_traversal_udp_cycle"`

	InactivityDelayPeriod time.Duration `toml:"inactivity_delay_period"`
	InactivityDelay       time.Duration `toml:"inactivity_delay"`
	AlignUptimeTimeout    time.Duration `toml:"align_uptime_timeout"`

	OnlyPeersAdvertisingJumper  bool   `toml:"only_peers_advertising_jumper"`
	FailedYggdrasilTraversalLimit uint32 `toml:"failed_yggdrasil_traversal_limit"`
	AvoidRedundantPeering       bool   `toml:"avoid_redundant_peering"`

	YggdrasilDPI                  bool `toml:"yggdrasil_dpi"`
	YggdrasilDPIUDPMTU            int  `toml:"yggdrasil_dpi_udp_mtu"`
	YggdrasilDPIFallbackToReliable bool `toml:"yggdrasil_dpi_fallback_to_reliable"`

	YggdrasilAdminReconnect bool `toml:"yggdrasil_admin_reconnect"`

	PeerUnconnectedCheckDelay      time.Duration `toml:"peer_unconnected_check_delay"`
	ResolveExternalAddressDelay    time.Duration `toml:"resolve_external_address_delay"`
	YggdrasilctlQueryDelay         time.Duration `toml:"yggdrasilctl_query_delay"`
	ConnectAsClientTimeout         time.Duration `toml:"connect_as_client_timeout"`
	SessionCacheInvalidationTimeout time.Duration `toml:"session_cache_invalidation_timeout"`
}

// Default returns a Config with the same defaults as the original
// implementation (original_source/src/config.rs ConfigInner::default).
func Default() Config {
	return Config{
		AllowIPv4:  true,
		AllowIPv6:  true,
		ListenPort: 7734,

		StunRandomize: false,

		StunUDPRetryCount:         3,
		StunUDPExponentialTimeout: true,
		StunUDPResponseTimeout:    4 * time.Second,
		StunTCPResponseTimeout:    5 * time.Second,

		FirewallTraversalUDPRetryCount: 5,
		FirewallTraversalUDPCycle:      time.Second,

		NatTraversalUDPRetryCount: 10,
		NatTraversalUDPCycle:      500 * time.Millisecond,

		InactivityDelayPeriod: 10 * time.Minute,
		InactivityDelay:       30 * time.Second,
		AlignUptimeTimeout:    10 * time.Second,

		FailedYggdrasilTraversalLimit: 5,
		AvoidRedundantPeering:         true,

		YggdrasilDPIUDPMTU: 1400,

		PeerUnconnectedCheckDelay:       15 * time.Second,
		ResolveExternalAddressDelay:     30 * time.Second,
		YggdrasilctlQueryDelay:          10 * time.Second,
		ConnectAsClientTimeout:          5 * time.Second,
		SessionCacheInvalidationTimeout: 5 * time.Minute,
	}
}

// Load reads and parses a TOML config file, starting from Default and
// overlaying fields present in the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadStdin reads config from os.Stdin, matching the original's "-" path
// convention.
func LoadStdin() (*Config, error) {
	cfg := Default()
	if _, err := toml.NewDecoder(os.Stdin).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config from stdin: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports a configuration error (spec §7 ErrConfig), fatal at
// startup.
func (c *Config) Validate() error {
	if len(c.YggdrasilAdminListen) == 0 {
		return fmt.Errorf("config: no yggdrasil admin socket specified")
	}
	if !c.AllowIPv4 && !c.AllowIPv6 {
		return fmt.Errorf("config: IPv4 and IPv6 connectivity both disallowed")
	}
	for _, p := range c.YggdrasilProtocols {
		if _, ok := types.ParsePeeringProtocol(p); !ok {
			return fmt.Errorf("config: unknown yggdrasil protocol %q", p)
		}
	}
	return nil
}

// Protocols parses YggdrasilProtocols into typed values, skipping (already
// validated) unknown entries.
func (c *Config) Protocols() []types.PeeringProtocol {
	out := make([]types.PeeringProtocol, 0, len(c.YggdrasilProtocols))
	for _, p := range c.YggdrasilProtocols {
		if proto, ok := types.ParsePeeringProtocol(p); ok {
			out = append(out, proto)
		}
	}
	return out
}
