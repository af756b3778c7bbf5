// Package config loads the lowpand YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Config is the daemon configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	// Syslog mirrors logs to a remote collector, "host:port".
	Syslog        string        `yaml:"syslog"`
	Tick          time.Duration `yaml:"tick"`
	MetricsListen string        `yaml:"metrics_listen"`
	GRPCListen    string        `yaml:"grpc_listen"`
	// Seed fixes the stack's random source; 0 seeds from the runtime.
	Seed uint64 `yaml:"seed"`

	ND   NDConfig   `yaml:"nd"`
	IPv6 IPv6Config `yaml:"ipv6"`

	Interfaces []*InterfaceConfig `yaml:"interfaces"`
}

// NDConfig holds the ND protocol parameters. Intervals are in ticks.
type NDConfig struct {
	RSRetryMax         uint8  `yaml:"rs_retry_max"`
	RSRetryIntervalMin uint32 `yaml:"rs_retry_interval_min"`
	NSRetryMax         uint8  `yaml:"ns_retry_max"`
	NSRetryIntervalMin uint32 `yaml:"ns_retry_interval_min"`
	TimerRandomMax     uint32 `yaml:"timer_random_max"`
	NSForwardTimeout   uint32 `yaml:"ns_forward_timeout"`
	MultihopDAD        bool   `yaml:"multihop_dad"`
	MaxRouterObjects   int    `yaml:"max_router_objects"`
	MaxPrefixes        int    `yaml:"max_prefixes"`
	// RegistrationLifetime is in minutes.
	RegistrationLifetime uint16 `yaml:"registration_lifetime"`
	// TimerAllObjects services every router object of an interface on
	// each tick instead of only the first.
	TimerAllObjects bool `yaml:"timer_all_objects"`
}

// IPv6Config tunes the forwarding core.
type IPv6Config struct {
	ResolutionQueueLimit int `yaml:"resolution_queue_limit"`
	NeighborCacheSize    int `yaml:"neighbor_cache_size"`
	DestCacheSize        int `yaml:"dest_cache_size"`
	// ICMPErrorsPerSecond and ICMPBurst limit ICMPv6 error generation.
	ICMPErrorsPerSecond float64 `yaml:"icmp_errors_per_second"`
	ICMPBurst           int     `yaml:"icmp_burst"`
	// ReassemblyTimeout is in seconds.
	ReassemblyTimeout int `yaml:"reassembly_timeout"`
	MaxReassemblies   int `yaml:"max_reassemblies"`
	WhiteboardSize    int `yaml:"whiteboard_size"`
}

// InterfaceConfig brings up one interface.
type InterfaceConfig struct {
	Name string `yaml:"name"`
	ID   int    `yaml:"id"`
	// Link selects the link endpoint: "packet" (AF_PACKET on Device) or
	// "thread" (AF_PACKET with DHCPv6 leasequery address resolution).
	Link   string `yaml:"link"`
	Device string `yaml:"device"`

	NwkID       string `yaml:"nwk_id"`
	Mode        string `yaml:"mode"`
	MTU         uint32 `yaml:"mtu"`
	CurHopLimit uint8  `yaml:"cur_hop_limit"`
	// AcceptRA defaults to true for hosts and routers.
	AcceptRA   *bool `yaml:"accept_ra"`
	Advertise  bool  `yaml:"advertise"`
	Forwarding bool  `yaml:"forwarding"`
	ChildLimit int   `yaml:"child_limit"`
	Sleepy     bool  `yaml:"sleepy"`

	// RouterLifetime is in seconds; ReachableTime and RetransTimer in
	// milliseconds, as carried in RAs.
	RouterLifetime uint16 `yaml:"router_lifetime"`
	ReachableTime  uint32 `yaml:"reachable_time"`
	RetransTimer   uint32 `yaml:"retrans_timer"`

	Addresses    []string            `yaml:"addresses"`
	RATiming     *RATimingConfig     `yaml:"ra_timing"`
	Prefixes     []*RAPrefix         `yaml:"prefixes"`
	Routes       []*RARoute          `yaml:"routes"`
	BorderRouter *BorderRouterConfig `yaml:"border_router"`
	// StaticNeighbors maps IPv6 addresses to link addresses ("02:00:..")
	// resolved without ND.
	StaticNeighbors map[string]string `yaml:"static_neighbors"`
	Thread          *ThreadConfig     `yaml:"thread"`
}

// RATimingConfig overrides RFC 4861 RA timing, in ticks.
type RATimingConfig struct {
	MinInterval           uint32 `yaml:"min_interval"`
	MaxInterval           uint32 `yaml:"max_interval"`
	MaxInitialInterval    uint32 `yaml:"max_initial_interval"`
	InitialAdvertisements uint8  `yaml:"initial_advertisements"`
	MaxDelay              uint32 `yaml:"max_delay"`
	MinDelayBetween       uint32 `yaml:"min_delay_between"`
}

// RAPrefix is a prefix advertised in RAs.
type RAPrefix struct {
	Prefix string `yaml:"prefix"`
	// OnLink and Autonomous default to true.
	OnLink        *bool  `yaml:"on_link"`
	Autonomous    *bool  `yaml:"autonomous"`
	ValidLifetime uint32 `yaml:"valid_lifetime"`
	PreferredLife uint32 `yaml:"preferred_lifetime"`
}

// RARoute is a route advertised in a Route Information Option.
type RARoute struct {
	Prefix string `yaml:"prefix"`
	// Preference is "high", "medium" or "low".
	Preference string `yaml:"preference"`
	Lifetime   uint32 `yaml:"lifetime"`
}

// BorderRouterConfig makes the interface the border router of its
// network.
type BorderRouterConfig struct {
	Address        string `yaml:"address"`
	ABROVersion    uint32 `yaml:"abro_version"`
	ABROLifetime   uint16 `yaml:"abro_lifetime"`
	RouterLifetime uint16 `yaml:"router_lifetime"`
	// Prefixes are carried in the ABRO-scoped PIOs.
	Prefixes []*RAPrefix      `yaml:"prefixes"`
	Contexts []*ContextConfig `yaml:"contexts"`
}

// ContextConfig is a 6LoWPAN compression context.
type ContextConfig struct {
	ID       int    `yaml:"id"`
	Prefix   string `yaml:"prefix"`
	Compress bool   `yaml:"compress"`
	Lifetime uint32 `yaml:"lifetime"`
}

// ThreadConfig configures leasequery address resolution.
type ThreadConfig struct {
	// Server is the DHCPv6 server queried, "[addr]:port".
	Server  string        `yaml:"server"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the stock configuration with no interfaces.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:      "info",
		Tick:          100 * time.Millisecond,
		MetricsListen: "127.0.0.1:9480",
		GRPCListen:    "",
		ND: NDConfig{
			RSRetryMax:           3,
			RSRetryIntervalMin:   15,
			NSRetryMax:           5,
			NSRetryIntervalMin:   100,
			TimerRandomMax:       31,
			NSForwardTimeout:     300,
			MultihopDAD:          true,
			MaxRouterObjects:     4,
			MaxPrefixes:          8,
			RegistrationLifetime: 60,
		},
		IPv6: IPv6Config{
			ResolutionQueueLimit: 2,
			NeighborCacheSize:    64,
			DestCacheSize:        256,
			ICMPErrorsPerSecond:  10,
			ICMPBurst:            10,
			ReassemblyTimeout:    60,
			MaxReassemblies:      16,
			WhiteboardSize:       512,
		},
	}
}

// Load reads and validates the configuration at path. Settings absent
// from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration text.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Interface returns the interface named name, or nil.
func (c *Config) Interface(name string) *InterfaceConfig {
	for _, ic := range c.Interfaces {
		if ic.Name == name {
			return ic
		}
	}
	return nil
}
