// Package api implements the HTTP status API and Prometheus metrics endpoint.
package api

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds daemon status information.
type StatusResponse struct {
	Uptime        string `json:"uptime"`
	Running       bool   `json:"running"`
	Ticks         uint64 `json:"ticks"`
	Interfaces    int    `json:"interfaces"`
	Active        int    `json:"active_interfaces"`
	RouterObjects int    `json:"router_objects"`
	Routes        int    `json:"routes"`
	Registrations int    `json:"registrations"`
	RAPending     int    `json:"ra_pending"`
}

// InterfaceStatus holds one interface's ND and address state.
type InterfaceStatus struct {
	ID        int      `json:"id"`
	Name      string   `json:"name"`
	Mode      string   `json:"mode"`
	Active    bool     `json:"active"`
	MTU       uint32   `json:"mtu"`
	Neighbors int      `json:"neighbors"`
	Addresses []string `json:"addresses"`
}

// RouterObject holds one ND router object.
type RouterObject struct {
	Interface    int    `json:"interface"`
	Network      string `json:"network,omitempty"`
	BorderRouter string `json:"border_router"`
	State        string `json:"state"`
	DefaultHop   string `json:"default_hop,omitempty"`
	ABROVersion  uint32 `json:"abro_version"`
	Prefixes     int    `json:"prefixes"`
}

// Registration is one whiteboard entry.
type Registration struct {
	Address   string `json:"address"`
	EUI64     string `json:"eui64"`
	Interface int    `json:"interface"`
	Lifetime  uint32 `json:"lifetime"`
}

// Counters holds the stack's protocol counters.
type Counters struct {
	Received           uint64            `json:"received"`
	Sent               uint64            `json:"sent"`
	Forwarded          uint64            `json:"forwarded"`
	Delivered          uint64            `json:"delivered"`
	Drops              map[string]uint64 `json:"drops"`
	ICMPErrorsSent     uint64            `json:"icmp_errors_sent"`
	ICMPRateLimited    uint64            `json:"icmp_rate_limited"`
	ResolutionQueued   uint64            `json:"resolution_queued"`
	ResolutionFailures uint64            `json:"resolution_failures"`
	RSSent             uint64            `json:"rs_sent"`
	RASent             uint64            `json:"ra_sent"`
	RAReceived         uint64            `json:"ra_received"`
	NSRegSent          uint64            `json:"ns_registrations_sent"`
	DARSent            uint64            `json:"dar_sent"`
	DACReceived        uint64            `json:"dac_received"`
	BootstrapRestarts  uint64            `json:"bootstrap_restarts"`
	RxDropped          uint64            `json:"rx_dropped"`
}
