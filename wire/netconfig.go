package wire

import (
	"encoding/json"
	"errors"
	"sort"
)

// NetworkConfig is the UAC network configuration pulled from
// GET /networkconfig/latest/ and applied atomically by the supervisor.
type NetworkConfig struct {
	NM3GatewayStayAwake      bool
	NM3SensorStayAwake       bool
	CycleLimit               uint32
	PartialsPerFullDiscovery uint32
	GuardIntervalMs          uint32
	FrameIntervalS           uint32
	LinkQualityThreshold     uint32
	NodeAddresses            []uint8 // sorted set
}

// Defaults for fields the backend omits.
const (
	DefaultFrameIntervalS           = 3600
	DefaultGuardIntervalMs          = 500
	DefaultLinkQualityThreshold     = 4
	DefaultCycleLimit               = 6
	DefaultPartialsPerFullDiscovery = 4
)

var ErrBadNodeAddress = errors.New("wire: node address out of range")

// DefaultNetworkConfig returns the configuration used before the first
// successful pull: defaults everywhere and an empty node set, which keeps
// the frame scheduler idle.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		CycleLimit:               DefaultCycleLimit,
		PartialsPerFullDiscovery: DefaultPartialsPerFullDiscovery,
		GuardIntervalMs:          DefaultGuardIntervalMs,
		FrameIntervalS:           DefaultFrameIntervalS,
		LinkQualityThreshold:     DefaultLinkQualityThreshold,
	}
}

// networkConfigDoc is the backend document. Pointer fields distinguish
// omitted values, which fall back to defaults.
type networkConfigDoc struct {
	NM3GatewayStayAwake      *bool   `json:"nm3GatewayStayAwake"`
	NM3SensorStayAwake       *bool   `json:"nm3SensorStayAwake"`
	CycleLimit               *uint32 `json:"cycleLimit"`
	PartialsPerFullDiscovery *uint32 `json:"partialsPerFullDiscovery"`
	GuardIntervalMs          *uint32 `json:"guardIntervalMs"`
	FrameIntervalS           *uint32 `json:"frameIntervalS"`
	LinkQualityThreshold     *uint32 `json:"linkQualityThreshold"`
	NodeAddresses            []int   `json:"nodeAddresses"`
}

// ParseNetworkConfig decodes a backend configuration document. Node
// addresses are validated (1..255), deduplicated and sorted; a frame
// interval of zero is rejected as it would spin the frame scheduler.
func ParseNetworkConfig(raw []byte) (NetworkConfig, error) {
	cfg := DefaultNetworkConfig()
	var doc networkConfigDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return cfg, err
	}

	if doc.NM3GatewayStayAwake != nil {
		cfg.NM3GatewayStayAwake = *doc.NM3GatewayStayAwake
	}
	if doc.NM3SensorStayAwake != nil {
		cfg.NM3SensorStayAwake = *doc.NM3SensorStayAwake
	}
	if doc.CycleLimit != nil && *doc.CycleLimit > 0 {
		cfg.CycleLimit = *doc.CycleLimit
	}
	if doc.PartialsPerFullDiscovery != nil {
		cfg.PartialsPerFullDiscovery = *doc.PartialsPerFullDiscovery
	}
	if doc.GuardIntervalMs != nil {
		cfg.GuardIntervalMs = *doc.GuardIntervalMs
	}
	if doc.FrameIntervalS != nil {
		if *doc.FrameIntervalS == 0 {
			return cfg, errors.New("wire: frameIntervalS must be positive")
		}
		cfg.FrameIntervalS = *doc.FrameIntervalS
	}
	if doc.LinkQualityThreshold != nil {
		cfg.LinkQualityThreshold = *doc.LinkQualityThreshold
	}

	seen := [256]bool{}
	for _, a := range doc.NodeAddresses {
		if a < 1 || a > 255 {
			return cfg, ErrBadNodeAddress
		}
		seen[a] = true
	}
	cfg.NodeAddresses = nil
	for a := 1; a < 256; a++ {
		if seen[a] {
			cfg.NodeAddresses = append(cfg.NodeAddresses, uint8(a))
		}
	}
	sort.Slice(cfg.NodeAddresses, func(i, j int) bool { return cfg.NodeAddresses[i] < cfg.NodeAddresses[j] })
	return cfg, nil
}

// SameNodes reports whether both configurations address the same node set.
func (c *NetworkConfig) SameNodes(other *NetworkConfig) bool {
	if len(c.NodeAddresses) != len(other.NodeAddresses) {
		return false
	}
	for i := range c.NodeAddresses {
		if c.NodeAddresses[i] != other.NodeAddresses[i] {
			return false
		}
	}
	return true
}

// Equal reports whether both configurations are identical.
func (c *NetworkConfig) Equal(other *NetworkConfig) bool {
	return c.NM3GatewayStayAwake == other.NM3GatewayStayAwake &&
		c.NM3SensorStayAwake == other.NM3SensorStayAwake &&
		c.CycleLimit == other.CycleLimit &&
		c.PartialsPerFullDiscovery == other.PartialsPerFullDiscovery &&
		c.GuardIntervalMs == other.GuardIntervalMs &&
		c.FrameIntervalS == other.FrameIntervalS &&
		c.LinkQualityThreshold == other.LinkQualityThreshold &&
		c.SameNodes(other)
}

// AppendJSON writes the configuration as the backend's document shape
// into buf, for embedding in networklog records.
// Returns the length, or 0 when it does not fit.
func (c *NetworkConfig) AppendJSON(buf []byte) int {
	w := NewWriter(buf)
	w.Raw(`{"nm3GatewayStayAwake":`)
	w.Bool(c.NM3GatewayStayAwake)
	w.Raw(`,"nm3SensorStayAwake":`)
	w.Bool(c.NM3SensorStayAwake)
	w.Raw(`,"cycleLimit":`)
	w.Uint64(uint64(c.CycleLimit))
	w.Raw(`,"partialsPerFullDiscovery":`)
	w.Uint64(uint64(c.PartialsPerFullDiscovery))
	w.Raw(`,"guardIntervalMs":`)
	w.Uint64(uint64(c.GuardIntervalMs))
	w.Raw(`,"frameIntervalS":`)
	w.Uint64(uint64(c.FrameIntervalS))
	w.Raw(`,"linkQualityThreshold":`)
	w.Uint64(uint64(c.LinkQualityThreshold))
	w.Raw(`,"nodeAddresses":[`)
	for i, a := range c.NodeAddresses {
		if i > 0 {
			w.Byte(',')
		}
		w.Uint64(uint64(a))
	}
	w.Raw("]}")
	if w.Overflowed() {
		return 0
	}
	return w.Len()
}
