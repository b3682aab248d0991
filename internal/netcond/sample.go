// Package netcond tracks the latest network-condition sample and notifies
// subscribers when it changes.
package netcond

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ConnectionType mirrors the effective connection types reported by
// browser-style network information probes.
type ConnectionType string

const (
	ConnSlow2G  ConnectionType = "slow-2g"
	Conn2G      ConnectionType = "2g"
	Conn3G      ConnectionType = "3g"
	Conn4G      ConnectionType = "4g"
	ConnUnknown ConnectionType = "unknown"
)

// ErrProbeUnavailable is returned by probes that cannot produce a sample.
var ErrProbeUnavailable = errors.New("netcond: probe unavailable")

// Sample is a point-in-time view of the network.
type Sample struct {
	ConnectionType     ConnectionType `json:"connection_type"`
	DownlinkMbps       float64        `json:"downlink_mbps"`
	RTTMs              float64        `json:"rtt_ms"`
	EffectiveBandwidth float64        `json:"effective_bandwidth"`
	ObservedAt         time.Time      `json:"observed_at"`
}

// UnmarshalJSON accepts both snake_case and camelCase field names, plus the
// effectiveType/downlink/rtt names used by the network information API.
func (s *Sample) UnmarshalJSON(data []byte) error {
	type plain Sample
	var w struct {
		plain
		ConnectionTypeCamel     *ConnectionType `json:"connectionType"`
		EffectiveType           *ConnectionType `json:"effectiveType"`
		DownlinkCamel           *float64        `json:"downlinkMbps"`
		Downlink                *float64        `json:"downlink"`
		RTTCamel                *float64        `json:"rttMs"`
		RTT                     *float64        `json:"rtt"`
		EffectiveBandwidthCamel *float64        `json:"effectiveBandwidth"`
		ObservedAtCamel         *time.Time      `json:"observedAt"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = Sample(w.plain)
	pickType(&s.ConnectionType, w.ConnectionTypeCamel, w.EffectiveType)
	pickFloat(&s.DownlinkMbps, w.DownlinkCamel, w.Downlink)
	pickFloat(&s.RTTMs, w.RTTCamel, w.RTT)
	pickFloat(&s.EffectiveBandwidth, w.EffectiveBandwidthCamel)
	if s.ObservedAt.IsZero() && w.ObservedAtCamel != nil {
		s.ObservedAt = *w.ObservedAtCamel
	}
	return nil
}

func pickType(dst *ConnectionType, alts ...*ConnectionType) {
	for _, v := range alts {
		if *dst != "" {
			return
		}
		if v != nil {
			*dst = *v
		}
	}
}

func pickFloat(dst *float64, alts ...*float64) {
	for _, v := range alts {
		if *dst != 0 {
			return
		}
		if v != nil {
			*dst = *v
		}
	}
}

// Usable reports whether s carries a bandwidth figure. A sample without one
// is treated as ErrProbeUnavailable.
func (s Sample) Usable() bool {
	return s.DownlinkMbps > 0 || s.EffectiveBandwidth > 0
}

// DefaultSample is the conservative 3g-equivalent sample used whenever no
// probe has reported yet.
func DefaultSample() Sample {
	return Sample{
		ConnectionType:     Conn3G,
		DownlinkMbps:       1.6,
		RTTMs:              300,
		EffectiveBandwidth: 1.6 / 1.3,
	}
}

// Normalize fills derived fields and repairs out-of-range values.
func (s Sample) Normalize() Sample {
	switch s.ConnectionType {
	case ConnSlow2G, Conn2G, Conn3G, Conn4G:
	default:
		s.ConnectionType = ConnUnknown
	}
	if s.DownlinkMbps < 0 {
		s.DownlinkMbps = 0
	}
	if s.RTTMs < 0 {
		s.RTTMs = 0
	}
	if s.EffectiveBandwidth <= 0 {
		s.EffectiveBandwidth = s.DownlinkMbps / (1 + s.RTTMs/1000)
	}
	return s
}

func (s Sample) String() string {
	return fmt.Sprintf("%s downlink=%.2fMbps rtt=%.0fms eff=%.2f", s.ConnectionType, s.DownlinkMbps, s.RTTMs, s.EffectiveBandwidth)
}

// TypeForRTT maps a measured round-trip time onto a connection type using the
// same cut-offs as the network information API.
func TypeForRTT(rtt time.Duration) ConnectionType {
	ms := float64(rtt) / float64(time.Millisecond)
	switch {
	case ms <= 0:
		return ConnUnknown
	case ms < 270:
		return Conn4G
	case ms < 1400:
		return Conn3G
	case ms < 2000:
		return Conn2G
	default:
		return ConnSlow2G
	}
}

// TypeForDownlink maps a downlink estimate onto a connection type.
func TypeForDownlink(mbps float64) ConnectionType {
	switch {
	case mbps <= 0:
		return ConnUnknown
	case mbps >= 1.5:
		return Conn4G
	case mbps >= 0.7:
		return Conn3G
	case mbps >= 0.05:
		return Conn2G
	default:
		return ConnSlow2G
	}
}
