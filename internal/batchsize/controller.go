// Package batchsize derives how many resources to group per dispatch batch
// from the current network sample and the sizes of the pending resources.
package batchsize

import (
	"errors"
	"fmt"
	"math"

	"github.com/sheerbytes/assetflux/internal/netcond"
	"github.com/sheerbytes/assetflux/pkg/resource"
)

const (
	// PerMbps is the baseline number of resources per Mbps of effective
	// bandwidth at the reference RTT.
	PerMbps = 2.0
	// ReferenceRTTMs is the RTT at which the latency factor is 1.
	ReferenceRTTMs = 100.0

	SmallResourceBytes = 32 * 1024
	LargeResourceBytes = 256 * 1024

	poorBandwidthMbps = 0.5
	goodBandwidthMbps = 10.0
)

var ErrInvalidBounds = errors.New("batchsize: invalid bounds")

// Bounds limits the computed batch size. Both ends are inclusive.
type Bounds struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

func DefaultBounds() Bounds {
	return Bounds{Min: 1, Max: 50}
}

func (b Bounds) Validate() error {
	if b.Min < 1 {
		return fmt.Errorf("%w: min %d < 1", ErrInvalidBounds, b.Min)
	}
	if b.Min > b.Max {
		return fmt.Errorf("%w: min %d > max %d", ErrInvalidBounds, b.Min, b.Max)
	}
	return nil
}

func (b Bounds) Clamp(n int) int {
	if n < b.Min {
		n = b.Min
	}
	if n > b.Max {
		n = b.Max
	}
	if n < 1 {
		n = 1
	}
	return n
}

type Quality int

const (
	Moderate Quality = iota
	Poor
	Good
)

func (q Quality) String() string {
	switch q {
	case Poor:
		return "poor"
	case Good:
		return "good"
	default:
		return "moderate"
	}
}

// Classify buckets a sample. Poor wins over good when both apply.
func Classify(s netcond.Sample) Quality {
	s = s.Normalize()
	switch {
	case s.ConnectionType == netcond.ConnSlow2G || s.ConnectionType == netcond.Conn2G:
		return Poor
	case s.EffectiveBandwidth < poorBandwidthMbps:
		return Poor
	case s.ConnectionType == netcond.Conn4G || s.EffectiveBandwidth >= goodBandwidthMbps:
		return Good
	default:
		return Moderate
	}
}

// Compute returns the batch size for pending under sample, clamped to bounds.
// It is pure: the same inputs always produce the same output. Invalid bounds
// fall back to DefaultBounds; callers are expected to validate first. A
// sample with non-finite fields is replaced by netcond.DefaultSample.
//
// The network estimate is clamped to bounds before the size factor applies,
// so a small-resource set still grows a batch that sits at the minimum.
func Compute(sample netcond.Sample, pending []resource.Descriptor, bounds Bounds) int {
	if bounds.Validate() != nil {
		bounds = DefaultBounds()
	}
	if !finite(sample) {
		sample = netcond.DefaultSample()
	}
	sample = sample.Normalize()

	size := PerMbps * sample.EffectiveBandwidth * latencyFactor(sample.RTTMs)
	switch Classify(sample) {
	case Poor:
		size /= 2
	case Good:
		size *= 1.5
	}
	size = clamp(size, float64(bounds.Min), float64(bounds.Max))
	size *= SizeFactor(pending)

	if size > float64(bounds.Max) {
		return bounds.Max
	}
	return bounds.Clamp(int(math.Round(size)))
}

func finite(s netcond.Sample) bool {
	for _, v := range []float64{s.DownlinkMbps, s.RTTMs, s.EffectiveBandwidth} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func latencyFactor(rttMs float64) float64 {
	if rttMs <= 0 {
		return 1
	}
	return clamp(ReferenceRTTMs/rttMs, 0.5, 2)
}

// SizeFactor is 1.5 for small resources, 0.5 for large ones and log-linear in
// between, based on the mean declared size. Unknown sizes count as zero.
func SizeFactor(pending []resource.Descriptor) float64 {
	if len(pending) == 0 {
		return 1
	}
	mean := float64(resource.TotalBytes(pending)) / float64(len(pending))
	switch {
	case mean <= SmallResourceBytes:
		return 1.5
	case mean >= LargeResourceBytes:
		return 0.5
	}
	span := math.Log(LargeResourceBytes / SmallResourceBytes)
	return 1.5 - math.Log(mean/SmallResourceBytes)/span
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
