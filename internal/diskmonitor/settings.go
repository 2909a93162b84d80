package diskmonitor

import (
	"fmt"
	"time"
)

// DefaultRerouteInterval is the minimum time between two reroute requests
// issued by the monitor, cluster-wide.
const DefaultRerouteInterval = 60 * time.Second

// Settings holds the disk watermark thresholds. Each watermark is expressed
// two ways: a minimum free byte count and a minimum free percentage; crossing
// either constitutes crossing the watermark. A byte threshold of zero
// disables the absolute check for that watermark.
//
// The free thresholds shrink as severity grows: a node below the low
// watermark still has more free space than one below high, which has more
// than one at flood stage.
type Settings struct {
	FreeBytesLow   int64
	FreeBytesHigh  int64
	FreeBytesFlood int64

	FreePercentLow   float64
	FreePercentHigh  float64
	FreePercentFlood float64

	// RerouteInterval rate-limits reroute requests. Zero means
	// DefaultRerouteInterval.
	RerouteInterval time.Duration
}

// DefaultSettings mirrors the conventional 85/90/95% used-space watermarks.
func DefaultSettings() Settings {
	return Settings{
		FreePercentLow:   15,
		FreePercentHigh:  10,
		FreePercentFlood: 5,
		RerouteInterval:  DefaultRerouteInterval,
	}
}

func (s *Settings) validate() error {
	for name, v := range map[string]int64{
		"free_bytes_low":   s.FreeBytesLow,
		"free_bytes_high":  s.FreeBytesHigh,
		"free_bytes_flood": s.FreeBytesFlood,
	} {
		if v < 0 {
			return fmt.Errorf("diskmonitor: %s must not be negative, got %d", name, v)
		}
	}
	for name, v := range map[string]float64{
		"free_percent_low":   s.FreePercentLow,
		"free_percent_high":  s.FreePercentHigh,
		"free_percent_flood": s.FreePercentFlood,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("diskmonitor: %s must be within [0,100], got %g", name, v)
		}
	}
	if s.FreePercentLow < s.FreePercentHigh || s.FreePercentHigh < s.FreePercentFlood {
		return fmt.Errorf("diskmonitor: free percent thresholds must not grow with severity: low %g, high %g, flood %g",
			s.FreePercentLow, s.FreePercentHigh, s.FreePercentFlood)
	}
	if s.FreeBytesLow != 0 && s.FreeBytesHigh != 0 && s.FreeBytesLow < s.FreeBytesHigh {
		return fmt.Errorf("diskmonitor: free_bytes_low %d below free_bytes_high %d", s.FreeBytesLow, s.FreeBytesHigh)
	}
	if s.FreeBytesHigh != 0 && s.FreeBytesFlood != 0 && s.FreeBytesHigh < s.FreeBytesFlood {
		return fmt.Errorf("diskmonitor: free_bytes_high %d below free_bytes_flood %d", s.FreeBytesHigh, s.FreeBytesFlood)
	}
	if s.RerouteInterval < 0 {
		return fmt.Errorf("diskmonitor: reroute interval must not be negative, got %s", s.RerouteInterval)
	}
	if s.RerouteInterval == 0 {
		s.RerouteInterval = DefaultRerouteInterval
	}
	return nil
}
