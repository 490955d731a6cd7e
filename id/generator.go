// Package id generates row keys that are unique across sites.
package id

import "github.com/safsdb/safs/hlc"

// Generator provides unique row keys for tables without a natural key.
type Generator interface {
	NextID() string
}

// HLCGenerator derives row keys from a site's hybrid logical clock. The
// packed timestamp carries the site id, so keys never collide across sites
// and sort roughly by creation time.
type HLCGenerator struct {
	clock *hlc.Clock
}

// NewHLCGenerator creates a new ID generator backed by the given HLC.
func NewHLCGenerator(clock *hlc.Clock) *HLCGenerator {
	return &HLCGenerator{clock: clock}
}

// NextID advances the clock and returns the packed timestamp.
func (g *HLCGenerator) NextID() string {
	return hlc.Pack(g.clock.Now())
}
