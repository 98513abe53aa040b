package scenario

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

// Bundled mode names.
const (
	ModeIdle      = "idle"
	ModeExplore   = "explore"
	ModeHomeTable = "home_table"
)

// Default idle thresholds in ticks.
const (
	DefaultExploreIdleTicks   = 15
	DefaultHomeTableIdleTicks = 12
)

// ErrUnknownMode is returned by NewMode for an unregistered name.
var ErrUnknownMode = errors.New("unknown scenario mode")

// ModeOptions configures NewMode. Zero IdleTicks picks the mode default and
// a nil Rand is seeded from Seed.
type ModeOptions struct {
	IdleTicks int
	Seed      uint64
	Rand      *rand.Rand
	Homes     HomeProvider
}

func (o ModeOptions) rng() *rand.Rand {
	if o.Rand != nil {
		return o.Rand
	}
	return rand.New(rand.NewPCG(o.Seed, o.Seed^0x9e3779b97f4a7c15))
}

// NewMode builds a bundled mode by name.
func NewMode(name string, opts ModeOptions) (Mode, error) {
	switch name {
	case ModeIdle, "":
		return BaseMode{}, nil
	case ModeExplore:
		ticks := opts.IdleTicks
		if ticks <= 0 {
			ticks = DefaultExploreIdleTicks
		}
		return NewExploreMode(ticks, opts.rng()), nil
	case ModeHomeTable:
		ticks := opts.IdleTicks
		if ticks <= 0 {
			ticks = DefaultHomeTableIdleTicks
		}
		return NewHomeTableMode(ticks, opts.rng(), opts.Homes), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMode, name)
}

// ModeNames lists the bundled modes.
func ModeNames() []string {
	return []string{ModeIdle, ModeExplore, ModeHomeTable}
}
