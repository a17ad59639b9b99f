package generation

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/exp/slices"
)

const (
	staticPrefix  = "static-"
	dynamicPrefix = "dynamic-"
)

// Pair is the two generation keys active for one version of the
// gateway: one bucket for immutable precached assets, one for
// runtime-fetched responses.
type Pair struct {
	Static  string
	Dynamic string
}

// NewPair derives the generation keys for a version string, e.g.
// version "v3" yields {static-v3, dynamic-v3}.
func NewPair(version string) Pair {
	return Pair{
		Static:  staticPrefix + version,
		Dynamic: dynamicPrefix + version,
	}
}

func (p Pair) Contains(name string) bool {
	return name == p.Static || name == p.Dynamic
}

func (p Pair) String() string {
	return fmt.Sprintf("%s/%s", p.Static, p.Dynamic)
}

// Stale returns the generation names in existing that do not belong
// to current, sorted. Activation deletes exactly this set.
func Stale(existing []string, current Pair) []string {
	var stale []string
	for _, name := range existing {
		if !current.Contains(name) {
			stale = append(stale, name)
		}
	}
	slices.Sort(stale)
	return stale
}

// Active holds the generation pair that fetch handlers currently use.
// Swapping it is the "claim" step of activation: all requests started
// after the swap see the new pair, without a restart.
type Active struct {
	v atomic.Pointer[Pair]
}

func NewActive(p Pair) *Active {
	a := new(Active)
	a.v.Store(&p)
	return a
}

func (a *Active) Load() Pair {
	return *a.v.Load()
}

func (a *Active) Swap(p Pair) (old Pair) {
	return *a.v.Swap(&p)
}
