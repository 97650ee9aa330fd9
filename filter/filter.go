// Package filter applies post-query signal filtering so callers observe
// identical semantics regardless of which storage tier served a query.
package filter

import "github.com/hb9tf/argus/signal"

type Filterer interface {
	ShouldIgnore(*signal.Signal) bool
}

// Apply returns the signals not ignored by any filter, preserving order.
func Apply(signals []signal.Signal, filters []Filterer) []signal.Signal {
	if len(filters) == 0 {
		return signals
	}
	kept := make([]signal.Signal, 0, len(signals))
	for i := range signals {
		skip := false
		for _, f := range filters {
			if f.ShouldIgnore(&signals[i]) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		kept = append(kept, signals[i])
	}
	return kept
}

// DeviceIDs keeps only signals attributed to one of the given devices.
type DeviceIDs map[string]bool

func NewDeviceIDs(ids []string) DeviceIDs {
	f := make(DeviceIDs, len(ids))
	for _, id := range ids {
		f[id] = true
	}
	return f
}

func (f DeviceIDs) ShouldIgnore(s *signal.Signal) bool {
	if len(f) == 0 {
		return false
	}
	return !f[s.DeviceID()]
}

// SignalTypes keeps only signals whose signalType tag is in the set.
// Untagged signals fall into the "unknown" bucket.
type SignalTypes map[string]bool

func NewSignalTypes(types []string) SignalTypes {
	f := make(SignalTypes, len(types))
	for _, t := range types {
		f[t] = true
	}
	return f
}

func (f SignalTypes) ShouldIgnore(s *signal.Signal) bool {
	if len(f) == 0 {
		return false
	}
	return !f[s.SignalType()]
}

// FreqRange keeps only signals inside [FreqLow, FreqHigh] Hz.
type FreqRange struct {
	FreqLow  int64
	FreqHigh int64
}

func (f *FreqRange) ShouldIgnore(s *signal.Signal) bool {
	if s.Frequency < f.FreqLow {
		return true
	}
	if s.Frequency > f.FreqHigh {
		return true
	}
	return false
}
