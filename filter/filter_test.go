package filter

import (
	"testing"

	"github.com/hb9tf/argus/signal"
)

func testSignals() []signal.Signal {
	return []signal.Signal{
		{ID: "1", Frequency: 433_920_000, Metadata: map[string]any{signal.MetaDeviceID: "dev-a", signal.MetaSignalType: "remote"}},
		{ID: "2", Frequency: 2_412_000_000, Metadata: map[string]any{signal.MetaDeviceID: "dev-b", signal.MetaSignalType: "wifi"}},
		{ID: "3", Frequency: 868_300_000},
	}
}

func ids(signals []signal.Signal) []string {
	out := make([]string, 0, len(signals))
	for i := range signals {
		out = append(out, signals[i].ID)
	}
	return out
}

func TestApply(t *testing.T) {
	for _, tc := range []struct {
		desc    string
		filters []Filterer
		want    []string
	}{
		{
			desc: "no filters keeps all",
			want: []string{"1", "2", "3"},
		},
		{
			desc:    "device filter",
			filters: []Filterer{NewDeviceIDs([]string{"dev-a"})},
			want:    []string{"1"},
		},
		{
			desc:    "empty device filter keeps all",
			filters: []Filterer{NewDeviceIDs(nil)},
			want:    []string{"1", "2", "3"},
		},
		{
			desc:    "signal type filter",
			filters: []Filterer{NewSignalTypes([]string{"wifi"})},
			want:    []string{"2"},
		},
		{
			desc:    "untagged signals match the unknown bucket",
			filters: []Filterer{NewSignalTypes([]string{signal.UnknownSignalType})},
			want:    []string{"3"},
		},
		{
			desc:    "frequency range",
			filters: []Filterer{&FreqRange{FreqLow: 400_000_000, FreqHigh: 900_000_000}},
			want:    []string{"1", "3"},
		},
		{
			desc: "filters compose",
			filters: []Filterer{
				&FreqRange{FreqLow: 400_000_000, FreqHigh: 900_000_000},
				NewDeviceIDs([]string{"dev-a", "dev-b"}),
			},
			want: []string{"1"},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			got := ids(Apply(testSignals(), tc.filters))
			if len(got) != len(tc.want) {
				t.Fatalf("Apply() kept %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("Apply() kept %v, want %v", got, tc.want)
				}
			}
		})
	}
}
