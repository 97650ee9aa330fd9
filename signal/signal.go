// Package signal defines the core record types shared by the storage,
// query and clustering layers: the immutable Signal detection, the mutable
// Device aggregate and the derived Cluster summary.
package signal

import (
	"fmt"
	"time"
)

// Source describes which kind of sensor produced a detection.
type Source string

const (
	SourceSweepSensor Source = "SweepSensor"
	SourceDeviceScan  Source = "DeviceScan"
	SourceManual      Source = "Manual"
	SourceOtherRF     Source = "OtherRF"
	SourceUnknown     Source = "Unknown"
)

// Normalize maps unrecognized source strings to SourceUnknown.
func (s Source) Normalize() Source {
	switch s {
	case SourceSweepSensor, SourceDeviceScan, SourceManual, SourceOtherRF:
		return s
	default:
		return SourceUnknown
	}
}

// Well-known metadata keys.
const (
	MetaDeviceID   = "deviceId"
	MetaSignalType = "signalType"

	// UnknownSignalType is the histogram bucket for signals without a
	// signalType metadata entry.
	UnknownSignalType = "unknown"
)

// Signal is a single time-stamped, geolocated detection. Signals are
// immutable once stored; they are only ever removed by retention or
// superseded by aggregation rollups.
type Signal struct {
	ID         string         `json:"id"`
	Lat        float64        `json:"lat"`
	Lon        float64        `json:"lon"`
	Altitude   *float64       `json:"altitude,omitempty"` // meters
	Power      float64        `json:"power"`              // dBm
	Frequency  int64          `json:"frequency"`          // Hz
	Bandwidth  *float64       `json:"bandwidth,omitempty"`
	Modulation string         `json:"modulation,omitempty"`
	Timestamp  int64          `json:"timestamp"` // epoch milliseconds
	Source     Source         `json:"source"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// DeviceID returns the device identifier carried in the metadata, or ""
// when the signal is not attributed to a device.
func (s *Signal) DeviceID() string {
	if s.Metadata == nil {
		return ""
	}
	id, _ := s.Metadata[MetaDeviceID].(string)
	return id
}

// SignalType returns the signal-type tag from the metadata, defaulting to
// UnknownSignalType.
func (s *Signal) SignalType() string {
	if s.Metadata != nil {
		if t, ok := s.Metadata[MetaSignalType].(string); ok && t != "" {
			return t
		}
	}
	return UnknownSignalType
}

// Validate reports whether the signal can be persisted. Latitude and
// longitude must be in range and frequency and timestamp must be set;
// records failing validation are rejected per record, never fatally.
func (s *Signal) Validate() error {
	if s.Lat < -90 || s.Lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]", s.Lat)
	}
	if s.Lon < -180 || s.Lon > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]", s.Lon)
	}
	if s.Frequency <= 0 {
		return fmt.Errorf("frequency must be positive, got %d", s.Frequency)
	}
	if s.Timestamp <= 0 {
		return fmt.Errorf("timestamp must be positive, got %d", s.Timestamp)
	}
	return nil
}

// Detection is the wire form of a signal as submitted by sensors. The
// required fields are pointers so that absent fields can be told apart
// from zero values before the record is admitted into the store.
type Detection struct {
	Lat        *float64       `json:"lat"`
	Lon        *float64       `json:"lon"`
	Altitude   *float64       `json:"altitude,omitempty"`
	Power      *float64       `json:"power"`
	Frequency  *int64         `json:"frequency"`
	Bandwidth  *float64       `json:"bandwidth,omitempty"`
	Modulation string         `json:"modulation,omitempty"`
	Timestamp  *int64         `json:"timestamp"`
	Source     Source         `json:"source"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Signal converts the detection into a storable Signal, enforcing the
// required-field invariant. The returned signal has no ID assigned yet.
func (d *Detection) Signal() (Signal, error) {
	for name, p := range map[string]bool{
		"lat":       d.Lat == nil,
		"lon":       d.Lon == nil,
		"power":     d.Power == nil,
		"frequency": d.Frequency == nil,
		"timestamp": d.Timestamp == nil,
	} {
		if p {
			return Signal{}, fmt.Errorf("required field %q is missing", name)
		}
	}
	s := Signal{
		Lat:        *d.Lat,
		Lon:        *d.Lon,
		Altitude:   d.Altitude,
		Power:      *d.Power,
		Frequency:  *d.Frequency,
		Bandwidth:  d.Bandwidth,
		Modulation: d.Modulation,
		Timestamp:  *d.Timestamp,
		Source:     d.Source.Normalize(),
		Metadata:   d.Metadata,
	}
	if err := s.Validate(); err != nil {
		return Signal{}, err
	}
	return s, nil
}

// Position is a latitude/longitude pair.
type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Device is the mutable aggregate upserted from signals carrying a
// deviceId. AvgPower is the incremental arithmetic mean over every power
// value ever observed for the device.
type Device struct {
	DeviceID     string         `json:"deviceId"`
	Type         string         `json:"type"`
	Manufacturer string         `json:"manufacturer,omitempty"`
	FirstSeen    int64          `json:"firstSeen"`
	LastSeen     int64          `json:"lastSeen"`
	AvgPower     float64        `json:"avgPower"`
	FreqMin      int64          `json:"freqMin"`
	FreqMax      int64          `json:"freqMax"`
	LastPosition Position       `json:"lastPosition"`
	SignalCount  int64          `json:"signalCount"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Relationship is an append-only co-location/interaction edge between two
// devices, unique per (DeviceA, DeviceB, Kind).
type Relationship struct {
	DeviceA      string  `json:"deviceA"`
	DeviceB      string  `json:"deviceB"`
	Kind         string  `json:"kind"`
	Weight       float64 `json:"weight"`
	LastObserved int64   `json:"lastObserved"`
}

// BoundingBox is an axis-aligned latitude/longitude box.
type BoundingBox struct {
	MinLat float64 `json:"minLat"`
	MinLon float64 `json:"minLon"`
	MaxLat float64 `json:"maxLat"`
	MaxLon float64 `json:"maxLon"`
}

// Contains reports whether the point lies inside the box (inclusive).
func (b BoundingBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// Validate checks that the box is well formed and within coordinate range.
func (b BoundingBox) Validate() error {
	if b.MinLat > b.MaxLat || b.MinLon > b.MaxLon {
		return fmt.Errorf("bounding box min exceeds max: %+v", b)
	}
	if b.MinLat < -90 || b.MaxLat > 90 || b.MinLon < -180 || b.MaxLon > 180 {
		return fmt.Errorf("bounding box out of coordinate range: %+v", b)
	}
	return nil
}

// TimeRange is an inclusive [Start, End] window in epoch milliseconds.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// ClusterStats summarizes the members of a cluster. Power statistics are
// over raw dBm values, unweighted.
type ClusterStats struct {
	Count                 int              `json:"count"`
	AvgPower              float64          `json:"avgPower"`
	MinPower              float64          `json:"minPower"`
	MaxPower              float64          `json:"maxPower"`
	DominantFrequencyBand int64            `json:"dominantFrequencyBand"` // Hz
	SignalTypeHistogram   map[string]int   `json:"signalTypeHistogram"`
	TimeRange             TimeRange        `json:"timeRange"`
}

// Cluster is a derived, ephemeral grouping of signals for map display. It
// is computed per query and never persisted or mutated in place.
type Cluster struct {
	Centroid    Position     `json:"centroid"`
	BoundingBox BoundingBox  `json:"boundingBox"`
	MemberIDs   []string     `json:"memberIds"`
	Stats       ClusterStats `json:"stats"`
}

// rfBands lists common RF allocations for band snapping; ranges are
// half-open [Low, High) in Hz and must stay sorted by Low.
var rfBands = []struct {
	Low, High int64
	Band      int64
}{
	{300_000_000, 348_000_000, 315_000_000},       // 315 MHz ISM / remotes
	{420_000_000, 450_000_000, 433_000_000},       // 433 MHz ISM
	{863_000_000, 870_000_000, 868_000_000},       // 868 MHz SRD (EU)
	{902_000_000, 928_000_000, 915_000_000},       // 915 MHz ISM (US)
	{1_559_000_000, 1_610_000_000, 1_575_000_000}, // GNSS L1
	{2_400_000_000, 2_500_000_000, 2_400_000_000}, // 2.4 GHz
	{5_150_000_000, 5_925_000_000, 5_000_000_000}, // 5 GHz
	{5_925_000_000, 7_125_000_000, 6_000_000_000}, // 6 GHz
}

// fallbackBandWidth buckets frequencies outside the known bands.
const fallbackBandWidth = 500_000_000

// Band snaps a frequency to its common RF band identifier in Hz, falling
// back to a 500 MHz floor bucket for frequencies outside the known bands.
func Band(freqHz int64) int64 {
	for _, b := range rfBands {
		if freqHz >= b.Low && freqHz < b.High {
			return b.Band
		}
	}
	return (freqHz / fallbackBandWidth) * fallbackBandWidth
}

// Time converts a signal timestamp to a time.Time.
func Time(epochMs int64) time.Time {
	return time.Unix(0, epochMs*int64(time.Millisecond))
}
