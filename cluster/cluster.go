// Package cluster groups a query result set into map-ready clusters
// using a deterministic single-pass greedy algorithm: signals are visited
// in (timestamp, id) order and each unassigned signal seeds a cluster
// that absorbs every unassigned signal within the radius.
package cluster

import (
	"math"
	"sort"

	"github.com/hb9tf/argus/geo"
	"github.com/hb9tf/argus/signal"
)

// weight converts a dBm power reading into a positive centroid weight.
// The +100 shift is a calibration default: it up-weights stronger
// signals while keeping weak ones at a floor of 1.
func weight(powerDBm float64) float64 {
	return math.Max(1, powerDBm+100)
}

// Cluster partitions the input into clusters of signals within
// radiusMeters of their seed. Clusters smaller than minClusterSize
// degrade to singleton clusters instead of being dropped; the union of
// all emitted member sets is exactly the input, each signal once.
func Cluster(signals []signal.Signal, radiusMeters float64, minClusterSize int) []signal.Cluster {
	if len(signals) == 0 {
		return nil
	}
	if minClusterSize < 1 {
		minClusterSize = 1
	}

	// Stable input order makes the greedy pass reproducible.
	ordered := make([]signal.Signal, len(signals))
	copy(ordered, signals)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Timestamp != ordered[j].Timestamp {
			return ordered[i].Timestamp < ordered[j].Timestamp
		}
		return ordered[i].ID < ordered[j].ID
	})

	// Same grid-neighbor restriction as the spatial engine, with the
	// cell edge matched to the clustering radius.
	grid := geo.NewGrid(radiusMeters)
	buckets := make(map[string][]int, len(ordered))
	for i := range ordered {
		key := grid.CellKey(ordered[i].Lat, ordered[i].Lon)
		buckets[key] = append(buckets[key], i)
	}

	assigned := make([]bool, len(ordered))
	var clusters []signal.Cluster
	for seed := range ordered {
		if assigned[seed] {
			continue
		}
		assigned[seed] = true
		members := []int{seed}
		for _, key := range grid.CoverRadius(ordered[seed].Lat, ordered[seed].Lon, radiusMeters) {
			for _, idx := range buckets[key] {
				if assigned[idx] {
					continue
				}
				d := geo.Haversine(ordered[seed].Lat, ordered[seed].Lon, ordered[idx].Lat, ordered[idx].Lon)
				if d > radiusMeters {
					continue
				}
				assigned[idx] = true
				members = append(members, idx)
			}
		}
		sort.Ints(members)

		if len(members) < minClusterSize {
			// Hard policy: never drop signals, degrade to singletons.
			for _, idx := range members {
				clusters = append(clusters, build(ordered[idx:idx+1]))
			}
			continue
		}
		group := make([]signal.Signal, 0, len(members))
		for _, idx := range members {
			group = append(group, ordered[idx])
		}
		clusters = append(clusters, build(group))
	}
	return clusters
}

// build derives the cluster summary for a non-empty member set.
func build(members []signal.Signal) signal.Cluster {
	c := signal.Cluster{
		BoundingBox: signal.BoundingBox{
			MinLat: members[0].Lat, MaxLat: members[0].Lat,
			MinLon: members[0].Lon, MaxLon: members[0].Lon,
		},
		Stats: signal.ClusterStats{
			Count:               len(members),
			MinPower:            members[0].Power,
			MaxPower:            members[0].Power,
			SignalTypeHistogram: make(map[string]int),
			TimeRange: signal.TimeRange{
				Start: members[0].Timestamp,
				End:   members[0].Timestamp,
			},
		},
	}

	var weightSum, latSum, lonSum, powerSum float64
	bandCounts := make(map[int64]int)
	for i := range members {
		m := &members[i]
		c.MemberIDs = append(c.MemberIDs, m.ID)

		w := weight(m.Power)
		weightSum += w
		latSum += w * m.Lat
		lonSum += w * m.Lon

		powerSum += m.Power
		if m.Power < c.Stats.MinPower {
			c.Stats.MinPower = m.Power
		}
		if m.Power > c.Stats.MaxPower {
			c.Stats.MaxPower = m.Power
		}
		if m.Lat < c.BoundingBox.MinLat {
			c.BoundingBox.MinLat = m.Lat
		}
		if m.Lat > c.BoundingBox.MaxLat {
			c.BoundingBox.MaxLat = m.Lat
		}
		if m.Lon < c.BoundingBox.MinLon {
			c.BoundingBox.MinLon = m.Lon
		}
		if m.Lon > c.BoundingBox.MaxLon {
			c.BoundingBox.MaxLon = m.Lon
		}
		if m.Timestamp < c.Stats.TimeRange.Start {
			c.Stats.TimeRange.Start = m.Timestamp
		}
		if m.Timestamp > c.Stats.TimeRange.End {
			c.Stats.TimeRange.End = m.Timestamp
		}
		bandCounts[signal.Band(m.Frequency)]++
		c.Stats.SignalTypeHistogram[m.SignalType()]++
	}

	c.Centroid = signal.Position{
		Lat: latSum / weightSum,
		Lon: lonSum / weightSum,
	}
	c.Stats.AvgPower = powerSum / float64(len(members))

	// Mode of the snapped bands, ties resolved towards the lower band.
	var best int64
	bestCount := -1
	for band, count := range bandCounts {
		if count > bestCount || (count == bestCount && band < best) {
			best, bestCount = band, count
		}
	}
	c.Stats.DominantFrequencyBand = best
	return c
}
