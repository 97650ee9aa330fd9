package retention

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/hb9tf/argus/store"
)

// WriteRollupsCSV writes rollup records as CSV, one line per
// (timeBucket, gridCell) bucket.
func WriteRollupsCSV(w io.Writer, rollups []store.Rollup) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"TimeBucketUnixMilli",
		"CellKey",
		"SignalCount",
		"MinPower",
		"AvgPower",
		"MaxPower",
	}); err != nil {
		return fmt.Errorf("error writing CSV header: %w", err)
	}

	for _, r := range rollups {
		if err := cw.Write([]string{
			fmt.Sprintf("%d", r.TimeBucket),
			r.CellKey,
			fmt.Sprintf("%d", r.SignalCount),
			fmt.Sprintf("%f", r.MinPower),
			fmt.Sprintf("%f", r.AvgPower),
			fmt.Sprintf("%f", r.MaxPower),
		}); err != nil {
			return fmt.Errorf("error writing CSV line: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
