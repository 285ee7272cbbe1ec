// Package export renders the log table as CSV.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/saveenergy/latbench/pkg/types"
)

// DefaultFilename is the download name offered for exports.
const DefaultFilename = "benchmark_logs.csv"

var Header = []string{"Id", "Sent", "Received", "Latency", "Jitter", "UnderLoad"}

// Source walks the log table in insertion order.
type Source interface {
	EachLog(ctx context.Context, fn func(types.LogRecord) error) error
}

// WriteCSV writes the header and one row per record. With no records the
// output is the header alone.
func WriteCSV(ctx context.Context, w io.Writer, src Source) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}
	rows := 0
	err := src.EachLog(ctx, func(rec types.LogRecord) error {
		if err := cw.Write(Row(rec)); err != nil {
			return err
		}
		rows++
		return nil
	})
	if err != nil {
		return rows, fmt.Errorf("write rows: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return rows, fmt.Errorf("flush csv: %w", err)
	}
	return rows, nil
}

// Row formats rec with six decimal places.
func Row(rec types.LogRecord) []string {
	return []string{
		strconv.FormatUint(rec.ID, 10),
		formatFloat(rec.Sent),
		formatFloat(rec.Received),
		formatFloat(rec.Latency),
		formatFloat(rec.Jitter),
		strconv.FormatBool(rec.UnderLoad),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
