package app

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"usdfc-telemetry/internal/metrics"
	"usdfc-telemetry/internal/storage"
)

// protocolPoint is one decoded protocol_metrics snapshot for export.
type protocolPoint struct {
	Bucket time.Time
	Value  metrics.ProtocolMetrics
	Status string
	Error  string
}

// Export renders the protocol metrics history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	snapshots, err := store.ListSnapshotsBetween(ctx, metrics.IDProtocolMetrics, from, to)
	if err != nil {
		return err
	}

	points := decodePoints(snapshots)
	if len(points) == 0 {
		a.Logger.Info().Msg("no snapshots found for export window")
		return nil
	}

	downsampled := downsamplePoints(points, opts.MaxPoints)
	a.Logger.Info().Int("total", len(points)).Int("exported", len(downsampled)).Msg("exporting snapshots")

	if opts.CSVPath != "" {
		if err := writePointsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writePointsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func decodePoints(snapshots []storage.MetricSnapshot) []protocolPoint {
	points := make([]protocolPoint, 0, len(snapshots))
	for _, snapshot := range snapshots {
		point := protocolPoint{Bucket: snapshot.Bucket, Status: snapshot.Status}
		if snapshot.Error != nil {
			point.Error = *snapshot.Error
		}
		if len(snapshot.Value) > 0 {
			if err := json.Unmarshal(snapshot.Value, &point.Value); err != nil {
				continue
			}
		}
		points = append(points, point)
	}
	return points
}

func downsamplePoints(points []protocolPoint, max int) []protocolPoint {
	if max <= 0 || len(points) <= max {
		return points
	}

	result := make([]protocolPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writePointsCSV(path string, points []protocolPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"bucket_ts", "total_supply", "total_collateral", "trove_count", "fil_price", "stability_pool", "total_debt", "tcr", "status", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, point := range points {
		record := []string{
			point.Bucket.Format(time.RFC3339),
			point.Value.TotalSupply.String(),
			point.Value.TotalCollateral.String(),
			strconv.FormatInt(point.Value.TroveCount, 10),
			point.Value.FILPrice.String(),
			point.Value.StabilityPool.String(),
			point.Value.TotalDebt.String(),
			point.Value.TCR.String(),
			point.Status,
			point.Error,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writePointsPNG(path string, points []protocolPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	tcr := make([]float64, len(points))
	filPrice := make([]float64, len(points))
	supply := make([]float64, len(points))

	for i, point := range points {
		x[i] = point.Bucket
		tcr[i] = point.Value.TCR.InexactFloat64()
		filPrice[i] = point.Value.FILPrice.InexactFloat64()
		supply[i] = point.Value.TotalSupply.InexactFloat64()
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "TCR (%)",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "FIL Price (USD)",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "TCR %",
				XValues: x,
				YValues: tcr,
			},
			chart.TimeSeries{
				Name:    "Supply",
				XValues: x,
				YValues: supply,
			},
			chart.TimeSeries{
				Name:    "FIL Price",
				XValues: x,
				YValues: filPrice,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
