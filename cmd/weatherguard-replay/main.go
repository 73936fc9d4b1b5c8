// weatherguard-replay drives the scoring engine over recorded readings.
// Stations and readings are loaded from CSV, inserted tick by tick in
// timestamp order, and every resulting alert is printed. Useful for
// threshold tuning and for reproducing incidents offline.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/weatherguard/weatherguard/internal/engine"
	"github.com/weatherguard/weatherguard/internal/log"
	"github.com/weatherguard/weatherguard/internal/model"
	"github.com/weatherguard/weatherguard/internal/neighbors"
	"github.com/weatherguard/weatherguard/internal/observability"
	"github.com/weatherguard/weatherguard/internal/rules"
	"github.com/weatherguard/weatherguard/internal/stations"
	"github.com/weatherguard/weatherguard/internal/storage"
	"github.com/weatherguard/weatherguard/internal/storage/memory"
	"github.com/weatherguard/weatherguard/internal/storage/sqlite"
	"github.com/weatherguard/weatherguard/internal/types"
	"github.com/weatherguard/weatherguard/pkg/config"
)

func main() {
	cfgFile := flag.String("config", "", "Optional YAML configuration file; defaults apply when omitted")
	stationsCSV := flag.String("stations", "stations.csv", "Stations CSV: station_id,name,lat,lon")
	readingsCSV := flag.String("readings", "readings.csv", "Readings CSV: ts,station_id,metric,value (RFC3339 timestamps)")
	dbPath := flag.String("db", "", "Persist to this SQLite file instead of replaying in memory")
	debug := flag.Bool("debug", false, "Turn on debugging output")
	flag.Parse()

	if err := log.Init(*debug); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(*cfgFile, *stationsCSV, *readingsCSV, *dbPath); err != nil {
		log.Errorf("replay failed: %v", err)
		os.Exit(1)
	}
}

func run(cfgFile, stationsCSV, readingsCSV, dbPath string) error {
	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	var store storage.Store
	if dbPath != "" {
		s, err := sqlite.New(dbPath)
		if err != nil {
			return err
		}
		store = s
	} else {
		store = memory.New()
	}
	defer store.Close()

	stationList, err := loadStations(stationsCSV)
	if err != nil {
		return fmt.Errorf("loading stations: %w", err)
	}
	readings, err := loadReadings(readingsCSV)
	if err != nil {
		return fmt.Errorf("loading readings: %w", err)
	}

	ctx := context.Background()
	if err := store.UpsertStations(ctx, stationList); err != nil {
		return err
	}

	index := stations.NewIndex()
	compare := neighbors.NewComparer(index, store, neighbors.Config{
		K:              cfg.Neighbors.K,
		MinCount:       cfg.Neighbors.MinCount,
		Tolerance:      cfg.Neighbors.Tolerance.Std(),
		WeightExponent: cfg.Neighbors.WeightExponent,
		MinDistanceKM:  cfg.Neighbors.MinDistanceKM,
	})
	pool, err := model.NewPool(model.Config{
		Type:         cfg.Model.Type,
		MinSamples:   cfg.Model.MinSamples,
		RetrainEvery: cfg.Model.RetrainEvery,
		Trees:        cfg.Model.Trees,
		SampleSize:   cfg.Model.SampleSize,
		BufferSize:   cfg.Model.BufferSize,
		Seed:         cfg.Model.Seed,
	})
	if err != nil {
		return fmt.Errorf("building model pool: %w", err)
	}
	eng := engine.New(cfg, store, index, compare, pool, rules.NewEngine(cfg.Rules),
		observability.NewMetricsForTesting(), clockwork.NewRealClock())

	// Readings are inserted tick by tick so history and neighbor lookups
	// only ever see data that had arrived by that tick, as in live
	// operation.
	ticks := groupByTimestamp(readings)
	log.Infof("replaying %d readings across %d ticks for %d stations",
		len(readings), len(ticks), len(stationList))

	start := time.Now()
	for _, tick := range ticks {
		if err := store.WriteReadings(ctx, tick.readings); err != nil {
			return fmt.Errorf("inserting tick %s: %w", tick.ts.Format(time.RFC3339), err)
		}
		if err := eng.ProcessTick(ctx, tick.ts); err != nil {
			return fmt.Errorf("tick %s: %w", tick.ts.Format(time.RFC3339), err)
		}
	}
	log.Infof("replay finished in %s", time.Since(start).Round(time.Millisecond))

	return printAlerts(ctx, store)
}

type tick struct {
	ts       time.Time
	readings []types.Reading
}

func groupByTimestamp(readings []types.Reading) []tick {
	byTS := make(map[time.Time][]types.Reading)
	for _, r := range readings {
		byTS[r.Timestamp] = append(byTS[r.Timestamp], r)
	}
	out := make([]tick, 0, len(byTS))
	for ts, rs := range byTS {
		out = append(out, tick{ts: ts, readings: rs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ts.Before(out[j].ts) })
	return out
}

func printAlerts(ctx context.Context, store storage.Store) error {
	alerts, err := store.LatestAlerts(ctx, "", time.Time{}, 0)
	if err != nil {
		return err
	}
	// Newest first from the store; print in firing order.
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].ID < alerts[j].ID })

	if len(alerts) == 0 {
		fmt.Println("no alerts fired")
		return nil
	}
	fmt.Printf("%d alerts fired:\n", len(alerts))
	for _, a := range alerts {
		fmt.Printf("  #%d %s %s/%s %s severity=%.2f: %s\n",
			a.ID, a.Timestamp.Format(time.RFC3339), a.StationID, a.Metric, a.Type, a.Severity, a.Reason)
	}
	return nil
}

func loadStations(path string) ([]types.Station, error) {
	rows, err := readCSV(path, 4)
	if err != nil {
		return nil, err
	}
	out := make([]types.Station, 0, len(rows))
	for _, row := range rows {
		lat, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			return nil, fmt.Errorf("station %s: bad latitude %q", row[0], row[2])
		}
		lon, err := strconv.ParseFloat(row[3], 64)
		if err != nil {
			return nil, fmt.Errorf("station %s: bad longitude %q", row[0], row[3])
		}
		out = append(out, types.Station{
			StationID: row[0],
			Name:      row[1],
			Latitude:  lat,
			Longitude: lon,
		})
	}
	return out, nil
}

func loadReadings(path string) ([]types.Reading, error) {
	rows, err := readCSV(path, 4)
	if err != nil {
		return nil, err
	}
	out := make([]types.Reading, 0, len(rows))
	for i, row := range rows {
		ts, err := time.Parse(time.RFC3339, row[0])
		if err != nil {
			return nil, fmt.Errorf("row %d: bad timestamp %q", i+1, row[0])
		}
		metric, err := types.ParseMetric(row[2])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		value, err := strconv.ParseFloat(row[3], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: bad value %q", i+1, row[3])
		}
		out = append(out, types.Reading{
			Timestamp: ts.UTC(),
			StationID: row[1],
			Metric:    metric,
			Value:     value,
		})
	}
	return out, nil
}

// readCSV reads all rows, skipping a header row when the first field is
// not parseable as data.
func readCSV(path string, fields int) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = fields

	var rows [][]string
	first := true
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if first {
			first = false
			if row[0] == "ts" || row[0] == "station_id" {
				continue
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
