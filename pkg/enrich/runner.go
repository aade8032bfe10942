// Package enrich drives the population enrichment pipeline: fetch the
// records to enrich, match them against the bulk gazetteer, persist, then
// send the leftovers through the remote matcher and persist again.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"geopop/pkg/config"
	"geopop/pkg/model"
)

const bulkProgressEvery = 10000

// RecordStore is the slice of the database layer the pipeline needs.
type RecordStore interface {
	FetchPlaces(ctx context.Context, onlyMissing bool) ([]model.Place, error)
	ApplyMatches(ctx context.Context, matches []model.Match) (int64, error)
}

// BulkMatcher matches one place against an in-memory dataset.
type BulkMatcher interface {
	Match(place model.Place) (population int64, ok bool)
}

// RemoteMatcher matches places against a live endpoint.
type RemoteMatcher interface {
	MatchPlaces(ctx context.Context, places []model.Place) ([]model.Match, error)
}

// Runner executes one enrichment run.
type Runner struct {
	store   RecordStore
	bulk    BulkMatcher
	remote  RemoteMatcher
	cfg     *config.MatchConfig
	workers int
}

// NewRunner wires the pipeline. remote may be nil to run the bulk phase
// only.
func NewRunner(store RecordStore, bulk BulkMatcher, remote RemoteMatcher, cfg *config.MatchConfig) *Runner {
	return &Runner{
		store:   store,
		bulk:    bulk,
		remote:  remote,
		cfg:     cfg,
		workers: runtime.GOMAXPROCS(0),
	}
}

// Run executes the pipeline and returns the run counters. Fetch and
// persistence failures abort the run; per-record match failures are
// counted and the record stays eligible for the remote phase.
func (r *Runner) Run(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	places, err := r.store.FetchPlaces(ctx, r.cfg.OnlyMissing)
	if err != nil {
		return stats, fmt.Errorf("failed to fetch places: %w", err)
	}
	stats.Total = len(places)
	if len(places) == 0 {
		slog.Info("no places to enrich")
		return stats, nil
	}

	bulkMatches, unmatched, err := r.bulkMatch(ctx, places, stats)
	if err != nil {
		return stats, err
	}
	stats.BulkMatches = len(bulkMatches)
	slog.Info("bulk matching done", "matched", len(bulkMatches), "unmatched", len(unmatched))

	if err := r.persist(ctx, bulkMatches); err != nil {
		return stats, fmt.Errorf("failed to persist bulk matches: %w", err)
	}

	if len(unmatched) > 0 && r.remote != nil {
		slog.Info("starting remote matching", "places", len(unmatched))
		remoteMatches, err := r.remote.MatchPlaces(ctx, unmatched)
		if err != nil {
			return stats, fmt.Errorf("remote matching aborted: %w", err)
		}
		stats.RemoteMatches = len(remoteMatches)

		if err := r.persist(ctx, remoteMatches); err != nil {
			return stats, fmt.Errorf("failed to persist remote matches: %w", err)
		}
	}

	stats.Unmatched = stats.Total - stats.BulkMatches - stats.RemoteMatches
	stats.LogSummary()
	return stats, nil
}

type outcome struct {
	population int64
	ok         bool
	err        error
}

// bulkMatch matches all places against the bulk dataset, sharded across
// workers. The dataset is read-only after load, so workers share it
// without locking; each worker writes a disjoint range of results, so
// input order is preserved.
func (r *Runner) bulkMatch(ctx context.Context, places []model.Place, stats *Stats) ([]model.Match, []model.Place, error) {
	results := make([]outcome, len(places))
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	chunk := (len(places) + r.workers - 1) / r.workers
	for start := 0; start < len(places); start += chunk {
		start := start
		end := min(start+chunk, len(places))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				results[i] = matchOne(r.bulk, places[i])
				if n := done.Add(1); n%bulkProgressEvery == 0 {
					slog.Info("bulk matching progress", "done", n, "total", len(places))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var matches []model.Match
	var unmatched []model.Place
	for i, res := range results {
		switch {
		case res.err != nil:
			slog.Warn("bulk match failed", "place", places[i].Name, "country", places[i].CountryCode, "error", res.err)
			stats.Errors++
			unmatched = append(unmatched, places[i])
		case res.ok:
			matches = append(matches, model.Match{
				PlaceID:    places[i].ID,
				Population: res.population,
				Source:     model.SourceGeoNames,
			})
		default:
			unmatched = append(unmatched, places[i])
		}
	}
	return matches, unmatched, nil
}

// matchOne shields the run from a panicking matcher. A record that fails
// here is counted as an error but still goes to the remote phase.
func matchOne(m BulkMatcher, place model.Place) (res outcome) {
	defer func() {
		if r := recover(); r != nil {
			res = outcome{err: fmt.Errorf("bulk matcher panic: %v", r)}
		}
	}()
	res.population, res.ok = m.Match(place)
	return res
}

// persist applies matches in batches. Each batch commits atomically;
// cancellation between batches leaves the committed batches in place.
func (r *Runner) persist(ctx context.Context, matches []model.Match) error {
	for start := 0; start < len(matches); start += r.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+r.cfg.BatchSize, len(matches))
		batch := matches[start:end]

		updated, err := r.store.ApplyMatches(ctx, batch)
		if err != nil {
			return err
		}
		if updated != int64(len(batch)) {
			slog.Warn("batch referenced rows that no longer exist", "batch", len(batch), "updated", updated)
		}
		slog.Debug("persisted batch", "size", len(batch), "updated", updated)
	}
	return nil
}
