// Package store owns the target database: fetching the records to enrich
// and persisting match batches transactionally.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"geopop/pkg/model"
)

// Store is the Postgres-backed record store. The connection is owned
// here and not shared outside the package.
type Store struct {
	db *sql.DB
}

// Open connects to the target database.
func Open(ctx context.Context, url string) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// FetchPlaces returns records with a location, ordered by country then
// name so repeated runs process records deterministically. With
// onlyMissing, records that already carry a positive population are
// excluded.
func (s *Store) FetchPlaces(ctx context.Context, onlyMissing bool) ([]model.Place, error) {
	rows, err := s.db.QueryContext(ctx, fetchQuery(onlyMissing))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch places: %w", err)
	}
	defer rows.Close()

	var places []model.Place
	for rows.Next() {
		var p model.Place
		if err := rows.Scan(&p.ID, &p.Name, &p.CountryCode, &p.Location.Lat, &p.Location.Lon); err != nil {
			return nil, fmt.Errorf("failed to scan place: %w", err)
		}
		places = append(places, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read places: %w", err)
	}

	slog.Info("fetched places", "count", len(places), "only_missing", onlyMissing)
	return places, nil
}

func fetchQuery(onlyMissing bool) string {
	where := ""
	if onlyMissing {
		where = "AND (population IS NULL OR population <= 0)"
	}
	return fmt.Sprintf(`
		SELECT
			id,
			name,
			country_code,
			ST_Y(location::geometry) AS lat,
			ST_X(location::geometry) AS lon
		FROM public.cities
		WHERE location IS NOT NULL
		%s
		ORDER BY country_code, name
	`, where)
}

// ApplyMatches persists one batch of matches atomically: the pairs are
// staged into a temp table and applied with a single set-based update.
// Either the whole batch commits or none of it does. Ids that do not
// exist in the table are skipped by the join; the returned count is the
// number of rows actually updated.
func (s *Store) ApplyMatches(ctx context.Context, matches []model.Match) (int64, error) {
	if len(matches) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		CREATE TEMPORARY TABLE tmp_place_pop (
			id UUID PRIMARY KEY,
			population BIGINT
		) ON COMMIT DROP
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to create staging table: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("tmp_place_pop", "id", "population"))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare staging copy: %w", err)
	}
	for _, m := range matches {
		if _, err := stmt.ExecContext(ctx, m.PlaceID, m.Population); err != nil {
			stmt.Close()
			return 0, fmt.Errorf("failed to stage match %s: %w", m.PlaceID, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return 0, fmt.Errorf("failed to flush staging copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return 0, fmt.Errorf("failed to close staging copy: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE public.cities c
		SET population = t.population
		FROM tmp_place_pop t
		WHERE c.id = t.id
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to apply matches: %w", err)
	}
	updated, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count updated rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}

	return updated, nil
}
