package store

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"

	"geopop/pkg/model"
)

func TestFetchQuery(t *testing.T) {
	full := fetchQuery(false)
	if strings.Contains(full, "population IS NULL") {
		t.Error("full fetch must not filter on population")
	}
	for _, want := range []string{"location IS NOT NULL", "ORDER BY country_code, name", "ST_Y", "ST_X"} {
		if !strings.Contains(full, want) {
			t.Errorf("fetch query missing %q", want)
		}
	}

	missing := fetchQuery(true)
	if !strings.Contains(missing, "population IS NULL OR population <= 0") {
		t.Error("only-missing fetch must filter on population")
	}
}

// openTestStore connects to the database named by GEOPOP_TEST_DB_URL and
// provisions a fresh cities table. Tests are skipped when the variable is
// unset so the suite stays runnable without a server.
func openTestStore(t *testing.T) *Store {
	t.Helper()

	url := os.Getenv("GEOPOP_TEST_DB_URL")
	if url == "" {
		t.Skip("GEOPOP_TEST_DB_URL not set, skipping database tests")
	}

	ctx := context.Background()
	s, err := Open(ctx, url)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if _, err := s.db.ExecContext(ctx, `
		DROP TABLE IF EXISTS public.cities;
		CREATE TABLE public.cities (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			country_code TEXT NOT NULL,
			location GEOGRAPHY(POINT, 4326),
			population BIGINT
		)
	`); err != nil {
		t.Fatalf("failed to provision cities table: %v", err)
	}
	t.Cleanup(func() {
		s.db.ExecContext(ctx, "DROP TABLE IF EXISTS public.cities")
	})

	return s
}

func (s *Store) insertCity(t *testing.T, id, name, cc string, lat, lon float64, population *int64) {
	t.Helper()
	_, err := s.db.ExecContext(context.Background(), `
		INSERT INTO public.cities (id, name, country_code, location, population)
		VALUES ($1, $2, $3, ST_SetSRID(ST_MakePoint($4, $5), 4326)::geography, $6)
	`, id, name, cc, lon, lat, population)
	if err != nil {
		t.Fatalf("failed to insert city: %v", err)
	}
}

func (s *Store) population(t *testing.T, id string) *int64 {
	t.Helper()
	var pop *int64
	if err := s.db.QueryRowContext(context.Background(),
		"SELECT population FROM public.cities WHERE id = $1", id).Scan(&pop); err != nil {
		t.Fatalf("failed to read population: %v", err)
	}
	return pop
}

func TestFetchPlacesOnlyMissing(t *testing.T) {
	s := openTestStore(t)

	pop := int64(870000)
	idMissing := uuid.NewString()
	idSet := uuid.NewString()
	s.insertCity(t, idMissing, "Parys", "ZA", -26.90, 27.45, nil)
	s.insertCity(t, idSet, "Marseille", "FR", 43.2965, 5.3698, &pop)

	places, err := s.FetchPlaces(context.Background(), true)
	if err != nil {
		t.Fatalf("FetchPlaces() error = %v", err)
	}
	if len(places) != 1 {
		t.Fatalf("places = %d, want 1", len(places))
	}
	if places[0].ID != idMissing {
		t.Errorf("fetched id = %s, want %s", places[0].ID, idMissing)
	}
	if places[0].CountryCode != "ZA" {
		t.Errorf("country = %q, want ZA", places[0].CountryCode)
	}

	all, err := s.FetchPlaces(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("all places = %d, want 2", len(all))
	}
	// Stable ordering: FR before ZA.
	if all[0].CountryCode != "FR" || all[1].CountryCode != "ZA" {
		t.Errorf("ordering = %s, %s; want FR, ZA", all[0].CountryCode, all[1].CountryCode)
	}
}

func TestApplyMatchesUpdatesRows(t *testing.T) {
	s := openTestStore(t)

	id := uuid.NewString()
	s.insertCity(t, id, "Parys", "ZA", -26.90, 27.45, nil)

	updated, err := s.ApplyMatches(context.Background(), []model.Match{
		{PlaceID: id, Population: 15000, Source: model.SourceGeoNames},
	})
	if err != nil {
		t.Fatalf("ApplyMatches() error = %v", err)
	}
	if updated != 1 {
		t.Errorf("updated = %d, want 1", updated)
	}

	if pop := s.population(t, id); pop == nil || *pop != 15000 {
		t.Errorf("population = %v, want 15000", pop)
	}
}

func TestApplyMatchesSkipsUnknownIds(t *testing.T) {
	s := openTestStore(t)

	id1 := uuid.NewString()
	id3 := uuid.NewString()
	s.insertCity(t, id1, "Parys", "ZA", -26.90, 27.45, nil)
	s.insertCity(t, id3, "Marseille", "FR", 43.2965, 5.3698, nil)

	// The middle id does not exist; the join must skip it and still
	// update the other two rows.
	updated, err := s.ApplyMatches(context.Background(), []model.Match{
		{PlaceID: id1, Population: 15000, Source: model.SourceGeoNames},
		{PlaceID: uuid.NewString(), Population: 42, Source: model.SourceGeoNames},
		{PlaceID: id3, Population: 870000, Source: model.SourceWikidata},
	})
	if err != nil {
		t.Fatalf("ApplyMatches() error = %v", err)
	}
	if updated != 2 {
		t.Errorf("updated = %d, want 2", updated)
	}

	if pop := s.population(t, id1); pop == nil || *pop != 15000 {
		t.Errorf("row 1 population = %v, want 15000", pop)
	}
	if pop := s.population(t, id3); pop == nil || *pop != 870000 {
		t.Errorf("row 3 population = %v, want 870000", pop)
	}
}

func TestApplyMatchesAllOrNothing(t *testing.T) {
	s := openTestStore(t)

	id := uuid.NewString()
	s.insertCity(t, id, "Parys", "ZA", -26.90, 27.45, nil)

	// A non-UUID id makes the staging copy fail mid-batch; the valid
	// row staged before it must not be applied.
	_, err := s.ApplyMatches(context.Background(), []model.Match{
		{PlaceID: id, Population: 15000, Source: model.SourceGeoNames},
		{PlaceID: "not-a-uuid", Population: 42, Source: model.SourceGeoNames},
	})
	if err == nil {
		t.Fatal("ApplyMatches() should fail on an unstageable row")
	}

	if pop := s.population(t, id); pop != nil {
		t.Errorf("population = %v, want NULL (batch must roll back entirely)", *pop)
	}
}

func TestApplyMatchesEmptyBatch(t *testing.T) {
	s := openTestStore(t)

	updated, err := s.ApplyMatches(context.Background(), nil)
	if err != nil {
		t.Fatalf("ApplyMatches(nil) error = %v", err)
	}
	if updated != 0 {
		t.Errorf("updated = %d, want 0", updated)
	}
}
