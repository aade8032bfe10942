package geonames

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"geopop/pkg/config"
	"geopop/pkg/geo"
	"geopop/pkg/model"
	"geopop/pkg/request"
)

// row builds a dump line in the 19-field GeoNames format.
func row(name, ascii string, lat, lon float64, fclass, country, pop string) string {
	fields := []string{
		"12345", name, ascii, "", // geonameid, name, asciiname, alternatenames
		fmt.Sprintf("%f", lat), fmt.Sprintf("%f", lon),
		fclass, "PPL", country, "", // fclass, fcode, country, cc2
		"", "", "", "", // admin1-4
		pop, "", "100", "Europe/Paris", "2024-01-01",
	}
	return strings.Join(fields, "\t")
}

func newTestDataset(t *testing.T, radiusKm float64, rows ...string) *Dataset {
	t.Helper()
	d := New(&config.GeoNamesConfig{Dataset: "cities15000"}, radiusKm)
	for _, r := range rows {
		d.addRow(r)
	}
	return d
}

func TestAddRowFiltering(t *testing.T) {
	tests := []struct {
		name string
		line string
		kept bool
	}{
		{"Populated place kept", row("Parys", "Parys", -26.9, 27.45, "P", "ZA", "15000"), true},
		{"Non populated place dropped", row("Vaal River", "Vaal River", -26.9, 27.45, "H", "ZA", "15000"), false},
		{"Zero population dropped", row("Ghost Town", "Ghost Town", -26.9, 27.45, "P", "ZA", "0"), false},
		{"Negative population dropped", row("Odd Town", "Odd Town", -26.9, 27.45, "P", "ZA", "-5"), false},
		{"Unparsable population dropped", row("Bad Town", "Bad Town", -26.9, 27.45, "P", "ZA", "abc"), false},
		{"Short row dropped", "only\tthree\tfields", false},
		{"Empty country dropped", row("Nowhere", "Nowhere", 0, 0, "P", "", "100"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDataset(t, 30, tt.line)
			if got := d.Len() == 1; got != tt.kept {
				t.Errorf("kept = %v, want %v", got, tt.kept)
			}
		})
	}
}

func TestAddRowUnparsableCoordinates(t *testing.T) {
	line := strings.Join([]string{
		"1", "X", "X", "", "not-a-lat", "27.45", "P", "PPL", "ZA", "",
		"", "", "", "", "100", "", "", "", "",
	}, "\t")

	d := newTestDataset(t, 30, line)
	if d.Len() != 0 {
		t.Error("row with unparsable latitude should be dropped")
	}
}

func TestMatchExact(t *testing.T) {
	d := newTestDataset(t, 30,
		row("Parys", "Parys", -26.8999, 27.4500, "P", "ZA", "15000"),
	)

	pop, ok := d.Match(model.Place{
		Name:        "Parys",
		CountryCode: "ZA",
		Location:    geo.Point{Lat: -26.90, Lon: 27.45},
	})
	if !ok {
		t.Fatal("expected exact match")
	}
	if pop != 15000 {
		t.Errorf("population = %d, want 15000", pop)
	}
}

func TestMatchExactViaASCIIName(t *testing.T) {
	d := newTestDataset(t, 30,
		row("Besançon", "Besancon", 47.238, 6.024, "P", "FR", "116000"),
	)

	pop, ok := d.Match(model.Place{
		Name:        "Besancon",
		CountryCode: "FR",
		Location:    geo.Point{Lat: 47.24, Lon: 6.02},
	})
	if !ok || pop != 116000 {
		t.Errorf("Match() = %d, %v; want 116000, true", pop, ok)
	}
}

func TestMatchFuzzy(t *testing.T) {
	d := newTestDataset(t, 30,
		row("Marseille", "Marseille", 43.2965, 5.3698, "P", "FR", "870000"),
	)

	// "Marseilles" vs "marseille" scores 100*(1-1/19) ≈ 94.7, above the
	// 94 threshold, at ~0.4 km.
	pop, ok := d.Match(model.Place{
		Name:        "Marseilles",
		CountryCode: "FR",
		Location:    geo.Point{Lat: 43.30, Lon: 5.37},
	})
	if !ok {
		t.Fatal("expected fuzzy match")
	}
	if pop != 870000 {
		t.Errorf("population = %d, want 870000", pop)
	}
}

func TestMatchRejectsOutsideRadius(t *testing.T) {
	// Same name, ~60 km north; default radius 30 km.
	d := newTestDataset(t, 30,
		row("Parys", "Parys", -26.36, 27.45, "P", "ZA", "15000"),
	)

	if _, ok := d.Match(model.Place{
		Name:        "Parys",
		CountryCode: "ZA",
		Location:    geo.Point{Lat: -26.90, Lon: 27.45},
	}); ok {
		t.Error("entry 60 km away must not match with a 30 km radius")
	}
}

func TestMatchExactBeatsFuzzy(t *testing.T) {
	d := newTestDataset(t, 30,
		// Exact name, further away but in radius.
		row("Johannesburg", "Johannesburg", -26.29, 28.05, "P", "ZA", "957000"),
		// Scores ~96 fuzzy, much closer, larger population.
		row("Johannesburgh", "Johannesburgh", -26.2001, 28.0501, "P", "ZA", "9999999"),
	)

	pop, ok := d.Match(model.Place{
		Name:        "Johannesburg",
		CountryCode: "ZA",
		Location:    geo.Point{Lat: -26.20, Lon: 28.05},
	})
	if !ok {
		t.Fatal("expected a match")
	}
	if pop != 957000 {
		t.Errorf("population = %d, want 957000 (exact match must win over fuzzy)", pop)
	}
}

func TestMatchExactPrefersNearest(t *testing.T) {
	d := newTestDataset(t, 30,
		row("Springfield", "Springfield", 40.10, -89.60, "P", "US", "5000"),
		row("Springfield", "Springfield", 40.00, -89.65, "P", "US", "115000"),
	)

	pop, ok := d.Match(model.Place{
		Name:        "Springfield",
		CountryCode: "US",
		Location:    geo.Point{Lat: 40.001, Lon: -89.649},
	})
	if !ok || pop != 115000 {
		t.Errorf("Match() = %d, %v; want nearest exact candidate 115000", pop, ok)
	}
}

func TestMatchFuzzyTieBreaksByDistance(t *testing.T) {
	d := newTestDataset(t, 30,
		row("Marseille", "Marseille", 43.40, 5.37, "P", "FR", "1111"),
		row("Marseille", "Marseille", 43.2965, 5.3698, "P", "FR", "870000"),
	)

	pop, ok := d.Match(model.Place{
		Name:        "Marseilles",
		CountryCode: "FR",
		Location:    geo.Point{Lat: 43.30, Lon: 5.37},
	})
	if !ok || pop != 870000 {
		t.Errorf("Match() = %d, %v; want closer candidate 870000", pop, ok)
	}
}

func TestMatchUnknownCountry(t *testing.T) {
	d := newTestDataset(t, 30,
		row("Parys", "Parys", -26.9, 27.45, "P", "ZA", "15000"),
	)

	if _, ok := d.Match(model.Place{
		Name:        "Parys",
		CountryCode: "XX",
		Location:    geo.Point{Lat: -26.90, Lon: 27.45},
	}); ok {
		t.Error("country absent from the dataset must never match")
	}
}

func TestMatchFallsBackToCountryScan(t *testing.T) {
	// Entry and target share a name but sit in different grid
	// neighborhoods; with an enlarged radius the country-wide fallback
	// scan must still find it.
	d := newTestDataset(t, 100,
		row("Parys", "Parys", -26.36, 27.45, "P", "ZA", "15000"),
	)

	pop, ok := d.Match(model.Place{
		Name:        "Parys",
		CountryCode: "ZA",
		Location:    geo.Point{Lat: -26.90, Lon: 27.45},
	})
	if !ok || pop != 15000 {
		t.Errorf("Match() = %d, %v; want fallback scan to find 15000", pop, ok)
	}
}

func TestLoadFromArchive(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("cities15000.txt")
	if err != nil {
		t.Fatal(err)
	}
	lines := []string{
		row("Parys", "Parys", -26.9, 27.45, "P", "ZA", "15000"),
		row("Marseille", "Marseille", 43.2965, 5.3698, "P", "FR", "870000"),
		row("Vaal River", "Vaal River", -26.9, 27.45, "H", "ZA", "15000"),
	}
	if _, err := w.Write([]byte(strings.Join(lines, "\n"))); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/cities15000.zip") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write(buf.Bytes())
	}))
	defer server.Close()

	d := New(&config.GeoNamesConfig{Dataset: "cities15000"}, 30)
	client := request.New(&config.RequestConfig{
		Retries: 1,
		Timeout: config.Duration(5 * time.Second),
	}, nil, 0, "test-agent")

	if err := d.loadFrom(context.Background(), client, server.URL+"/cities15000.zip"); err != nil {
		t.Fatalf("load error = %v", err)
	}

	if d.Len() != 2 {
		t.Errorf("Len() = %d, want 2", d.Len())
	}
	if d.Countries() != 2 {
		t.Errorf("Countries() = %d, want 2", d.Countries())
	}
}

func TestLoadBadArchiveFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not a zip file"))
	}))
	defer server.Close()

	d := New(&config.GeoNamesConfig{Dataset: "cities15000"}, 30)
	client := request.New(&config.RequestConfig{
		Retries: 1,
		Timeout: config.Duration(5 * time.Second),
	}, nil, 0, "test-agent")

	if err := d.loadFrom(context.Background(), client, server.URL+"/cities15000.zip"); err == nil {
		t.Error("load must fail on a corrupt archive")
	}
}
