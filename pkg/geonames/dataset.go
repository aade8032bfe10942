// Package geonames loads the GeoNames populated-places dump and matches
// target records against it in memory.
package geonames

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"

	"geopop/pkg/config"
	"geopop/pkg/geo"
	"geopop/pkg/names"
	"geopop/pkg/request"
)

const baseURL = "https://download.geonames.org/export/dump"

// A dump row needs at least this many tab-separated fields to be usable.
const minFields = 15

// Entry is one populated place from the dump. Both name forms are stored
// pre-normalized so matching never normalizes reference data twice.
type Entry struct {
	Name       string // normalized UTF-8 name
	ASCIIName  string // normalized ASCII name
	Loc        geo.Point
	Population int64
}

// gridKey addresses one cell of the per-country spatial index. Cells are
// 0.1° on a side (~11 km), so a 3×3 neighborhood covers the default
// match radius around any point.
type gridKey struct {
	lat int
	lon int
}

func keyFor(p geo.Point) gridKey {
	return gridKey{
		lat: int(math.Round(p.Lat * 10)),
		lon: int(math.Round(p.Lon * 10)),
	}
}

// Dataset holds the parsed dump, indexed per country. Read-only after
// Load; safe for concurrent readers.
type Dataset struct {
	dataset  string
	radiusKm float64

	byCountry map[string][]*Entry
	grid      map[string]map[gridKey][]*Entry
}

// New creates an empty Dataset for the configured dump.
func New(cfg *config.GeoNamesConfig, radiusKm float64) *Dataset {
	return &Dataset{
		dataset:   cfg.Dataset,
		radiusKm:  radiusKm,
		byCountry: make(map[string][]*Entry),
		grid:      make(map[string]map[gridKey][]*Entry),
	}
}

// Load downloads the dump archive and builds the in-memory index.
// Failure here is fatal for the run; there is nothing to match against.
func (d *Dataset) Load(ctx context.Context, client *request.Client) error {
	return d.loadFrom(ctx, client, fmt.Sprintf("%s/%s.zip", baseURL, d.dataset))
}

func (d *Dataset) loadFrom(ctx context.Context, client *request.Client, url string) error {
	slog.Info("downloading GeoNames dataset", "dataset", d.dataset, "url", url)

	body, err := client.Get(ctx, url, nil, "")
	if err != nil {
		return fmt.Errorf("failed to download dataset %s: %w", d.dataset, err)
	}
	slog.Info("downloaded GeoNames dataset", "bytes", len(body))

	if err := d.parseArchive(body); err != nil {
		return fmt.Errorf("failed to parse dataset %s: %w", d.dataset, err)
	}

	total := 0
	for _, entries := range d.byCountry {
		total += len(entries)
	}
	slog.Info("parsed GeoNames dataset", "entries", total, "countries", len(d.byCountry))
	return nil
}

// parseArchive extracts the single .txt member and indexes its rows.
func (d *Dataset) parseArchive(archive []byte) error {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return fmt.Errorf("invalid zip archive: %w", err)
	}

	var member *zip.File
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, ".txt") {
			member = f
			break
		}
	}
	if member == nil {
		return fmt.Errorf("no .txt member in archive")
	}

	rc, err := member.Open()
	if err != nil {
		return fmt.Errorf("failed to open archive member: %w", err)
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	// Rows carry a large alternate-names column.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		d.addRow(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read archive member: %w", err)
	}

	return nil
}

// addRow parses one dump row. Malformed rows are skipped; the dump is
// best-effort data and a bad line must not abort the load.
func (d *Dataset) addRow(line string) {
	parts := strings.Split(line, "\t")
	if len(parts) < minFields {
		return
	}

	// Only populated places carry a meaningful population.
	if parts[6] != "P" {
		return
	}

	population, err := strconv.ParseInt(parts[14], 10, 64)
	if err != nil || population <= 0 {
		return
	}

	lat, err := strconv.ParseFloat(parts[4], 64)
	if err != nil {
		return
	}
	lon, err := strconv.ParseFloat(parts[5], 64)
	if err != nil {
		return
	}

	country := parts[8]
	if country == "" {
		return
	}

	entry := &Entry{
		Name:       names.Normalize(parts[1]),
		ASCIIName:  names.Normalize(parts[2]),
		Loc:        geo.Point{Lat: lat, Lon: lon},
		Population: population,
	}

	d.byCountry[country] = append(d.byCountry[country], entry)

	cells, ok := d.grid[country]
	if !ok {
		cells = make(map[gridKey][]*Entry)
		d.grid[country] = cells
	}
	k := keyFor(entry.Loc)
	cells[k] = append(cells[k], entry)
}

// Countries returns the number of countries with at least one entry.
func (d *Dataset) Countries() int {
	return len(d.byCountry)
}

// Len returns the total number of indexed entries.
func (d *Dataset) Len() int {
	total := 0
	for _, entries := range d.byCountry {
		total += len(entries)
	}
	return total
}
