package geonames

import (
	"math"

	"geopop/pkg/geo"
	"geopop/pkg/model"
	"geopop/pkg/names"
)

// FuzzyThreshold is the minimum similarity score for a fuzzy match
// against the dump.
const FuzzyThreshold = 94.0

// Match resolves a place against the dump. It returns the matched
// population and true, or 0 and false when nothing within the radius
// qualifies. Exact name matches are authoritative; fuzzy scoring only
// runs when no exact candidate is in range.
func (d *Dataset) Match(place model.Place) (int64, bool) {
	all, ok := d.byCountry[place.CountryCode]
	if !ok {
		return 0, false
	}

	candidates := d.neighborhood(place.CountryCode, place.Location)
	if len(candidates) == 0 {
		// Nothing nearby indexed; scan the whole country instead.
		candidates = all
	}

	query := names.Normalize(place.Name)

	// Phase 1: exact name, nearest wins.
	var exactPop int64
	exactDist := math.Inf(1)
	exactFound := false

	for _, entry := range candidates {
		if entry.Name != query && entry.ASCIIName != query {
			continue
		}
		dist := geo.DistanceKm(place.Location, entry.Loc)
		if dist <= d.radiusKm && dist < exactDist {
			exactDist = dist
			exactPop = entry.Population
			exactFound = true
		}
	}
	if exactFound {
		return exactPop, true
	}

	// Phase 2: fuzzy, higher score wins, ties broken by distance.
	var fuzzyPop int64
	fuzzyScore := 0.0
	fuzzyDist := math.Inf(1)
	fuzzyFound := false

	for _, entry := range candidates {
		score := math.Max(names.Ratio(query, entry.Name), names.Ratio(query, entry.ASCIIName))
		if score < FuzzyThreshold {
			continue
		}

		dist := geo.DistanceKm(place.Location, entry.Loc)
		if dist > d.radiusKm {
			continue
		}

		if score > fuzzyScore || (score == fuzzyScore && dist < fuzzyDist) {
			fuzzyScore = score
			fuzzyDist = dist
			fuzzyPop = entry.Population
			fuzzyFound = true
		}
	}

	return fuzzyPop, fuzzyFound
}

// neighborhood collects entries from the 3×3 grid cells around p.
func (d *Dataset) neighborhood(country string, p geo.Point) []*Entry {
	cells, ok := d.grid[country]
	if !ok {
		return nil
	}

	center := keyFor(p)
	var out []*Entry
	for dLat := -1; dLat <= 1; dLat++ {
		for dLon := -1; dLon <= 1; dLon++ {
			k := gridKey{lat: center.lat + dLat, lon: center.lon + dLon}
			out = append(out, cells[k]...)
		}
	}
	return out
}
