package wikidata

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb/encoding/wkt"

	"geopop/pkg/geo"
	"geopop/pkg/model"
	"geopop/pkg/names"
)

const (
	// MatchThreshold is the minimum similarity for accepting a remote
	// candidate. Stricter than the bulk threshold; the live candidate
	// sets are noisier.
	MatchThreshold = 92.0

	// maxQueryRadiusKm caps the proximity query radius. Larger radii
	// return unusably large candidate sets.
	maxQueryRadiusKm = 50.0

	progressEvery = 100
)

// Matcher resolves places against the live endpoint.
type Matcher struct {
	client   *Client
	radiusKm float64
}

// NewMatcher creates a Matcher with the configured match radius.
func NewMatcher(c *Client, radiusKm float64) *Matcher {
	return &Matcher{client: c, radiusKm: radiusKm}
}

// MatchPlaces resolves a list of places sequentially; concurrency would
// defeat the client's rate limiter. Per-place failures degrade to
// no-match. The returned error is non-nil only when the context ends the
// run early, in which case the matches found so far are still returned.
func (m *Matcher) MatchPlaces(ctx context.Context, places []model.Place) ([]model.Match, error) {
	var matches []model.Match

	for i, place := range places {
		if ctx.Err() != nil {
			return matches, ctx.Err()
		}

		population, ok, err := m.matchOne(ctx, place)
		if err != nil {
			if ctx.Err() != nil {
				return matches, ctx.Err()
			}
			slog.Warn("wikidata query failed", "place", place.Name, "country", place.CountryCode, "error", err)
			continue
		}
		if ok {
			matches = append(matches, model.Match{
				PlaceID:    place.ID,
				Population: population,
				Source:     model.SourceWikidata,
			})
		}

		if (i+1)%progressEvery == 0 {
			slog.Info("wikidata matching progress", "done", i+1, "total", len(places), "matched", len(matches))
		}
	}

	return matches, nil
}

func (m *Matcher) matchOne(ctx context.Context, place model.Place) (int64, bool, error) {
	bindings, err := m.client.QuerySPARQL(ctx, m.buildQuery(place))
	if err != nil {
		return 0, false, err
	}

	population, ok := m.selectBest(place, bindings)
	return population, ok, nil
}

// buildQuery returns a proximity query for entities around the place that
// belong to its country and expose both a population and a coordinate.
func (m *Matcher) buildQuery(place model.Place) string {
	radius := math.Min(m.radiusKm, maxQueryRadiusKm)

	return fmt.Sprintf(`
SELECT ?item ?itemLabel ?pop ?coord WHERE {
  SERVICE wikibase:around {
    ?item wdt:P625 ?coord .
    bd:serviceParam wikibase:center "Point(%g %g)"^^geo:wktLiteral .
    bd:serviceParam wikibase:radius "%g" .
  }
  ?item wdt:P17 ?country .
  ?country wdt:P297 %q .
  ?item wdt:P1082 ?pop .
  SERVICE wikibase:label { bd:serviceParam wikibase:language "en,fr". }
}
`, place.Location.Lon, place.Location.Lat, radius, place.CountryCode)
}

// selectBest picks the candidate with the highest name similarity within
// the radius, ties broken by distance, and accepts it only above the
// match threshold.
func (m *Matcher) selectBest(place model.Place, bindings []binding) (int64, bool) {
	query := names.Normalize(place.Name)

	var bestPop int64
	bestScore := 0.0
	bestDist := math.Inf(1)
	found := false

	for _, b := range bindings {
		population, err := parsePopulation(val(b, "pop"))
		if err != nil || population <= 0 {
			continue
		}

		loc, err := parsePoint(val(b, "coord"))
		if err != nil {
			continue
		}

		dist := geo.DistanceKm(place.Location, loc)
		if dist > m.radiusKm {
			continue
		}

		score := names.Ratio(query, names.Normalize(val(b, "itemLabel")))

		if score > bestScore || (score == bestScore && dist < bestDist) {
			bestScore = score
			bestDist = dist
			bestPop = population
			found = true
		}
	}

	if !found || bestScore < MatchThreshold {
		return 0, false
	}
	return bestPop, true
}

// parsePopulation parses a population literal. The endpoint returns
// decimal strings, occasionally in float form.
func parsePopulation(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty population")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

// parsePoint parses a WKT literal like "Point(27.45 -26.9)".
func parsePoint(s string) (geo.Point, error) {
	p, err := wkt.UnmarshalPoint(strings.ToUpper(s))
	if err != nil {
		return geo.Point{}, fmt.Errorf("invalid coordinate %q: %w", s, err)
	}
	return geo.Point{Lat: p.Lat(), Lon: p.Lon()}, nil
}
