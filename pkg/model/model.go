package model

import "geopop/pkg/geo"

// Match sources.
const (
	SourceGeoNames = "geonames"
	SourceWikidata = "wikidata"
)

// Place represents a target record pulled from the database for enrichment.
// Immutable once fetched.
type Place struct {
	ID          string // opaque identifier (UUID in the target schema)
	Name        string
	CountryCode string // ISO 3166-1 alpha-2
	Location    geo.Point
}

// Match is a resolved population value for one place. Created by either
// matcher, consumed exactly once by the store.
type Match struct {
	PlaceID    string
	Population int64
	Source     string // SourceGeoNames or SourceWikidata
}
