// Package geoindex answers "which verified reports sit near these
// coordinates". Candidate rows are prefiltered by geohash prefix, which
// over-selects at cell boundaries, so every candidate is re-checked against
// the exact great-circle distance before it is returned.
package geoindex

import (
	"context"
	"fmt"

	"github.com/golang/geo/s2"
	"github.com/mmcloughlin/geohash"

	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/models"
)

const earthRadiusMeters = 6371010.0

// candidateLimit caps how many rows one prefix query may return. Duplicate
// detection is a best-effort safety net; an unbounded scan of a dense area
// is worse than a miss.
const candidateLimit = 50

// Store is the slice of the report repository the index needs.
type Store interface {
	ReportsByGeohashPrefix(ctx context.Context, prefixes []string, statuses []models.ReportStatus, limit int) ([]models.CandidateReport, error)
}

// anchorStatuses are the statuses a report must be in to anchor a duplicate.
// Rejected, duplicate and still-pending reports are not valid anchors.
var anchorStatuses = []models.ReportStatus{models.StatusVerified, models.StatusInProgress}

// Candidate is a nearby report with its exact distance from the query point.
type Candidate struct {
	Report models.CandidateReport
	Meters float64
}

// Index provides proximity lookup over the report repository.
type Index struct {
	store Store
}

func New(store Store) *Index {
	return &Index{store: store}
}

// Nearby returns verified or in-progress reports within radiusMeters of the
// given point, nearest first by insertion order of the underlying query.
func (i *Index) Nearby(ctx context.Context, lat, lng, radiusMeters float64) ([]Candidate, error) {
	prefixes := coveringPrefixes(lat, lng, radiusMeters)

	rows, err := i.store.ReportsByGeohashPrefix(ctx, prefixes, anchorStatuses, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("geohash prefix query: %w", err)
	}

	origin := s2.LatLngFromDegrees(lat, lng)
	var out []Candidate
	for _, r := range rows {
		d := DistanceMeters(origin, s2.LatLngFromDegrees(r.Latitude, r.Longitude))
		if d <= radiusMeters {
			out = append(out, Candidate{Report: r, Meters: d})
		}
	}
	return out, nil
}

// DistanceMeters is the great-circle distance between two points.
func DistanceMeters(a, b s2.LatLng) float64 {
	return a.Distance(b).Radians() * earthRadiusMeters
}

// Meters between two lat/lng pairs in degrees.
func Meters(lat1, lng1, lat2, lng2 float64) float64 {
	return DistanceMeters(s2.LatLngFromDegrees(lat1, lng1), s2.LatLngFromDegrees(lat2, lng2))
}

// minCellMeters is the smaller cell dimension per geohash precision. A
// radius search is covered by a cell and its eight neighbors as long as the
// radius does not exceed this dimension.
var minCellMeters = []float64{
	4992600, // 1
	624100,  // 2
	156000,  // 3
	19500,   // 4
	4890,    // 5
	610,     // 6
	153,     // 7
	19.1,    // 8
}

// precisionForRadius picks the finest geohash precision whose cells still
// cover the radius together with their neighbors.
func precisionForRadius(radiusMeters float64) uint {
	precision := uint(1)
	for i, dim := range minCellMeters {
		if dim < radiusMeters {
			break
		}
		precision = uint(i + 1)
	}
	return precision
}

// coveringPrefixes returns the geohash cell of the point plus its eight
// neighbors at a precision wide enough for the radius.
func coveringPrefixes(lat, lng, radiusMeters float64) []string {
	precision := precisionForRadius(radiusMeters)
	center := geohash.EncodeWithPrecision(lat, lng, precision)
	prefixes := append([]string{center}, geohash.Neighbors(center)...)
	return prefixes
}

// Encode returns the storage geohash for a report location.
func Encode(lat, lng float64) string {
	return geohash.Encode(lat, lng)
}
