package geoindex

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/models"
)

type fakeStore struct {
	rows     []models.CandidateReport
	prefixes []string
	statuses []models.ReportStatus
}

func (f *fakeStore) ReportsByGeohashPrefix(_ context.Context, prefixes []string, statuses []models.ReportStatus, _ int) ([]models.CandidateReport, error) {
	f.prefixes = prefixes
	f.statuses = statuses
	return f.rows, nil
}

func TestNearbyFiltersToExactRadius(t *testing.T) {
	// The prefix query over-selects: one row is ~15m away, the other ~1.5km.
	store := &fakeStore{rows: []models.CandidateReport{
		{ID: "near", Latitude: 19.0761, Longitude: 72.8771, CreatedAt: time.Now()},
		{ID: "far", Latitude: 19.089, Longitude: 72.877, CreatedAt: time.Now()},
	}}
	idx := New(store)

	got, err := idx.Nearby(context.Background(), 19.076, 72.877, 500)
	if err != nil {
		t.Fatalf("Nearby failed: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("Nearby returned %d candidates, want 1", len(got))
	}
	if got[0].Report.ID != "near" {
		t.Errorf("Nearby kept %q, want %q", got[0].Report.ID, "near")
	}
	if got[0].Meters <= 0 || got[0].Meters > 30 {
		t.Errorf("distance for near candidate = %.1fm, want within (0, 30]", got[0].Meters)
	}
}

func TestNearbyQueriesCellAndNeighbors(t *testing.T) {
	store := &fakeStore{}
	idx := New(store)

	if _, err := idx.Nearby(context.Background(), 19.076, 72.877, 500); err != nil {
		t.Fatalf("Nearby failed: %v", err)
	}

	if len(store.prefixes) != 9 {
		t.Fatalf("queried %d prefixes, want 9 (cell + 8 neighbors)", len(store.prefixes))
	}
	for _, p := range store.prefixes {
		if len(p) != 6 {
			t.Errorf("prefix %q has precision %d, want 6 for a 500m radius", p, len(p))
		}
	}
	if !strings.HasPrefix(Encode(19.076, 72.877), store.prefixes[0]) {
		t.Errorf("center prefix %q does not cover the query point", store.prefixes[0])
	}

	wantStatuses := map[models.ReportStatus]bool{
		models.StatusVerified:   true,
		models.StatusInProgress: true,
	}
	if len(store.statuses) != len(wantStatuses) {
		t.Fatalf("queried statuses %v, want verified and in_progress only", store.statuses)
	}
	for _, s := range store.statuses {
		if !wantStatuses[s] {
			t.Errorf("status %q is not a valid duplicate anchor", s)
		}
	}
}

func TestPrecisionForRadius(t *testing.T) {
	cases := []struct {
		radius float64
		want   uint
	}{
		{50, 7},
		{500, 6},
		{610, 6},
		{5000, 4},
		{10000000, 1},
	}
	for _, tc := range cases {
		if got := precisionForRadius(tc.radius); got != tc.want {
			t.Errorf("precisionForRadius(%.0f) = %d, want %d", tc.radius, got, tc.want)
		}
	}
}

func TestMeters(t *testing.T) {
	// Roughly 111km per degree of latitude.
	d := Meters(19.0, 72.877, 20.0, 72.877)
	if d < 110000 || d > 112500 {
		t.Errorf("one degree of latitude = %.0fm, want ~111km", d)
	}
}
