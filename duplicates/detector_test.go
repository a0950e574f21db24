package duplicates

import (
	"context"
	"testing"
	"time"

	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/geoindex"
	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/models"
)

type fakeStore struct {
	rows []models.CandidateReport
}

func (f *fakeStore) ReportsByGeohashPrefix(context.Context, []string, []models.ReportStatus, int) ([]models.CandidateReport, error) {
	return f.rows, nil
}

func newDetector(rows []models.CandidateReport) *Detector {
	return New(geoindex.New(&fakeStore{rows: rows}), 500, 10)
}

// flip returns h with n low bits flipped, i.e. at Hamming distance n.
func flip(h uint64, n int) uint64 {
	return h ^ (1<<n - 1)
}

const baseHash = uint64(0xa5a5a5a5deadbeef)

func TestFindDuplicateWithinThreshold(t *testing.T) {
	created := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	det := newDetector([]models.CandidateReport{
		{
			ID: "anchor", Latitude: 19.0761, Longitude: 72.8771,
			CreatedAt: created, Hashes: []uint64{flip(baseHash, 4)},
		},
	})

	got, err := det.FindDuplicate(context.Background(), []uint64{baseHash}, 19.076, 72.877)
	if err != nil {
		t.Fatalf("FindDuplicate failed: %v", err)
	}
	if got == nil {
		t.Fatal("FindDuplicate returned nil, want a match")
	}
	if got.ReportID != "anchor" {
		t.Errorf("matched %q, want %q", got.ReportID, "anchor")
	}
	if got.HashDistance != 4 {
		t.Errorf("hash distance = %d, want 4", got.HashDistance)
	}
}

func TestFindDuplicateRejections(t *testing.T) {
	created := time.Now()
	cases := []struct {
		name string
		rows []models.CandidateReport
	}{
		{
			name: "hash distance above threshold",
			rows: []models.CandidateReport{{
				ID: "a", Latitude: 19.0761, Longitude: 72.8771,
				CreatedAt: created, Hashes: []uint64{flip(baseHash, 11)},
			}},
		},
		{
			name: "outside radius",
			rows: []models.CandidateReport{{
				ID: "a", Latitude: 19.09, Longitude: 72.877,
				CreatedAt: created, Hashes: []uint64{baseHash},
			}},
		},
		{
			name: "candidate without hashes",
			rows: []models.CandidateReport{{
				ID: "a", Latitude: 19.0761, Longitude: 72.8771,
				CreatedAt: created,
			}},
		},
		{
			name: "no candidates",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			det := newDetector(tc.rows)
			got, err := det.FindDuplicate(context.Background(), []uint64{baseHash}, 19.076, 72.877)
			if err != nil {
				t.Fatalf("FindDuplicate failed: %v", err)
			}
			if got != nil {
				t.Errorf("FindDuplicate matched %q, want no match", got.ReportID)
			}
		})
	}
}

func TestFindDuplicateNoHashes(t *testing.T) {
	det := newDetector([]models.CandidateReport{{
		ID: "a", Latitude: 19.0761, Longitude: 72.8771,
		CreatedAt: time.Now(), Hashes: []uint64{baseHash},
	}})

	got, err := det.FindDuplicate(context.Background(), nil, 19.076, 72.877)
	if err != nil {
		t.Fatalf("FindDuplicate failed: %v", err)
	}
	if got != nil {
		t.Error("a submission without hashes must never match")
	}
}

func TestTieBreakOrdering(t *testing.T) {
	early := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(24 * time.Hour)

	// All candidates share coordinates unless the case says otherwise.
	cases := []struct {
		name string
		rows []models.CandidateReport
		want string
	}{
		{
			name: "smallest hash distance wins",
			rows: []models.CandidateReport{
				{ID: "coarse", Latitude: 19.0761, Longitude: 72.8771, CreatedAt: early, Hashes: []uint64{flip(baseHash, 8)}},
				{ID: "fine", Latitude: 19.0765, Longitude: 72.8775, CreatedAt: late, Hashes: []uint64{flip(baseHash, 2)}},
			},
			want: "fine",
		},
		{
			name: "nearest wins at equal hash distance",
			rows: []models.CandidateReport{
				{ID: "farther", Latitude: 19.0769, Longitude: 72.8779, CreatedAt: early, Hashes: []uint64{flip(baseHash, 3)}},
				{ID: "nearer", Latitude: 19.0761, Longitude: 72.8771, CreatedAt: late, Hashes: []uint64{flip(baseHash, 3)}},
			},
			want: "nearer",
		},
		{
			name: "oldest wins at equal distances",
			rows: []models.CandidateReport{
				{ID: "newer", Latitude: 19.0761, Longitude: 72.8771, CreatedAt: late, Hashes: []uint64{flip(baseHash, 3)}},
				{ID: "older", Latitude: 19.0761, Longitude: 72.8771, CreatedAt: early, Hashes: []uint64{flip(baseHash, 3)}},
			},
			want: "older",
		},
		{
			name: "lexicographic id as final tie-break",
			rows: []models.CandidateReport{
				{ID: "bbb", Latitude: 19.0761, Longitude: 72.8771, CreatedAt: early, Hashes: []uint64{flip(baseHash, 3)}},
				{ID: "aaa", Latitude: 19.0761, Longitude: 72.8771, CreatedAt: early, Hashes: []uint64{flip(baseHash, 3)}},
			},
			want: "aaa",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			det := newDetector(tc.rows)
			got, err := det.FindDuplicate(context.Background(), []uint64{baseHash}, 19.076, 72.877)
			if err != nil {
				t.Fatalf("FindDuplicate failed: %v", err)
			}
			if got == nil {
				t.Fatal("FindDuplicate returned nil, want a match")
			}
			if got.ReportID != tc.want {
				t.Errorf("winner = %q, want %q", got.ReportID, tc.want)
			}
		})
	}
}

func TestMinHashDistanceAcrossPairs(t *testing.T) {
	incoming := []uint64{flip(baseHash, 20), baseHash}
	candidate := []uint64{flip(baseHash, 6), flip(baseHash, 30)}

	dist, ok := minHashDistance(incoming, candidate)
	if !ok {
		t.Fatal("expected a comparable pair")
	}
	if dist != 6 {
		t.Errorf("min distance = %d, want 6", dist)
	}
}
