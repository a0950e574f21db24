// Package duplicates decides whether an incoming report re-submits an issue
// that is already on file nearby.
package duplicates

import (
	"context"
	"fmt"
	"sort"

	"github.com/apex/log"

	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/geoindex"
	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/imagehash"
	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/models"
)

// Detector matches incoming image hashes against geo-indexed candidates.
type Detector struct {
	index         *geoindex.Index
	radiusMeters  float64
	hashThreshold int
}

// New creates a detector. hashThreshold is the maximum Hamming distance (of
// 64 bits) at which two images count as the same scene.
func New(index *geoindex.Index, radiusMeters float64, hashThreshold int) *Detector {
	return &Detector{
		index:         index,
		radiusMeters:  radiusMeters,
		hashThreshold: hashThreshold,
	}
}

// FindDuplicate returns the canonical report the submission duplicates, or
// nil when no candidate within the radius matches any incoming hash.
//
// When several candidates match, the winner is chosen by smallest hash
// distance, then smallest geodesic distance, then earliest creation time,
// then lexicographic id. The ordering is deterministic because it decides
// which report stays canonical.
func (d *Detector) FindDuplicate(ctx context.Context, hashes []uint64, lat, lng float64) (*models.DuplicateCandidate, error) {
	if len(hashes) == 0 {
		// Nothing to compare: a report whose images all failed to decode
		// gets no duplicate protection.
		return nil, nil
	}

	candidates, err := d.index.Nearby(ctx, lat, lng, d.radiusMeters)
	if err != nil {
		return nil, fmt.Errorf("nearby candidates: %w", err)
	}

	var matches []models.DuplicateCandidate
	for _, c := range candidates {
		dist, ok := minHashDistance(hashes, c.Report.Hashes)
		if !ok || dist > d.hashThreshold {
			continue
		}
		matches = append(matches, models.DuplicateCandidate{
			ReportID:      c.Report.ID,
			HashDistance:  dist,
			MeterDistance: c.Meters,
			CreatedAt:     c.Report.CreatedAt,
		})
	}
	if len(matches) == 0 {
		return nil, nil
	}

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.HashDistance != b.HashDistance {
			return a.HashDistance < b.HashDistance
		}
		if a.MeterDistance != b.MeterDistance {
			return a.MeterDistance < b.MeterDistance
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ReportID < b.ReportID
	})

	winner := matches[0]
	log.Infof("duplicate match: report %s at hash distance %d, %.1fm away (%d candidates)",
		winner.ReportID, winner.HashDistance, winner.MeterDistance, len(matches))
	return &winner, nil
}

// minHashDistance is the smallest pairwise Hamming distance across the
// incoming and candidate hash sets. ok is false when the candidate has no
// hashes to compare.
func minHashDistance(incoming, candidate []uint64) (int, bool) {
	best := 0
	found := false
	for _, a := range incoming {
		for _, b := range candidate {
			d := imagehash.Distance(imagehash.Hash(a), imagehash.Hash(b))
			if !found || d < best {
				best = d
				found = true
			}
		}
	}
	return best, found
}
