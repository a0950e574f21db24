package models

import (
	"time"
)

// ReportStatus is the lifecycle status of a report.
type ReportStatus string

const (
	StatusPendingVerification ReportStatus = "pending_verification"
	StatusVerified            ReportStatus = "verified"
	StatusRejected            ReportStatus = "rejected"
	StatusDuplicate           ReportStatus = "duplicate"
	StatusFlagged             ReportStatus = "flagged"
	StatusInProgress          ReportStatus = "in_progress"
	StatusResolved            ReportStatus = "resolved"
)

// Timeline event names. These are the durable audit contract read by the
// admin surface; "note" carries non-status annotations such as a failed
// image decode.
const (
	EventCreated         = "created"
	EventVerified        = "verified"
	EventRejected        = "rejected"
	EventDuplicateLinked = "duplicate_linked"
	EventFlagged         = "flagged"
	EventStatusUpdated   = "status_updated"
	EventNote            = "note"
)

// ReportImage is one submitted photo. DHash is nil until the hasher has run,
// and stays nil when the image could not be decoded.
type ReportImage struct {
	Ref      string  `json:"ref" db:"image_ref"`
	Position int     `json:"position" db:"position"`
	DHash    *uint64 `json:"dhash,omitempty" db:"dhash"`
}

// Report represents a report from the reports table.
type Report struct {
	ID          string        `json:"id" db:"id"`
	Description string        `json:"description" db:"description"`
	Latitude    float64       `json:"latitude" db:"latitude"`
	Longitude   float64       `json:"longitude" db:"longitude"`
	Geohash     string        `json:"geohash" db:"geohash"`
	Status      ReportStatus  `json:"status" db:"status"`
	Category    string        `json:"category" db:"category"`
	Severity    *int          `json:"severity,omitempty" db:"severity"`
	DuplicateOf *string       `json:"duplicate_of,omitempty" db:"duplicate_of"`
	Images      []ReportImage `json:"images"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	VerifiedAt  *time.Time    `json:"verified_at,omitempty" db:"verified_at"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Hashes returns the computed image hashes in submission order, skipping
// images that never produced one.
func (r *Report) Hashes() []uint64 {
	var hashes []uint64
	for _, img := range r.Images {
		if img.DHash != nil {
			hashes = append(hashes, *img.DHash)
		}
	}
	return hashes
}

// TimelineEvent is one append-only audit row for a report.
type TimelineEvent struct {
	Seq       int       `json:"seq" db:"seq"`
	ReportID  string    `json:"report_id" db:"report_id"`
	Event     string    `json:"event" db:"event"`
	Actor     string    `json:"actor" db:"actor"`
	Detail    string    `json:"detail" db:"detail"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// VerificationOutcome is the verdict returned by the classification service
// for one pipeline run. It is folded into the report and a timeline event,
// never persisted on its own.
type VerificationOutcome struct {
	IsValid         bool   `json:"is_valid"`
	Category        string `json:"category"`
	Severity        int    `json:"severity"`
	RejectionReason string `json:"rejection_reason,omitempty"`
}

// DuplicateCandidate is a scored nearby report considered during duplicate
// detection. Produced and discarded within one pipeline run.
type DuplicateCandidate struct {
	ReportID      string
	HashDistance  int
	MeterDistance float64
	CreatedAt     time.Time
}

// CandidateReport is the slim projection of a report used by the geo index:
// enough to score it as a duplicate anchor without loading images or timeline.
type CandidateReport struct {
	ID        string
	Latitude  float64
	Longitude float64
	CreatedAt time.Time
	Hashes    []uint64
}

// StatusTransition is one atomic status change plus its timeline event. The
// repository applies the update with a compare-and-swap on From and writes
// the event in the same transaction.
type StatusTransition struct {
	ReportID    string
	From        ReportStatus
	To          ReportStatus
	Event       string
	Actor       string
	Detail      string
	Category    *string
	Severity    *int
	DuplicateOf *string
	At          time.Time
}
