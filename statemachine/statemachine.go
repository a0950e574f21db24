// Package statemachine enforces the report lifecycle. Every legal transition
// is applied as a compare-and-swap against the stored status together with
// exactly one timeline event; illegal transitions are rejected before
// anything touches storage.
package statemachine

import (
	"context"
	"fmt"

	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/models"
)

// legalEdges maps each status to the statuses it may move to. Rejected,
// duplicate and resolved are terminal. Flagged reports can only re-enter
// verification through the manual reverify path.
var legalEdges = map[models.ReportStatus][]models.ReportStatus{
	models.StatusPendingVerification: {
		models.StatusVerified,
		models.StatusRejected,
		models.StatusDuplicate,
		models.StatusFlagged,
	},
	models.StatusVerified: {
		models.StatusInProgress,
		models.StatusResolved,
		models.StatusRejected,
	},
	models.StatusInProgress: {
		models.StatusResolved,
		models.StatusVerified,
	},
	models.StatusFlagged: {
		models.StatusPendingVerification,
	},
}

// InvalidTransitionError reports an illegal status change. It usually means
// a programming error or a race the CAS already lost; callers must surface
// it, never swallow it.
type InvalidTransitionError struct {
	ReportID string
	From     models.ReportStatus
	To       models.ReportStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("report %s: illegal transition %s -> %s", e.ReportID, e.From, e.To)
}

// Allowed reports whether from -> to is a legal edge.
func Allowed(from, to models.ReportStatus) bool {
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// eventForStatus names the timeline event a transition produces.
func eventForStatus(to models.ReportStatus) string {
	switch to {
	case models.StatusVerified:
		return models.EventVerified
	case models.StatusRejected:
		return models.EventRejected
	case models.StatusDuplicate:
		return models.EventDuplicateLinked
	case models.StatusFlagged:
		return models.EventFlagged
	default:
		return models.EventStatusUpdated
	}
}

// Store applies a transition atomically: the status CAS and the timeline
// insert either both happen or neither does. It returns
// models.ErrStatusConflict when the report is no longer in t.From.
type Store interface {
	ApplyTransition(ctx context.Context, t models.StatusTransition) error
}

// Change describes a requested transition.
type Change struct {
	To          models.ReportStatus
	Actor       string
	Detail      string
	Category    *string
	Severity    *int
	DuplicateOf *string
}

// Machine validates and persists report status changes.
type Machine struct {
	store Store
	clock models.Clock
}

func New(store Store, clock models.Clock) *Machine {
	return &Machine{store: store, clock: clock}
}

// Transition moves report to change.To, appending one timeline event. On
// success the in-memory report is updated to match storage. Illegal edges
// return InvalidTransitionError with no side effects.
func (m *Machine) Transition(ctx context.Context, report *models.Report, change Change) error {
	if !Allowed(report.Status, change.To) {
		return &InvalidTransitionError{ReportID: report.ID, From: report.Status, To: change.To}
	}

	now := m.clock.Now()
	t := models.StatusTransition{
		ReportID:    report.ID,
		From:        report.Status,
		To:          change.To,
		Event:       eventForStatus(change.To),
		Actor:       change.Actor,
		Detail:      change.Detail,
		Category:    change.Category,
		Severity:    change.Severity,
		DuplicateOf: change.DuplicateOf,
		At:          now,
	}
	if err := m.store.ApplyTransition(ctx, t); err != nil {
		return err
	}

	report.Status = change.To
	if change.Category != nil {
		report.Category = *change.Category
	}
	if change.Severity != nil {
		report.Severity = change.Severity
	}
	if change.DuplicateOf != nil {
		report.DuplicateOf = change.DuplicateOf
	}
	switch change.To {
	case models.StatusVerified:
		if report.VerifiedAt == nil {
			report.VerifiedAt = &now
		}
	case models.StatusResolved:
		report.ResolvedAt = &now
	}
	return nil
}
