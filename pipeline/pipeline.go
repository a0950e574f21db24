// Package pipeline drives a submitted report through verification: hash the
// photos, ask the classification service for a verdict, look for a nearby
// duplicate, and finalize the report through the state machine. Every run
// ends with exactly one terminal (or flagged) transition and one timeline
// event, whatever went wrong on the way.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/imagehash"
	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/metrics"
	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/models"
	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/statemachine"
)

// Actor recorded on timeline events written by the pipeline itself.
const Actor = "verification-pipeline"

// FlagReasonServiceUnavailable is the detail recorded when classification
// cannot produce a verdict and the report is parked for manual re-trigger.
const FlagReasonServiceUnavailable = "verification service unavailable"

// Repository is the slice of report storage the pipeline needs.
type Repository interface {
	GetReport(ctx context.Context, id string) (*models.Report, error)
	SaveImageHash(ctx context.Context, reportID string, position int, hash uint64) error
	AppendTimeline(ctx context.Context, reportID, event, actor, detail string, at time.Time) error
}

// BlobStore fetches image bytes by reference.
type BlobStore interface {
	FetchBytes(ctx context.Context, ref string) ([]byte, error)
}

// Classifier returns the external service's verdict on a report.
type Classifier interface {
	Classify(ctx context.Context, reportText string, images [][]byte) (*models.VerificationOutcome, error)
}

// Detector finds the canonical report a submission duplicates, if any.
type Detector interface {
	FindDuplicate(ctx context.Context, hashes []uint64, lat, lng float64) (*models.DuplicateCandidate, error)
}

// Publisher pushes terminal outcomes to the notification hook. Best-effort:
// a publish failure never fails the run.
type Publisher interface {
	PublishOutcome(event string, report *models.Report, detail string) error
}

// Pipeline is the verification orchestrator.
type Pipeline struct {
	repo      Repository
	blobs     BlobStore
	classer   Classifier
	detector  Detector
	machine   *statemachine.Machine
	publisher Publisher
	clock     models.Clock

	workers int
	jobs    chan string
	wg      sync.WaitGroup

	// locks serializes runs per report id so concurrent triggers for the
	// same report don't both pay for a classification call. Correctness is
	// still guaranteed by the repository CAS. Entries are refcounted and
	// removed when the last holder unlocks.
	locksMu sync.Mutex
	locks   map[string]*reportLock
}

type reportLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a pipeline. publisher may be nil.
func New(repo Repository, blobs BlobStore, classer Classifier, detector Detector, machine *statemachine.Machine, publisher Publisher, clock models.Clock, workers int) *Pipeline {
	if workers <= 0 {
		workers = 1
	}
	return &Pipeline{
		repo:      repo,
		blobs:     blobs,
		classer:   classer,
		detector:  detector,
		machine:   machine,
		publisher: publisher,
		clock:     clock,
		workers:   workers,
		jobs:      make(chan string, 1024),
		locks:     make(map[string]*reportLock),
	}
}

// Start launches the worker pool consuming submitted report ids.
func (p *Pipeline) Start() {
	log.Infof("starting verification pipeline with %d workers", p.workers)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for id := range p.jobs {
				metrics.WorkerInFlight.Inc()
				if err := p.Run(context.Background(), id); err != nil {
					log.Errorf("pipeline run for report %s: %v", id, err)
				}
				metrics.WorkerInFlight.Dec()
			}
		}()
	}
}

// Stop drains the queue and waits for in-flight runs to finish.
func (p *Pipeline) Stop() {
	close(p.jobs)
	p.wg.Wait()
}

// Submit enqueues a pipeline run for the report id and returns immediately.
// Safe to call multiple times for the same id: re-running a finalized report
// is a no-op.
func (p *Pipeline) Submit(reportID string) {
	p.jobs <- reportID
}

func (p *Pipeline) lock(reportID string) func() {
	p.locksMu.Lock()
	l, ok := p.locks[reportID]
	if !ok {
		l = &reportLock{}
		p.locks[reportID] = l
	}
	l.refs++
	p.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, reportID)
		}
		p.locksMu.Unlock()
	}
}

// Run verifies one report synchronously. Reports not in
// pending_verification are left untouched.
func (p *Pipeline) Run(ctx context.Context, reportID string) error {
	unlock := p.lock(reportID)
	defer unlock()

	started := p.clock.Now()
	outcome, err := p.run(ctx, reportID)
	if err != nil {
		metrics.PipelineRunsTotal.WithLabelValues("error").Inc()
		return err
	}
	if outcome != "" {
		metrics.PipelineRunsTotal.WithLabelValues(outcome).Inc()
		metrics.PipelineDurationSeconds.WithLabelValues(outcome).Observe(p.clock.Now().Sub(started).Seconds())
	}
	return nil
}

// run returns the outcome label for metrics, or "" for the idempotent no-op.
func (p *Pipeline) run(ctx context.Context, reportID string) (string, error) {
	report, err := p.repo.GetReport(ctx, reportID)
	if err != nil {
		if errors.Is(err, models.ErrReportNotFound) {
			log.Errorf("report %s not found, dropping verification request", reportID)
		}
		return "", err
	}

	if report.Status != models.StatusPendingVerification {
		log.Infof("report %s already %s, skipping verification", report.ID, report.Status)
		return "", nil
	}

	hashes, images := p.hashImages(ctx, report)

	verdict, err := p.classer.Classify(ctx, report.Description, images)
	if err != nil {
		metrics.ClassifierFailuresTotal.Inc()
		log.Errorf("classification for report %s failed: %v", report.ID, err)
		if terr := p.transition(ctx, report, statemachine.Change{
			To:     models.StatusFlagged,
			Actor:  Actor,
			Detail: FlagReasonServiceUnavailable,
		}); terr != nil {
			return "", terr
		}
		return "flagged", nil
	}

	if !verdict.IsValid {
		detail := verdict.RejectionReason
		if detail == "" {
			detail = "rejected by classification service"
		}
		if err := p.transition(ctx, report, statemachine.Change{
			To:     models.StatusRejected,
			Actor:  Actor,
			Detail: detail,
		}); err != nil {
			return "", err
		}
		return "rejected", nil
	}

	dup, err := p.detector.FindDuplicate(ctx, hashes, report.Latitude, report.Longitude)
	if err != nil {
		// Duplicate detection is a best-effort safety net; a stale or
		// failing index must not block verification.
		log.Warnf("duplicate detection for report %s failed: %v", report.ID, err)
		dup = nil
	}

	if dup != nil {
		metrics.DuplicatesLinkedTotal.Inc()
		if err := p.transition(ctx, report, statemachine.Change{
			To:          models.StatusDuplicate,
			Actor:       Actor,
			Detail:      fmt.Sprintf("duplicate of %s (hash distance %d, %.0fm away)", dup.ReportID, dup.HashDistance, dup.MeterDistance),
			DuplicateOf: &dup.ReportID,
		}); err != nil {
			return "", err
		}
		return "duplicate", nil
	}

	if err := p.transition(ctx, report, statemachine.Change{
		To:       models.StatusVerified,
		Actor:    Actor,
		Detail:   fmt.Sprintf("verified as %s, severity %d", verdict.Category, verdict.Severity),
		Category: &verdict.Category,
		Severity: &verdict.Severity,
	}); err != nil {
		return "", err
	}
	return "verified", nil
}

// hashImages fetches and hashes each image, tolerating per-image failure: a
// blob that won't fetch or decode costs that image its duplicate protection,
// nothing more. Returns the computed hashes and the successfully fetched
// image bytes for classification.
func (p *Pipeline) hashImages(ctx context.Context, report *models.Report) ([]uint64, [][]byte) {
	var hashes []uint64
	var images [][]byte
	for _, img := range report.Images {
		data, err := p.blobs.FetchBytes(ctx, img.Ref)
		if err != nil {
			log.Warnf("report %s: fetching image %d failed: %v", report.ID, img.Position, err)
			p.note(ctx, report.ID, fmt.Sprintf("image %d could not be fetched, no duplicate protection for it", img.Position))
			continue
		}
		images = append(images, data)

		h, err := imagehash.Compute(data)
		if err != nil {
			if errors.Is(err, imagehash.ErrDecode) {
				metrics.ImageDecodeFailuresTotal.Inc()
				log.Warnf("report %s: image %d is not decodable: %v", report.ID, img.Position, err)
				p.note(ctx, report.ID, fmt.Sprintf("image %d could not be decoded, no duplicate protection for it", img.Position))
				continue
			}
			log.Warnf("report %s: hashing image %d failed: %v", report.ID, img.Position, err)
			continue
		}
		hashes = append(hashes, uint64(h))

		if err := p.repo.SaveImageHash(ctx, report.ID, img.Position, uint64(h)); err != nil {
			log.Warnf("report %s: saving hash for image %d failed: %v", report.ID, img.Position, err)
		}
	}
	return hashes, images
}

// transition finalizes the report and publishes the outcome. A CAS conflict
// means another run finalized it first; that is a lost race, not an error.
func (p *Pipeline) transition(ctx context.Context, report *models.Report, change statemachine.Change) error {
	if err := p.machine.Transition(ctx, report, change); err != nil {
		if errors.Is(err, models.ErrStatusConflict) {
			log.Infof("report %s finalized concurrently, dropping %s transition", report.ID, change.To)
			return nil
		}
		return err
	}

	if p.publisher != nil {
		event := eventFor(change.To)
		if err := p.publisher.PublishOutcome(event, report, change.Detail); err != nil {
			log.Warnf("publishing %s outcome for report %s failed: %v", event, report.ID, err)
		}
	}
	return nil
}

func eventFor(to models.ReportStatus) string {
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

// note appends a best-effort timeline annotation.
func (p *Pipeline) note(ctx context.Context, reportID, detail string) {
	if err := p.repo.AppendTimeline(ctx, reportID, models.EventNote, Actor, detail, p.clock.Now()); err != nil {
		log.Warnf("report %s: appending timeline note failed: %v", reportID, err)
	}
}
