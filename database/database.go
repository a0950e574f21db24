package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	_ "github.com/go-sql-driver/mysql"

	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/config"
	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/geoindex"
	"github.com/Sarthak-Sidhant/darshi-civic-suite-sub002/models"
)

// Database handles all report storage operations
type Database struct {
	db *sql.DB
}

// NewDatabase creates a new database connection
func NewDatabase(cfg *config.Config) (*Database, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&multiStatements=true",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	log.Infof("database connected to %s:%s/%s", cfg.DBHost, cfg.DBPort, cfg.DBName)

	return &Database{db: db}, nil
}

// NewFromDB wraps an existing connection; used by tests.
func NewFromDB(db *sql.DB) *Database {
	return &Database{db: db}
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// EnsureSchema creates the pipeline's tables if they don't exist
func (d *Database) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS reports (
			id VARCHAR(36) NOT NULL,
			description TEXT,
			latitude DOUBLE NOT NULL,
			longitude DOUBLE NOT NULL,
			geohash VARCHAR(12) NOT NULL,
			status ENUM('pending_verification', 'verified', 'rejected', 'duplicate', 'flagged', 'in_progress', 'resolved')
				NOT NULL DEFAULT 'pending_verification',
			category VARCHAR(64) NOT NULL DEFAULT '',
			severity TINYINT NULL,
			duplicate_of VARCHAR(36) NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			verified_at TIMESTAMP NULL,
			resolved_at TIMESTAMP NULL,
			PRIMARY KEY (id),
			INDEX geohash_index (geohash),
			INDEX status_index (status),
			FOREIGN KEY (duplicate_of) REFERENCES reports(id) ON DELETE SET NULL
		)`,
		`CREATE TABLE IF NOT EXISTS report_images (
			report_id VARCHAR(36) NOT NULL,
			position INT NOT NULL,
			image_ref VARCHAR(512) NOT NULL,
			dhash BIGINT UNSIGNED NULL,
			PRIMARY KEY (report_id, position),
			FOREIGN KEY (report_id) REFERENCES reports(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS report_timeline (
			seq INT NOT NULL AUTO_INCREMENT,
			report_id VARCHAR(36) NOT NULL,
			event VARCHAR(32) NOT NULL,
			actor VARCHAR(255) NOT NULL,
			detail TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (seq),
			INDEX report_id_index (report_id),
			FOREIGN KEY (report_id) REFERENCES reports(id) ON DELETE CASCADE
		)`,
	}

	for _, query := range queries {
		if _, err := d.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}

	log.Info("report tables ensured")
	return nil
}

// InsertReport stores a newly submitted report in pending_verification and
// writes its "created" timeline event in the same transaction.
func (d *Database) InsertReport(ctx context.Context, r *models.Report, actor string) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Geohash == "" {
		r.Geohash = geoindex.Encode(r.Latitude, r.Longitude)
	}
	r.Status = models.StatusPendingVerification

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reports (id, description, latitude, longitude, geohash, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.Description, r.Latitude, r.Longitude, r.Geohash, string(r.Status))
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}

	for _, img := range r.Images {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO report_images (report_id, position, image_ref)
			VALUES (?, ?, ?)
		`, r.ID, img.Position, img.Ref)
		if err != nil {
			return fmt.Errorf("failed to insert report image: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO report_timeline (report_id, event, actor, detail)
		VALUES (?, ?, ?, ?)
	`, r.ID, models.EventCreated, actor, "report submitted")
	if err != nil {
		return fmt.Errorf("failed to insert created event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit report insert: %w", err)
	}
	return nil
}

// GetReport loads a report and its images. Returns models.ErrReportNotFound
// when the id does not exist.
func (d *Database) GetReport(ctx context.Context, id string) (*models.Report, error) {
	var r models.Report
	var status string
	err := d.db.QueryRowContext(ctx, `
		SELECT id, description, latitude, longitude, geohash, status, category,
		       severity, duplicate_of, created_at, verified_at, resolved_at
		FROM reports
		WHERE id = ?
	`, id).Scan(
		&r.ID,
		&r.Description,
		&r.Latitude,
		&r.Longitude,
		&r.Geohash,
		&status,
		&r.Category,
		&r.Severity,
		&r.DuplicateOf,
		&r.CreatedAt,
		&r.VerifiedAt,
		&r.ResolvedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrReportNotFound
		}
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	r.Status = models.ReportStatus(status)

	rows, err := d.db.QueryContext(ctx, `
		SELECT image_ref, position, dhash
		FROM report_images
		WHERE report_id = ?
		ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get report images: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var img models.ReportImage
		if err := rows.Scan(&img.Ref, &img.Position, &img.DHash); err != nil {
			return nil, fmt.Errorf("failed to scan report image: %w", err)
		}
		r.Images = append(r.Images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating report images: %w", err)
	}

	return &r, nil
}

// SaveImageHash records the computed dhash for one image of a report.
func (d *Database) SaveImageHash(ctx context.Context, reportID string, position int, hash uint64) error {
	result, err := d.db.ExecContext(ctx, `
		UPDATE report_images SET dhash = ? WHERE report_id = ? AND position = ?
	`, hash, reportID, position)
	if err != nil {
		return fmt.Errorf("failed to save image hash: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows != 1 {
		log.Warnf("SaveImageHash: expected to affect 1 row, affected %d (report %s position %d)", rows, reportID, position)
	}
	return nil
}

// ApplyTransition performs the status compare-and-swap and appends the
// timeline event in one transaction. A CAS miss returns
// models.ErrStatusConflict and writes nothing.
func (d *Database) ApplyTransition(ctx context.Context, t models.StatusTransition) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var verifiedAt, resolvedAt interface{}
	if t.To == models.StatusVerified {
		verifiedAt = t.At
	}
	if t.To == models.StatusResolved {
		resolvedAt = t.At
	}

	// verified_at keeps its first value: re-entering verified from
	// in_progress must not rewrite when the report was originally verified.
	result, err := tx.ExecContext(ctx, `
		UPDATE reports
		SET status = ?,
		    category = COALESCE(?, category),
		    severity = COALESCE(?, severity),
		    duplicate_of = COALESCE(?, duplicate_of),
		    verified_at = COALESCE(verified_at, ?),
		    resolved_at = COALESCE(?, resolved_at)
		WHERE id = ? AND status = ?
	`, string(t.To), t.Category, t.Severity, t.DuplicateOf, verifiedAt, resolvedAt, t.ReportID, string(t.From))
	if err != nil {
		return fmt.Errorf("failed to update report status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows != 1 {
		return models.ErrStatusConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO report_timeline (report_id, event, actor, detail, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, t.ReportID, t.Event, t.Actor, t.Detail, t.At)
	if err != nil {
		return fmt.Errorf("failed to insert timeline event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}
	return nil
}

// AppendTimeline writes a non-transition audit row, e.g. a note that an
// image could not be hashed. Best-effort callers may ignore the error.
func (d *Database) AppendTimeline(ctx context.Context, reportID, event, actor, detail string, at time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO report_timeline (report_id, event, actor, detail, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, reportID, event, actor, detail, at)
	if err != nil {
		return fmt.Errorf("failed to append timeline event: %w", err)
	}
	return nil
}

// GetTimeline returns a report's audit events, oldest first.
func (d *Database) GetTimeline(ctx context.Context, reportID string) ([]models.TimelineEvent, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT seq, report_id, event, actor, detail, created_at
		FROM report_timeline
		WHERE report_id = ?
		ORDER BY seq
	`, reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to get timeline: %w", err)
	}
	defer rows.Close()

	var events []models.TimelineEvent
	for rows.Next() {
		var ev models.TimelineEvent
		if err := rows.Scan(&ev.Seq, &ev.ReportID, &ev.Event, &ev.Actor, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan timeline event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating timeline events: %w", err)
	}

	return events, nil
}

// ReportsByGeohashPrefix returns candidate reports whose geohash starts with
// any of the prefixes and whose status is in statuses, with their image
// hashes. The prefix match over-selects at cell boundaries; callers apply
// the exact distance filter.
func (d *Database) ReportsByGeohashPrefix(ctx context.Context, prefixes []string, statuses []models.ReportStatus, limit int) ([]models.CandidateReport, error) {
	if len(prefixes) == 0 || len(statuses) == 0 {
		return nil, nil
	}

	var conds []string
	var args []interface{}
	for _, p := range prefixes {
		conds = append(conds, "r.geohash LIKE ?")
		args = append(args, p+"%")
	}
	statusPlaceholders := make([]string, len(statuses))
	for i, s := range statuses {
		statusPlaceholders[i] = "?"
		args = append(args, string(s))
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT r.id, r.latitude, r.longitude, r.created_at, i.dhash
		FROM reports r
		LEFT JOIN report_images i ON i.report_id = r.id AND i.dhash IS NOT NULL
		WHERE (%s)
		AND r.status IN (%s)
		ORDER BY r.created_at, r.id
		LIMIT ?
	`, strings.Join(conds, " OR "), strings.Join(statusPlaceholders, ", "))

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nearby reports: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*models.CandidateReport)
	var order []string
	for rows.Next() {
		var id string
		var lat, lng float64
		var createdAt time.Time
		var dhash *uint64
		if err := rows.Scan(&id, &lat, &lng, &createdAt, &dhash); err != nil {
			return nil, fmt.Errorf("failed to scan candidate report: %w", err)
		}
		c, ok := byID[id]
		if !ok {
			c = &models.CandidateReport{ID: id, Latitude: lat, Longitude: lng, CreatedAt: createdAt}
			byID[id] = c
			order = append(order, id)
		}
		if dhash != nil {
			c.Hashes = append(c.Hashes, *dhash)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candidate reports: %w", err)
	}

	out := make([]models.CandidateReport, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

// StatusCounts returns the number of reports per status.
func (d *Database) StatusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT status, COUNT(*) as count
		FROM reports
		GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}

	return counts, nil
}
