package models

import "errors"

// ErrReportNotFound is returned by the repository when a report id does not
// exist. Fatal for the pipeline run that hit it; never retried.
var ErrReportNotFound = errors.New("report not found")

// ErrStatusConflict is returned when a compare-and-swap status update finds
// the report no longer in the expected status. Callers treat it as a lost
// race, not a failure.
var ErrStatusConflict = errors.New("report status changed concurrently")
