package storage

import (
	"form-automation/fetch"
)

// History records fetch progress to the database. Write failures are logged, never returned.
type History struct {
	db *Database
}

func NewHistory(db *Database) *History {
	return &History{db: db}
}

func (h *History) ObserveAttempt(a fetch.Attempt) {
	rec := &Attempt{
		RequestID:      a.RequestID.String(),
		URL:            a.URL,
		Number:         a.Number,
		Proxy:          a.Identity.Proxy,
		UserAgent:      a.Identity.UserAgent,
		Error:          errorText(a.Err),
		DurationMillis: a.Duration.Milliseconds(),
	}
	if a.Outcome != nil {
		rec.ChallengeState = a.Outcome.State.String()
	}
	if err := h.db.SaveAttempt(rec); err != nil {
		h.db.logger.WithError(err).Warn("Failed to record attempt")
	}
}

func (h *History) ObserveResult(r *fetch.Result) {
	rec := &Result{
		RequestID: r.RequestID.String(),
		URL:       r.URL,
		Success:   r.Success,
		Attempts:  r.Attempts,
		Error:     errorText(r.LastError),
	}
	if err := h.db.SaveResult(rec); err != nil {
		h.db.logger.WithError(err).Warn("Failed to record result")
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
