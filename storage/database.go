package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Database represents the SQLite database connection
type Database struct {
	db     *sql.DB
	logger *logrus.Logger
}

// Attempt is one try at a page fetch
type Attempt struct {
	ID             int       `json:"id"`
	RequestID      string    `json:"request_id"`
	URL            string    `json:"url"`
	Number         int       `json:"number"`
	Proxy          string    `json:"proxy"`
	UserAgent      string    `json:"user_agent"`
	ChallengeState string    `json:"challenge_state"`
	Error          string    `json:"error"`
	DurationMillis int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// Result is the final verdict of a page fetch
type Result struct {
	ID        int       `json:"id"`
	RequestID string    `json:"request_id"`
	URL       string    `json:"url"`
	Success   bool      `json:"success"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
}

// NewDatabase creates a new database connection
func NewDatabase(dbPath string, logger *logrus.Logger) (*Database, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	database := &Database{
		db:     db,
		logger: logger,
	}

	if err := database.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	logger.WithField("path", dbPath).Debug("History database ready")
	return database, nil
}

func (d *Database) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS fetch_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			url TEXT NOT NULL,
			number INTEGER NOT NULL,
			proxy TEXT,
			user_agent TEXT,
			challenge_state TEXT,
			error TEXT,
			duration_ms INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS fetch_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT UNIQUE NOT NULL,
			url TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			attempts INTEGER NOT NULL,
			error TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fetch_attempts_request_id ON fetch_attempts(request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_fetch_results_created_at ON fetch_results(created_at)`,
	}

	for _, query := range queries {
		if _, err := d.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %s, error: %w", query, err)
		}
	}
	return nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// SaveAttempt records one fetch attempt
func (d *Database) SaveAttempt(attempt *Attempt) error {
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now()
	}
	query := `INSERT INTO fetch_attempts (request_id, url, number, proxy, user_agent, challenge_state, error, duration_ms, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := d.db.Exec(query, attempt.RequestID, attempt.URL, attempt.Number, attempt.Proxy, attempt.UserAgent,
		attempt.ChallengeState, attempt.Error, attempt.DurationMillis, attempt.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save attempt: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get attempt ID: %w", err)
	}

	attempt.ID = int(id)
	d.logger.WithFields(logrus.Fields{
		"request_id": attempt.RequestID,
		"attempt":    attempt.Number,
	}).Debug("Attempt saved")
	return nil
}

// SaveResult records the verdict of a fetch
func (d *Database) SaveResult(res *Result) error {
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now()
	}
	query := `INSERT OR REPLACE INTO fetch_results (request_id, url, success, attempts, error, created_at)
			  VALUES (?, ?, ?, ?, ?, ?)`

	result, err := d.db.Exec(query, res.RequestID, res.URL, res.Success, res.Attempts, res.Error, res.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get result ID: %w", err)
	}

	res.ID = int(id)
	d.logger.WithField("request_id", res.RequestID).Debug("Result saved")
	return nil
}

// GetAttempts returns the attempts of one request in order
func (d *Database) GetAttempts(requestID string) ([]*Attempt, error) {
	query := `SELECT id, request_id, url, number, proxy, user_agent, challenge_state, error, duration_ms, created_at
			  FROM fetch_attempts WHERE request_id = ? ORDER BY number`

	rows, err := d.db.Query(query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		var a Attempt
		err := rows.Scan(&a.ID, &a.RequestID, &a.URL, &a.Number, &a.Proxy, &a.UserAgent, &a.ChallengeState, &a.Error, &a.DurationMillis, &a.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

// RecentResults returns up to limit results, newest first
func (d *Database) RecentResults(limit int) ([]*Result, error) {
	query := `SELECT id, request_id, url, success, attempts, error, created_at
			  FROM fetch_results ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := d.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get results: %w", err)
	}
	defer rows.Close()

	var results []*Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.RequestID, &r.URL, &r.Success, &r.Attempts, &r.Error, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}

// GetDailyStats retrieves statistics for the UTC day containing date
func (d *Database) GetDailyStats(date time.Time) (map[string]int, error) {
	day := date.UTC().Format("2006-01-02")
	query := `
		SELECT
			(SELECT COUNT(*) FROM fetch_results WHERE DATE(created_at) = ?) as fetches,
			(SELECT COUNT(*) FROM fetch_results WHERE success = 1 AND DATE(created_at) = ?) as succeeded,
			(SELECT COUNT(*) FROM fetch_attempts WHERE DATE(created_at) = ?) as attempts,
			(SELECT COUNT(*) FROM fetch_attempts WHERE challenge_state = 'verified' AND DATE(created_at) = ?) as challenges_solved
	`

	row := d.db.QueryRow(query, day, day, day, day)
	var fetches, succeeded, attempts, solved int
	if err := row.Scan(&fetches, &succeeded, &attempts, &solved); err != nil {
		return nil, fmt.Errorf("failed to get daily stats: %w", err)
	}

	return map[string]int{
		"fetches":           fetches,
		"succeeded":         succeeded,
		"failed":            fetches - succeeded,
		"attempts":          attempts,
		"challenges_solved": solved,
	}, nil
}
