// Package database implements the session ledger: the persistence boundary
// that records experiment sessions, observed videos, and the full
// recommendation decision trail. SQLite serves development and tests,
// PostgreSQL serves experiment deployments.
package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/feeddrift/feeddrift/pkg/models"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrProfileNotFound is returned when a referenced persona profile does
	// not exist in the ledger.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrContextNotFound is returned when a named experiment context does not
	// exist in the ledger. It aborts a run before any session row is written.
	ErrContextNotFound = errors.New("context not found")
	// ErrSessionNotFound is returned for lookups of unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")
)

// Ledger is the session ledger over a SQL store.
type Ledger struct {
	db       *sql.DB
	postgres bool
}

// New creates a SQLite-backed ledger and initializes the schema.
func New(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	l := &Ledger{db: db}

	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return l, nil
}

// Open creates a ledger for the configured store type.
func Open(dbType, path, dsn string) (*Ledger, error) {
	switch dbType {
	case "postgres":
		return NewPostgres(dsn)
	case "sqlite", "":
		return New(path)
	default:
		return nil, fmt.Errorf("unknown database type %q", dbType)
	}
}

// Close closes the underlying connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// rebind converts ? placeholders to $1, $2, ... for PostgreSQL. SQLite keeps
// the query untouched.
func (l *Ledger) rebind(query string) string {
	if !l.postgres {
		return query
	}
	return rebindPostgres(query)
}

// initSchema creates the SQLite tables.
func (l *Ledger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id INTEGER PRIMARY KEY AUTOINCREMENT,
		experiment_config TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		start_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		end_time DATETIME
	);

	CREATE TABLE IF NOT EXISTS profiles (
		profile_id INTEGER PRIMARY KEY AUTOINCREMENT,
		profile_name TEXT NOT NULL,
		persona_description TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS experiment_contexts (
		context_name TEXT PRIMARY KEY,
		video_ids TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS videos (
		video_youtube_id TEXT PRIMARY KEY,
		title TEXT,
		duration_seconds INTEGER,
		last_enriched_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS recommendation_log (
		log_id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL REFERENCES sessions(session_id),
		depth INTEGER NOT NULL,
		source_video_id TEXT REFERENCES videos(video_youtube_id),
		recommended_video_id TEXT NOT NULL REFERENCES videos(video_youtube_id),
		recommendation_rank INTEGER NOT NULL,
		recommendation_source TEXT NOT NULL,
		was_selected BOOLEAN NOT NULL DEFAULT 0,
		justification TEXT,
		view_count_when_recommended BIGINT,
		was_during_context BOOLEAN NOT NULL DEFAULT 0,
		profile_id_at_choice INTEGER,
		choice_method TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS persona_filter_log (
		filter_id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL REFERENCES sessions(session_id),
		video_id TEXT NOT NULL,
		was_filtered BOOLEAN NOT NULL,
		filter_justification TEXT,
		video_transcript TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_reclog_session_depth ON recommendation_log(session_id, depth);
	CREATE INDEX IF NOT EXISTS idx_reclog_recommended ON recommendation_log(recommended_video_id);
	CREATE INDEX IF NOT EXISTS idx_filterlog_session ON persona_filter_log(session_id);
	`

	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Sessions

// CreateSession opens a new session row holding the full experiment
// configuration snapshot and returns its ID. The snapshot is immutable once
// written.
func (l *Ledger) CreateSession(experimentConfig interface{}) (int64, error) {
	configJSON, err := json.Marshal(experimentConfig)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal experiment config: %w", err)
	}

	var sessionID int64
	query := l.rebind(`INSERT INTO sessions (experiment_config) VALUES (?) RETURNING session_id`)
	if err := l.db.QueryRow(query, string(configJSON)).Scan(&sessionID); err != nil {
		return 0, fmt.Errorf("failed to create session: %w", err)
	}

	return sessionID, nil
}

// SetSessionStatus transitions a session to a terminal status and stamps its
// end time.
func (l *Ledger) SetSessionStatus(sessionID int64, status string) error {
	query := l.rebind(`UPDATE sessions SET status = ?, end_time = CURRENT_TIMESTAMP WHERE session_id = ?`)
	result, err := l.db.Exec(query, status, sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %d", ErrSessionNotFound, sessionID)
	}
	return nil
}

// ListSessions returns all sessions, newest first.
func (l *Ledger) ListSessions() ([]models.Session, error) {
	rows, err := l.db.Query(`SELECT session_id, status, start_time, end_time FROM sessions ORDER BY session_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var s models.Session
		var end sql.NullTime
		if err := rows.Scan(&s.ID, &s.Status, &s.StartTime, &end); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if end.Valid {
			t := end.Time
			s.EndTime = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Profiles

// GetProfileDescription returns the persona description for a profile.
func (l *Ledger) GetProfileDescription(profileID int64) (string, error) {
	var description string
	query := l.rebind(`SELECT persona_description FROM profiles WHERE profile_id = ?`)
	err := l.db.QueryRow(query, profileID).Scan(&description)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %d", ErrProfileNotFound, profileID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get profile: %w", err)
	}
	return description, nil
}

// AddProfile stores a new persona profile and returns its ID.
func (l *Ledger) AddProfile(name, description string) (int64, error) {
	var profileID int64
	query := l.rebind(`INSERT INTO profiles (profile_name, persona_description) VALUES (?, ?) RETURNING profile_id`)
	if err := l.db.QueryRow(query, name, description).Scan(&profileID); err != nil {
		return 0, fmt.Errorf("failed to add profile: %w", err)
	}
	return profileID, nil
}

// ListProfiles returns all persona profiles.
func (l *Ledger) ListProfiles() ([]models.Profile, error) {
	rows, err := l.db.Query(`SELECT profile_id, profile_name, persona_description, created_at FROM profiles ORDER BY profile_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []models.Profile
	for rows.Next() {
		var p models.Profile
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// Contexts

// GetContextVideoIDs returns the ordered priming video list for a named
// context.
func (l *Ledger) GetContextVideoIDs(contextName string) ([]string, error) {
	var videoIDsJSON string
	query := l.rebind(`SELECT video_ids FROM experiment_contexts WHERE context_name = ?`)
	err := l.db.QueryRow(query, contextName).Scan(&videoIDsJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %q", ErrContextNotFound, contextName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get context: %w", err)
	}

	var videoIDs []string
	if err := json.Unmarshal([]byte(videoIDsJSON), &videoIDs); err != nil {
		return nil, fmt.Errorf("failed to decode context video list: %w", err)
	}
	return videoIDs, nil
}

// AddContext stores a named context, replacing any previous list under the
// same name.
func (l *Ledger) AddContext(contextName string, videoIDs []string) error {
	videoIDsJSON, err := json.Marshal(videoIDs)
	if err != nil {
		return fmt.Errorf("failed to encode context video list: %w", err)
	}

	query := l.rebind(`
		INSERT INTO experiment_contexts (context_name, video_ids)
		VALUES (?, ?)
		ON CONFLICT(context_name) DO UPDATE SET video_ids = excluded.video_ids
	`)
	if _, err := l.db.Exec(query, contextName, string(videoIDsJSON)); err != nil {
		return fmt.Errorf("failed to add context: %w", err)
	}
	return nil
}

// ListContexts returns all stored contexts.
func (l *Ledger) ListContexts() ([]models.Context, error) {
	rows, err := l.db.Query(`SELECT context_name, video_ids, created_at FROM experiment_contexts ORDER BY context_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list contexts: %w", err)
	}
	defer rows.Close()

	var contexts []models.Context
	for rows.Next() {
		var c models.Context
		var videoIDsJSON string
		if err := rows.Scan(&c.Name, &videoIDsJSON, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan context: %w", err)
		}
		if err := json.Unmarshal([]byte(videoIDsJSON), &c.VideoIDs); err != nil {
			return nil, fmt.Errorf("failed to decode context video list: %w", err)
		}
		contexts = append(contexts, c)
	}
	return contexts, rows.Err()
}

// Videos

const pendingTitle = "Context Video - Title Pending Enrichment"

// PreRegisterContextVideos inserts placeholder rows for context videos so the
// recommendation log's foreign keys hold before enrichment has run.
func (l *Ledger) PreRegisterContextVideos(videoIDs []string) error {
	if len(videoIDs) == 0 {
		return nil
	}

	query := l.rebind(`
		INSERT INTO videos (video_youtube_id, title)
		VALUES (?, ?)
		ON CONFLICT(video_youtube_id) DO NOTHING
	`)
	for _, videoID := range videoIDs {
		if _, err := l.db.Exec(query, videoID, pendingTitle); err != nil {
			return fmt.Errorf("failed to pre-register context video %s: %w", videoID, err)
		}
	}
	return nil
}

// KnownDuration looks up a previously recorded duration for a video. The
// second return value is false when no duration is known.
func (l *Ledger) KnownDuration(videoID string) (int, bool, error) {
	var duration sql.NullInt64
	query := l.rebind(`SELECT duration_seconds FROM videos WHERE video_youtube_id = ?`)
	err := l.db.QueryRow(query, videoID).Scan(&duration)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up duration: %w", err)
	}
	if !duration.Valid {
		return 0, false, nil
	}
	return int(duration.Int64), true, nil
}

// videoUpsertQuery refreshes the title unconditionally but keeps an enriched
// duration: once last_enriched_at is set, the engine's own duration guess
// must not overwrite the enrichment worker's value.
const videoUpsertQuery = `
	INSERT INTO videos (video_youtube_id, title, duration_seconds)
	VALUES (?, ?, ?)
	ON CONFLICT(video_youtube_id) DO UPDATE SET
		title = excluded.title,
		duration_seconds = CASE
			WHEN videos.last_enriched_at IS NULL THEN excluded.duration_seconds
			ELSE videos.duration_seconds
		END
`

// UpsertVideo records or refreshes a single observed video.
func (l *Ledger) UpsertVideo(videoID, title string, durationSeconds int) error {
	if _, err := l.db.Exec(l.rebind(videoUpsertQuery), videoID, title, durationSeconds); err != nil {
		return fmt.Errorf("failed to upsert video %s: %w", videoID, err)
	}
	return nil
}

// Recommendation log

// InsertStepRecommendations writes one navigation step's complete candidate
// pool and the video rows it references in a single transaction. chosenID
// marks the selected entry; justification, profile, and method are recorded
// only on that entry. An empty chosenID logs a selection-free batch
// (context phase).
func (l *Ledger) InsertStepRecommendations(
	sessionID int64,
	depth int,
	sourceVideoID string,
	recs models.RecommendationList,
	chosenID string,
	justification string,
	isContext bool,
	profileID *int64,
	choiceMethod string,
) error {
	if len(recs.Recommendations) == 0 {
		return nil
	}

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Upsert in stable ID order so concurrent workers touching the same
	// videos cannot deadlock each other.
	sorted := make([]models.Recommendation, len(recs.Recommendations))
	copy(sorted, recs.Recommendations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].VideoID < sorted[j].VideoID })

	upsert := l.rebind(videoUpsertQuery)
	for _, rec := range sorted {
		if _, err := tx.Exec(upsert, rec.VideoID, rec.Title, rec.DurationSeconds()); err != nil {
			return fmt.Errorf("failed to upsert video %s: %w", rec.VideoID, err)
		}
	}

	insert := l.rebind(`
		INSERT INTO recommendation_log (
			session_id, depth, source_video_id, recommended_video_id,
			recommendation_rank, recommendation_source, was_selected,
			justification, view_count_when_recommended, was_during_context,
			profile_id_at_choice, choice_method
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	// Homepage fallback steps have no source video; the column stays NULL.
	var source sql.NullString
	if sourceVideoID != "" {
		source = sql.NullString{String: sourceVideoID, Valid: true}
	}

	selected := 0
	for i, rec := range recs.Recommendations {
		wasSelected := chosenID != "" && rec.VideoID == chosenID && selected == 0
		if wasSelected {
			selected++
		}

		var rowJustification, rowMethod sql.NullString
		var rowProfile sql.NullInt64
		if wasSelected {
			rowJustification = sql.NullString{String: justification, Valid: true}
			if choiceMethod != "" {
				rowMethod = sql.NullString{String: choiceMethod, Valid: true}
			}
			if profileID != nil {
				rowProfile = sql.NullInt64{Int64: *profileID, Valid: true}
			}
		}

		_, err := tx.Exec(insert,
			sessionID,
			depth,
			source,
			rec.VideoID,
			i+1,
			rec.Source,
			wasSelected,
			rowJustification,
			rec.Views,
			isContext,
			rowProfile,
			rowMethod,
		)
		if err != nil {
			return fmt.Errorf("failed to insert recommendation row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit recommendation batch: %w", err)
	}
	return nil
}

// InsertPersonaFilterLog appends one relevance filter outcome.
func (l *Ledger) InsertPersonaFilterLog(sessionID int64, videoID string, wasFiltered bool, justification, transcript string) error {
	query := l.rebind(`
		INSERT INTO persona_filter_log (session_id, video_id, was_filtered, filter_justification, video_transcript)
		VALUES (?, ?, ?, ?, ?)
	`)
	if _, err := l.db.Exec(query, sessionID, videoID, wasFiltered, justification, transcript); err != nil {
		return fmt.Errorf("failed to insert persona filter log: %w", err)
	}
	return nil
}

// SessionExport is a session's full decision trail, for driftctl export.
type SessionExport struct {
	Session         models.Session             `json:"session"`
	Recommendations []models.RecommendationRow `json:"recommendations"`
	FilterOutcomes  []FilterOutcome            `json:"filter_outcomes,omitempty"`
}

// FilterOutcome is one exported persona-filter row.
type FilterOutcome struct {
	VideoID       string    `json:"video_id"`
	WasFiltered   bool      `json:"was_filtered"`
	Justification string    `json:"justification"`
	Transcript    string    `json:"transcript,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ExportSession returns the full decision trail of one session.
func (l *Ledger) ExportSession(sessionID int64) (*SessionExport, error) {
	export := &SessionExport{}

	var end sql.NullTime
	err := l.db.QueryRow(l.rebind(`SELECT session_id, status, start_time, end_time FROM sessions WHERE session_id = ?`), sessionID).
		Scan(&export.Session.ID, &export.Session.Status, &export.Session.StartTime, &end)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if end.Valid {
		t := end.Time
		export.Session.EndTime = &t
	}

	rows, err := l.db.Query(l.rebind(`
		SELECT depth, source_video_id, recommended_video_id, recommendation_rank,
		       recommendation_source, was_selected, justification,
		       view_count_when_recommended, was_during_context,
		       profile_id_at_choice, choice_method
		FROM recommendation_log
		WHERE session_id = ?
		ORDER BY depth, recommendation_rank
	`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load recommendation log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		row := models.RecommendationRow{SessionID: sessionID}
		var source, justification, method sql.NullString
		var views sql.NullInt64
		var profile sql.NullInt64
		if err := rows.Scan(&row.Depth, &source, &row.RecommendedID, &row.Rank,
			&row.Source, &row.WasSelected, &justification, &views,
			&row.IsContext, &profile, &method); err != nil {
			return nil, fmt.Errorf("failed to scan recommendation row: %w", err)
		}
		row.SourceVideoID = source.String
		row.Justification = justification.String
		row.ViewCount = views.Int64
		row.ChoiceMethod = method.String
		if profile.Valid {
			id := profile.Int64
			row.ProfileID = &id
		}
		export.Recommendations = append(export.Recommendations, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read recommendation log: %w", err)
	}

	frows, err := l.db.Query(l.rebind(`
		SELECT video_id, was_filtered, filter_justification, video_transcript, created_at
		FROM persona_filter_log WHERE session_id = ? ORDER BY filter_id
	`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load filter log: %w", err)
	}
	defer frows.Close()

	for frows.Next() {
		var o FilterOutcome
		var justification, transcript sql.NullString
		if err := frows.Scan(&o.VideoID, &o.WasFiltered, &justification, &transcript, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan filter row: %w", err)
		}
		o.Justification = justification.String
		o.Transcript = transcript.String
		export.FilterOutcomes = append(export.FilterOutcomes, o)
	}
	return export, frows.Err()
}
