package database

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

// rebindPostgres converts ? placeholders to $1, $2, ... for PostgreSQL.
func rebindPostgres(query string) string {
	n := 1
	out := strings.Builder{}
	for _, ch := range query {
		if ch == '?' {
			out.WriteString(fmt.Sprintf("$%d", n))
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

// NewPostgres creates a PostgreSQL-backed ledger and initializes the schema.
func NewPostgres(dsn string) (*Ledger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	l := &Ledger{
		db:       db,
		postgres: true,
	}

	if err := l.initSchemaPostgres(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return l, nil
}

// initSchemaPostgres creates the PostgreSQL tables.
func (l *Ledger) initSchemaPostgres() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id SERIAL PRIMARY KEY,
		experiment_config JSONB NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		start_time TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		end_time TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS profiles (
		profile_id SERIAL PRIMARY KEY,
		profile_name TEXT NOT NULL,
		persona_description TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS experiment_contexts (
		context_name TEXT PRIMARY KEY,
		video_ids JSONB NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS videos (
		video_youtube_id TEXT PRIMARY KEY,
		title TEXT,
		duration_seconds INTEGER,
		last_enriched_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS recommendation_log (
		log_id SERIAL PRIMARY KEY,
		session_id INTEGER NOT NULL REFERENCES sessions(session_id),
		depth INTEGER NOT NULL,
		source_video_id TEXT REFERENCES videos(video_youtube_id),
		recommended_video_id TEXT NOT NULL REFERENCES videos(video_youtube_id),
		recommendation_rank INTEGER NOT NULL,
		recommendation_source TEXT NOT NULL,
		was_selected BOOLEAN NOT NULL DEFAULT false,
		justification TEXT,
		view_count_when_recommended BIGINT,
		was_during_context BOOLEAN NOT NULL DEFAULT false,
		profile_id_at_choice INTEGER,
		choice_method TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS persona_filter_log (
		filter_id SERIAL PRIMARY KEY,
		session_id INTEGER NOT NULL REFERENCES sessions(session_id),
		video_id TEXT NOT NULL,
		was_filtered BOOLEAN NOT NULL,
		filter_justification TEXT,
		video_transcript TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
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
