package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sgu731/studycap/internal/config"
	"github.com/sgu731/studycap/internal/protocol"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a recording id does not exist.
var ErrNotFound = errors.New("recording not found")

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Event represents a journaled session event.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Recording is a stored session artifact.
type Recording struct {
	ID                  int64     `json:"id"`
	SessionID           string    `json:"session_id"`
	Title               string    `json:"title"`
	Audio               []byte    `json:"-"`
	AudioMIME           string    `json:"audio_mime,omitempty"`
	AudioSize           int       `json:"audio_size"`
	DurationSeconds     int       `json:"duration_seconds"`
	Transcript          []string  `json:"transcript"`
	Translation         []string  `json:"translation"`
	RecognitionLanguage string    `json:"recognition_language,omitempty"`
	TranslationLanguage string    `json:"translation_language,omitempty"`
	StartedAt           time.Time `json:"started_at"`
	CreatedAt           time.Time `json:"created_at"`
}

// Store wraps the SQLite-backed recording store and session event journal.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    recognition_language TEXT,
    translation_language TEXT,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT,
    payload BLOB,
    created_at TEXT NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE TABLE IF NOT EXISTS recordings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL UNIQUE,
    title TEXT NOT NULL,
    audio BLOB,
    audio_mime TEXT,
    duration_seconds INTEGER NOT NULL,
    transcript TEXT NOT NULL,
    translation TEXT NOT NULL,
    recognition_language TEXT,
    translation_language TEXT,
    started_at TEXT NOT NULL,
    created_at TEXT NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_recordings_created ON recordings(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

func (s *Store) now() string {
	return formatTime(s.clock())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	ts, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// AppendSession ensures a session row exists.
func (s *Store) AppendSession(ctx context.Context, sessionID, recognitionLang, translationLang string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, recognition_language, translation_language, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   recognition_language=COALESCE(NULLIF(excluded.recognition_language, ''), sessions.recognition_language),
		   translation_language=COALESCE(NULLIF(excluded.translation_language, ''), sessions.translation_language)`,
		sessionID, recognitionLang, translationLang, s.now())
	return err
}

// AppendEvent writes an event into the journal.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	created := s.now()
	if !evt.CreatedAt.IsZero() {
		created = formatTime(evt.CreatedAt)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Payload, created)
	return err
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Notify journals a session event. Tick and interim events are not kept.
func (s *Store) Notify(ev protocol.SessionEvent) {
	if s.disabled() {
		return
	}
	switch ev.Type {
	case protocol.EventTick, protocol.EventInterim:
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.AppendSession(ctx, ev.SessionID, "", ""); err != nil {
		s.log.Warn("journal session failed", slog.String("session_id", ev.SessionID), slog.String("error", err.Error()))
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn("encode session event failed", slog.String("error", err.Error()))
		return
	}
	if err := s.AppendEvent(ctx, Event{SessionID: ev.SessionID, Type: ev.Type, Payload: payload, CreatedAt: ev.Timestamp}); err != nil {
		s.log.Warn("journal event failed", slog.String("session_id", ev.SessionID), slog.String("type", ev.Type), slog.String("error", err.Error()))
	}
}

// Upload stores a finished recording. In ephemeral mode nothing is kept and
// the acknowledgement reports Stored=false.
func (s *Store) Upload(ctx context.Context, rec protocol.RecordingUpload) (protocol.UploadAck, error) {
	storedAt := s.clock().UTC()
	if s.disabled() {
		return protocol.UploadAck{Stored: false, StoredAt: storedAt}, nil
	}
	if rec.SessionID == "" {
		return protocol.UploadAck{}, errors.New("recording session id required")
	}
	transcript, err := json.Marshal(nonNil(rec.Transcript))
	if err != nil {
		return protocol.UploadAck{}, fmt.Errorf("encode transcript: %w", err)
	}
	translation, err := json.Marshal(nonNil(rec.Translation))
	if err != nil {
		return protocol.UploadAck{}, fmt.Errorf("encode translation: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.UploadAck{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, recognition_language, translation_language, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   recognition_language=excluded.recognition_language,
		   translation_language=excluded.translation_language`,
		rec.SessionID, rec.RecognitionLanguage, rec.TranslationLanguage, formatTime(storedAt)); err != nil {
		return protocol.UploadAck{}, fmt.Errorf("upsert session: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO recordings(session_id, title, audio, audio_mime, duration_seconds, transcript, translation,
		   recognition_language, translation_language, started_at, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Title, rec.AudioBytes, rec.AudioMIME, rec.DurationSeconds, string(transcript), string(translation),
		rec.RecognitionLanguage, rec.TranslationLanguage, formatTime(rec.StartedAt), formatTime(storedAt))
	if err != nil {
		return protocol.UploadAck{}, fmt.Errorf("insert recording: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return protocol.UploadAck{}, err
	}
	if err := tx.Commit(); err != nil {
		return protocol.UploadAck{}, err
	}
	s.log.Info("recording stored",
		slog.Int64("recording_id", id),
		slog.String("session_id", rec.SessionID),
		slog.Int("duration_seconds", rec.DurationSeconds),
		slog.Int("audio_bytes", len(rec.AudioBytes)),
	)
	return protocol.UploadAck{RecordingID: id, Stored: true, StoredAt: storedAt}, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// ListRecordings returns the newest recordings first, without audio payloads.
func (s *Store) ListRecordings(ctx context.Context, limit int) ([]Recording, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, title, NULL, audio_mime, length(audio), duration_seconds, transcript, translation,
		   recognition_language, translation_language, started_at, created_at
		 FROM recordings ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRecording loads a recording including its audio.
func (s *Store) GetRecording(ctx context.Context, id int64) (Recording, error) {
	if s.disabled() {
		return Recording{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, title, audio, audio_mime, length(audio), duration_seconds, transcript, translation,
		   recognition_language, translation_language, started_at, created_at
		 FROM recordings WHERE id = ?`, id)
	r, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Recording{}, ErrNotFound
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecording(row scanner) (Recording, error) {
	var (
		r                    Recording
		audioSize            sql.NullInt64
		mime, recLang, trans sql.NullString
		transcript, translat string
		started, created     string
	)
	if err := row.Scan(&r.ID, &r.SessionID, &r.Title, &r.Audio, &mime, &audioSize, &r.DurationSeconds,
		&transcript, &translat, &recLang, &trans, &started, &created); err != nil {
		return Recording{}, err
	}
	r.AudioMIME = mime.String
	r.AudioSize = int(audioSize.Int64)
	r.RecognitionLanguage = recLang.String
	r.TranslationLanguage = trans.String
	r.StartedAt = parseTime(started)
	r.CreatedAt = parseTime(created)
	if err := json.Unmarshal([]byte(transcript), &r.Transcript); err != nil {
		return Recording{}, fmt.Errorf("decode transcript: %w", err)
	}
	if err := json.Unmarshal([]byte(translat), &r.Translation); err != nil {
		return Recording{}, fmt.Errorf("decode translation: %w", err)
	}
	return r, nil
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := formatTime(s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour))
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RunRetention prunes on every interval until ctx is done.
func (s *Store) RunRetention(ctx context.Context, interval time.Duration) error {
	if s.disabled() || interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
