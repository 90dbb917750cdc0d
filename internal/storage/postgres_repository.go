package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"streamcast/internal/models"
)

const postgresOpTimeout = 5 * time.Second

var _ Repository = (*postgresRepository)(nil)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
	now  func() time.Time
}

// NewPostgresRepository opens a Postgres-backed session store and ensures the
// schema exists.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg, now: cfg.Now}
	if repo.now == nil {
		repo.now = time.Now
	}
	if err := repo.ensureSchema(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// Close releases the connection pool, bounded by the provided context.
func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()
	_, err := r.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    title TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT '',
    private BOOLEAN NOT NULL DEFAULT FALSE,
    live BOOLEAN NOT NULL DEFAULT FALSE,
    stream_key_hash TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    started_at TIMESTAMPTZ,
    ended_at TIMESTAMPTZ
)`)
	if err != nil {
		return fmt.Errorf("ensure sessions schema: %w", err)
	}
	_, err = r.pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS sessions_owner_idx ON sessions (owner_id)")
	if err != nil {
		return fmt.Errorf("ensure sessions owner index: %w", err)
	}
	_, err = r.pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS sessions_live_idx ON sessions (live)")
	if err != nil {
		return fmt.Errorf("ensure sessions live index: %w", err)
	}
	return nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return r.pool.Ping(ctx)
}

const sessionColumns = "id, owner_id, title, category, private, live, stream_key_hash, created_at, started_at, ended_at"

func scanSession(row pgx.Row) (models.Session, error) {
	var session models.Session
	err := row.Scan(
		&session.ID,
		&session.OwnerID,
		&session.Title,
		&session.Category,
		&session.Private,
		&session.Live,
		&session.StreamKeyHash,
		&session.CreatedAt,
		&session.StartedAt,
		&session.EndedAt,
	)
	return session, err
}

func (r *postgresRepository) CreateSession(params CreateSessionParams) (models.Session, string, error) {
	owner := strings.TrimSpace(params.OwnerID)
	if owner == "" {
		return models.Session{}, "", fmt.Errorf("owner is required")
	}
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return models.Session{}, "", fmt.Errorf("title is required")
	}
	if len([]rune(title)) > MaxSessionTitleLength {
		return models.Session{}, "", fmt.Errorf("title exceeds %d characters", MaxSessionTitleLength)
	}

	id, err := generateID()
	if err != nil {
		return models.Session{}, "", err
	}
	key, hash, err := generateStreamKey()
	if err != nil {
		return models.Session{}, "", err
	}
	session := models.Session{
		ID:            id,
		OwnerID:       owner,
		Title:         title,
		Category:      strings.TrimSpace(params.Category),
		Private:       params.Private,
		StreamKeyHash: hash,
		CreatedAt:     r.now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	_, err = r.pool.Exec(ctx,
		"INSERT INTO sessions (id, owner_id, title, category, private, live, stream_key_hash, created_at) VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7)",
		session.ID, session.OwnerID, session.Title, session.Category, session.Private, session.StreamKeyHash, session.CreatedAt)
	if err != nil {
		return models.Session{}, "", fmt.Errorf("insert session: %w", err)
	}
	return session, key, nil
}

func (r *postgresRepository) GetSession(id string) (models.Session, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	session, err := scanSession(r.pool.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = $1", id))
	if err != nil {
		return models.Session{}, false
	}
	return session, true
}

func (r *postgresRepository) FindByKey(streamKey string) (models.Session, bool) {
	candidate := strings.TrimSpace(streamKey)
	if candidate == "" {
		return models.Session{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	rows, err := r.pool.Query(ctx, "SELECT "+sessionColumns+" FROM sessions")
	if err != nil {
		return models.Session{}, false
	}
	defer rows.Close()
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return models.Session{}, false
		}
		if session.StreamKeyHash == "" {
			continue
		}
		if verifyStreamKey(session.StreamKeyHash, candidate) == nil {
			return session, true
		}
	}
	return models.Session{}, false
}

func (r *postgresRepository) SetLive(id string, live bool, endedAt *time.Time) (models.Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	now := r.now().UTC()
	var row pgx.Row
	if live {
		row = r.pool.QueryRow(ctx,
			"UPDATE sessions SET live = TRUE, started_at = $2, ended_at = NULL WHERE id = $1 RETURNING "+sessionColumns,
			id, now)
	} else {
		end := now
		if endedAt != nil {
			end = endedAt.UTC()
		}
		row = r.pool.QueryRow(ctx,
			"UPDATE sessions SET live = FALSE, ended_at = $2 WHERE id = $1 RETURNING "+sessionColumns,
			id, end)
	}
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, ErrSessionNotFound
		}
		return models.Session{}, fmt.Errorf("update session live state: %w", err)
	}
	return session, nil
}

func (r *postgresRepository) UpdateSession(id string, update SessionUpdate) (models.Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	current, err := scanSession(r.pool.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, ErrSessionNotFound
		}
		return models.Session{}, fmt.Errorf("load session: %w", err)
	}
	if update.Title != nil {
		title := strings.TrimSpace(*update.Title)
		if title == "" {
			return models.Session{}, fmt.Errorf("title is required")
		}
		current.Title = title
	}
	if update.Category != nil {
		current.Category = strings.TrimSpace(*update.Category)
	}
	if update.Private != nil {
		current.Private = *update.Private
	}
	session, err := scanSession(r.pool.QueryRow(ctx,
		"UPDATE sessions SET title = $2, category = $3, private = $4 WHERE id = $1 RETURNING "+sessionColumns,
		id, current.Title, current.Category, current.Private))
	if err != nil {
		return models.Session{}, fmt.Errorf("update session: %w", err)
	}
	return session, nil
}

func (r *postgresRepository) ListSessions(ownerID string, liveOnly bool) []models.Session {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	query := "SELECT " + sessionColumns + " FROM sessions"
	args := make([]any, 0, 1)
	clauses := make([]string, 0, 2)
	if owner := strings.TrimSpace(ownerID); owner != "" {
		args = append(args, owner)
		clauses = append(clauses, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if liveOnly {
		clauses = append(clauses, "live = TRUE")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return sessions
		}
		sessions = append(sessions, session)
	}
	return sessions
}

func (r *postgresRepository) RotateStreamKey(id string) (models.Session, string, error) {
	key, hash, err := generateStreamKey()
	if err != nil {
		return models.Session{}, "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	session, err := scanSession(r.pool.QueryRow(ctx,
		"UPDATE sessions SET stream_key_hash = $2 WHERE id = $1 RETURNING "+sessionColumns,
		id, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, "", ErrSessionNotFound
		}
		return models.Session{}, "", fmt.Errorf("rotate stream key: %w", err)
	}
	return session, key, nil
}

func (r *postgresRepository) DeleteSession(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	tag, err := r.pool.Exec(ctx, "DELETE FROM sessions WHERE id = $1 AND live = FALSE", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, ok := r.GetSession(id); ok {
			return ErrSessionLive
		}
		return ErrSessionNotFound
	}
	return nil
}
