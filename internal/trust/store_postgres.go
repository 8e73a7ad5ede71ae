package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresStore keeps one JSONB row per user in trust_profiles.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the connection and ensures the table exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("trust: open postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromDB wraps an existing connection (tests, shared pools).
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS trust_profiles (
			user_id    TEXT PRIMARY KEY,
			profile    JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("trust: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, userID string) (*UserTrustProfile, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT profile FROM trust_profiles WHERE user_id = $1`, userID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("trust: load profile: %w", err)
	}
	var profile UserTrustProfile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, fmt.Errorf("trust: decode profile: %w", err)
	}
	return &profile, nil
}

func (s *PostgresStore) Save(ctx context.Context, profile *UserTrustProfile) error {
	raw, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("trust: encode profile: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trust_profiles (user_id, profile, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET profile = $2, updated_at = now()`,
		profile.UserID, raw)
	if err != nil {
		return fmt.Errorf("trust: save profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM trust_profiles WHERE user_id = $1`, userID)
	return err
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
