package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrProfileNotFound is returned when a store has no profile for the user.
var ErrProfileNotFound = errors.New("trust: profile not found")

// ProfileStore persists UserTrustProfiles keyed by user id. The engine
// treats a failing store as stale, never as fatal.
type ProfileStore interface {
	Load(ctx context.Context, userID string) (*UserTrustProfile, error)
	Save(ctx context.Context, profile *UserTrustProfile) error
	Delete(ctx context.Context, userID string) error
}

// ============================================================================
// FILE STORE (default)
// ============================================================================

// FileStore is the default store: one JSON file per user under dir,
// named <user_id>_profile.json.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("trust: create profile dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(userID string) string {
	// User ids come from the identity layer but defend against path
	// separators anyway.
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(userID)
	return filepath.Join(s.dir, safe+"_profile.json")
}

func (s *FileStore) Load(ctx context.Context, userID string) (*UserTrustProfile, error) {
	data, err := os.ReadFile(s.path(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("trust: read profile: %w", err)
	}
	var profile UserTrustProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("trust: decode profile: %w", err)
	}
	return &profile, nil
}

func (s *FileStore) Save(ctx context.Context, profile *UserTrustProfile) error {
	data, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return fmt.Errorf("trust: encode profile: %w", err)
	}
	tmp := s.path(profile.UserID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("trust: write profile: %w", err)
	}
	return os.Rename(tmp, s.path(profile.UserID))
}

func (s *FileStore) Delete(ctx context.Context, userID string) error {
	err := os.Remove(s.path(userID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
