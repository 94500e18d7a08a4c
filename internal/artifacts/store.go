package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"steward/internal/domain"
	"steward/internal/repo"
)

// ErrNotFound is returned when no blob exists for a hash.
var ErrNotFound = errors.New("artifact not found")

var hexKey = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Store is a content-addressed blob store. Keys are the SHA-256 hex digest
// of the content, so the same bytes always land at the same path and a
// repeated put is a no-op.
type Store struct {
	Root string
	Repo repo.Repo
	Now  func() time.Time
}

func NewStore(root string, r repo.Repo) *Store {
	return &Store{Root: root, Repo: r, Now: time.Now}
}

// path shards blobs two levels deep (ab/cd/abcd...) to keep directory
// listings manageable.
func (s *Store) path(key string) string {
	return filepath.Join(s.Root, key[:2], key[2:4], key)
}

// ValidKey reports whether key is a lowercase sha256 hex digest.
func ValidKey(key string) bool {
	return hexKey.MatchString(key)
}

// Put stores content and returns its key. The blob is written to a temp
// file and renamed into place, so readers never observe partial content.
// Writing the same content twice succeeds and leaves one copy.
func (s *Store) Put(ctx context.Context, name, target string, r io.Reader) (string, int64, error) {
	if err := os.MkdirAll(s.Root, 0o755); err != nil {
		return "", 0, err
	}
	tmp, err := os.CreateTemp(s.Root, "put-*")
	if err != nil {
		return "", 0, err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}
	key := hex.EncodeToString(h.Sum(nil))

	dst := s.path(key)
	if _, err := os.Stat(dst); err == nil {
		// Content already present; idempotent.
	} else {
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return "", 0, err
		}
		if err := os.Rename(tmp.Name(), dst); err != nil {
			return "", 0, err
		}
	}

	rec := domain.ArtifactRecord{
		SHA256:    key,
		Name:      name,
		SizeBytes: size,
		Target:    target,
		CreatedAt: s.Now().UTC().Format(time.RFC3339),
	}
	if err := s.Repo.InsertArtifact(ctx, rec); err != nil {
		return "", 0, fmt.Errorf("record artifact %s: %w", key, err)
	}
	return key, size, nil
}

// Get opens the blob for a key. The caller closes the reader.
func (s *Store) Get(key string) (io.ReadCloser, error) {
	if !ValidKey(key) {
		return nil, fmt.Errorf("invalid artifact key %q", key)
	}
	f, err := os.Open(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// Stat returns the metadata record for a key.
func (s *Store) Stat(ctx context.Context, key string) (domain.ArtifactRecord, error) {
	if !ValidKey(key) {
		return domain.ArtifactRecord{}, fmt.Errorf("invalid artifact key %q", key)
	}
	rec, err := s.Repo.GetArtifact(ctx, key)
	if errors.Is(err, repo.ErrNotFound) {
		return rec, ErrNotFound
	}
	return rec, err
}

// Exists reports whether the blob is on disk.
func (s *Store) Exists(key string) bool {
	if !ValidKey(key) {
		return false
	}
	_, err := os.Stat(s.path(key))
	return err == nil
}

// List returns artifact metadata, newest first.
func (s *Store) List(ctx context.Context, target string, limit int) ([]domain.ArtifactRecord, error) {
	return s.Repo.ListArtifacts(ctx, target, limit)
}
