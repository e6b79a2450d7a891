// Package diskstore is the default content.Store: one file per message
// under a root directory, grounded on the teacher's message storage layout
// comment in store/account.go ("<DataDir>/accounts/<name>/msg/<id>") —
// adapted to a single flat content-addressed directory since this core has
// no per-account subtree, just a blob keyed by content hash.
package diskstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Store writes each blob as Root/<aa>/<hash>, where aa is the first two hex
// digits of the SHA-256 content hash (avoids one directory with millions of
// entries, the same fan-out the teacher uses for its per-message files).
type Store struct {
	Root string
}

func New(root string) *Store { return &Store{Root: root} }

func (s *Store) pathFor(hash string) string {
	return filepath.Join(s.Root, hash[:2], hash)
}

func (s *Store) Put(ctx context.Context, raw []byte) (string, error) {
	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])
	path := s.pathFor(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil // content-addressed: identical bytes already stored.
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("diskstore: mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return "", fmt.Errorf("diskstore: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("diskstore: rename: %w", err)
	}
	return hash, nil
}

func (s *Store) Get(ctx context.Context, blobPath string) ([]byte, error) {
	b, err := os.ReadFile(s.pathFor(blobPath))
	if err != nil {
		return nil, fmt.Errorf("diskstore: read %s: %w", blobPath, err)
	}
	return b, nil
}

func (s *Store) Delete(ctx context.Context, blobPath string) error {
	if err := os.Remove(s.pathFor(blobPath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("diskstore: delete %s: %w", blobPath, err)
	}
	return nil
}
