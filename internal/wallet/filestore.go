package wallet

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore persists one JSON file per identity under a directory. Records
// contain only sealed key material, but the directory is still created
// 0700 and files 0600.
type FileStore struct {
	dir string
}

// NewFileStore creates the wallet directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating wallet directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// path maps a user id to a filename. Ids are hex-encoded so arbitrary ids
// cannot traverse outside the wallet directory.
func (s *FileStore) path(userID string) string {
	return filepath.Join(s.dir, hex.EncodeToString([]byte(userID))+".json")
}

// Save writes the record atomically: temp file then rename.
func (s *FileStore) Save(_ context.Context, rec *Record) error {
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding wallet record: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".wallet-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting permissions: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("writing wallet record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing wallet record: %w", err)
	}
	return os.Rename(tmpName, s.path(rec.UserID))
}

// Load reads the record for userID, or nil if absent.
func (s *FileStore) Load(_ context.Context, userID string) (*Record, error) {
	raw, err := os.ReadFile(s.path(userID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading wallet record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding wallet record: %w", err)
	}
	return &rec, nil
}

// Delete removes the record file.
func (s *FileStore) Delete(_ context.Context, userID string) error {
	err := os.Remove(s.path(userID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// List reads every record in the directory.
func (s *FileStore) List(_ context.Context) ([]*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing wallet directory: %w", err)
	}
	var out []*Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

var _ Store = (*FileStore)(nil)
