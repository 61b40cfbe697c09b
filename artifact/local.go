package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalStore is a filesystem-backed Store: one file per artifact under
// baseDir/threadID/artifactID, plus a sibling .mimetype file recording the
// content type (the filesystem has no native metadata slot for it).
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates a LocalStore rooted at baseDir, creating it if
// necessary.
func NewLocalStore(baseDir string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create base dir: %w", err)
	}
	return &LocalStore{baseDir: baseDir}, nil
}

func (s *LocalStore) threadDir(threadID string) string {
	return filepath.Join(s.baseDir, sanitize(threadID))
}

func (s *LocalStore) dataPath(threadID, artifactID string) string {
	return filepath.Join(s.threadDir(threadID), sanitize(artifactID))
}

func (s *LocalStore) mimePath(threadID, artifactID string) string {
	return s.dataPath(threadID, artifactID) + ".mimetype"
}

// sanitize strips path separators and ".." so a thread or artifact id can
// never escape baseDir.
func sanitize(id string) string {
	id = strings.ReplaceAll(id, "/", "_")
	id = strings.ReplaceAll(id, "\\", "_")
	id = strings.ReplaceAll(id, "..", "_")
	return id
}

// Put implements Store.
func (s *LocalStore) Put(ctx context.Context, threadID, artifactID string, blob Blob) (Reference, error) {
	if err := os.MkdirAll(s.threadDir(threadID), 0o755); err != nil {
		return Reference{}, fmt.Errorf("artifact: create thread dir: %w", err)
	}
	if err := os.WriteFile(s.dataPath(threadID, artifactID), blob.Data, 0o644); err != nil {
		return Reference{}, fmt.Errorf("artifact: write blob: %w", err)
	}
	mimeType := blob.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if err := os.WriteFile(s.mimePath(threadID, artifactID), []byte(mimeType), 0o644); err != nil {
		return Reference{}, fmt.Errorf("artifact: write mimetype: %w", err)
	}
	return Reference{
		ThreadID:   threadID,
		ArtifactID: artifactID,
		MimeType:   mimeType,
		Size:       len(blob.Data),
		CreatedAt:  clock(),
	}, nil
}

// Get implements Store.
func (s *LocalStore) Get(ctx context.Context, threadID, artifactID string) (Blob, error) {
	data, err := os.ReadFile(s.dataPath(threadID, artifactID))
	if err != nil {
		if os.IsNotExist(err) {
			return Blob{}, ErrNotFound
		}
		return Blob{}, fmt.Errorf("artifact: read blob: %w", err)
	}
	mimeType, err := os.ReadFile(s.mimePath(threadID, artifactID))
	if err != nil {
		mimeType = []byte("application/octet-stream")
	}
	return Blob{Data: data, MimeType: string(mimeType)}, nil
}

// Delete implements Store.
func (s *LocalStore) Delete(ctx context.Context, threadID, artifactID string) error {
	if err := os.Remove(s.dataPath(threadID, artifactID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("artifact: delete blob: %w", err)
	}
	_ = os.Remove(s.mimePath(threadID, artifactID))
	return nil
}

// List implements Store.
func (s *LocalStore) List(ctx context.Context, threadID string) ([]string, error) {
	entries, err := os.ReadDir(s.threadDir(threadID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("artifact: list thread dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".mimetype") {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}
