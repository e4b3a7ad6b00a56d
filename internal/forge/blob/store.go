// Package blob stores run artifacts (plans, context, generated code) by content
// address. Workflow state only ever carries the resulting Ref.
package blob

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

type Kind string

const (
	KindPlan    Kind = "plan"
	KindContext Kind = "context"
	KindCode    Kind = "code"
	KindLog     Kind = "log"
)

// Ref identifies a stored artifact: "blake3:<hex digest>:<kind>".
type Ref string

var ErrNotFound = errors.New("blob not found")

func (r Ref) IsZero() bool { return strings.TrimSpace(string(r)) == "" }

func (r Ref) String() string { return string(r) }

// Parse splits a ref into digest and kind.
func (r Ref) Parse() (string, Kind, error) {
	parts := strings.Split(string(r), ":")
	if len(parts) != 3 || parts[0] != "blake3" {
		return "", "", fmt.Errorf("malformed blob ref %q", string(r))
	}
	if len(parts[1]) != 64 {
		return "", "", fmt.Errorf("malformed blob digest in %q", string(r))
	}
	if _, err := hex.DecodeString(parts[1]); err != nil {
		return "", "", fmt.Errorf("malformed blob digest in %q: %w", string(r), err)
	}
	if parts[2] == "" {
		return "", "", fmt.Errorf("blob ref %q has no kind", string(r))
	}
	return parts[1], Kind(parts[2]), nil
}

func NewRef(data []byte, kind Kind) Ref {
	sum := blake3.Sum256(data)
	return Ref("blake3:" + hex.EncodeToString(sum[:]) + ":" + string(kind))
}

type Store interface {
	Put(ctx context.Context, data []byte, runID string, kind Kind) (Ref, error)
	Get(ctx context.Context, ref Ref) ([]byte, error)
}

// IndexEntry records one artifact written on behalf of a run.
type IndexEntry struct {
	Ref  Ref       `json:"ref"`
	Kind Kind      `json:"kind"`
	Size int       `json:"size"`
	At   time.Time `json:"at"`
}

// FSStore lays blobs out as <root>/<kind>/<digest[:2]>/<digest>. Identical
// payloads of the same kind share one file.
type FSStore struct {
	root string
	mu   sync.Mutex
}

func NewFSStore(root string) (*FSStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("blob root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) Root() string { return s.root }

func (s *FSStore) Put(ctx context.Context, data []byte, runID string, kind Kind) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if kind == "" {
		return "", fmt.Errorf("blob kind is required")
	}
	ref := NewRef(data, kind)
	digest, _, _ := ref.Parse()
	p := s.pathFor(digest, kind)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		if err := writeFileAtomic(p, data); err != nil {
			return "", fmt.Errorf("write blob: %w", err)
		}
	} else if err != nil {
		return "", err
	}
	if strings.TrimSpace(runID) != "" {
		if err := s.appendIndex(runID, IndexEntry{Ref: ref, Kind: kind, Size: len(data), At: time.Now().UTC()}); err != nil {
			return "", fmt.Errorf("update run index: %w", err)
		}
	}
	return ref, nil
}

func (s *FSStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest, kind, err := ref.Parse()
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.pathFor(digest, kind))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return b, err
}

// RunIndex lists the artifacts recorded for runID in write order.
func (s *FSStore) RunIndex(runID string) ([]IndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readIndex(runID)
}

func (s *FSStore) pathFor(digest string, kind Kind) string {
	return filepath.Join(s.root, string(kind), digest[:2], digest)
}

func (s *FSStore) indexPath(runID string) string {
	return filepath.Join(s.root, "runs", runID, "index.json")
}

func (s *FSStore) readIndex(runID string) ([]IndexEntry, error) {
	b, err := os.ReadFile(s.indexPath(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []IndexEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *FSStore) appendIndex(runID string, e IndexEntry) error {
	entries, err := s.readIndex(runID)
	if err != nil {
		return err
	}
	for _, existing := range entries {
		if existing.Ref == e.Ref {
			return nil
		}
	}
	entries = append(entries, e)
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.indexPath(runID), b)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
