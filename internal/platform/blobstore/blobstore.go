// Package blobstore stores named artifacts in a flat namespace. The
// directory backend is what modalities poll for worklist files; the
// in-memory backend serves tests and dry runs.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound    = errors.New("blob not found")
	ErrFileTooLarge    = errors.New("file exceeds maximum allowed size")
	ErrMissingFileName = errors.New("file name is required")
	ErrInvalidFileName = errors.New("file name must not contain a path")
)

// MaxFileSize is the maximum allowed blob size in bytes (16 MB).
const MaxFileSize = 16 * 1024 * 1024

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// BlobMetadata describes a stored blob.
type BlobMetadata struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	Hash      string    `json:"hash"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ext returns the extension of the blob name without the leading dot.
func (m BlobMetadata) Ext() string {
	return strings.TrimPrefix(filepath.Ext(m.Name), ".")
}

// Stem returns the blob name without its extension.
func (m BlobMetadata) Stem() string {
	return strings.TrimSuffix(m.Name, filepath.Ext(m.Name))
}

// ---------------------------------------------------------------------------
// BlobStore interface
// ---------------------------------------------------------------------------

// BlobStore defines the contract for blob storage backends. Put replaces
// any existing blob of the same name; readers never observe a partial
// write. Delete of a missing blob returns ErrBlobNotFound.
type BlobStore interface {
	Put(ctx context.Context, name string, content io.Reader) (*BlobMetadata, error)
	Get(ctx context.Context, name string) (io.ReadCloser, *BlobMetadata, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context, exts ...string) ([]*BlobMetadata, error)
}

func validateName(name string) error {
	if name == "" {
		return ErrMissingFileName
	}
	if name != filepath.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	return nil
}

func readLimited(content io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	return data, nil
}

func hashOf(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

func matchesExt(name string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	for _, e := range exts {
		if strings.EqualFold(ext, strings.TrimPrefix(e, ".")) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Directory implementation
// ---------------------------------------------------------------------------

// tempPrefix marks in-flight writes; List skips them.
const tempPrefix = ".tmp-"

// DirStore keeps each blob as a file directly under Root.
type DirStore struct {
	root string
}

// NewDirStore creates root if needed.
func NewDirStore(root string) (*DirStore, error) {
	if root == "" {
		return nil, errors.New("blobstore: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &DirStore{root: root}, nil
}

// Root returns the backing directory.
func (s *DirStore) Root() string { return s.root }

// Put writes to a temp file in the same directory and renames it over the
// destination, so a polling reader sees either the old or the new file.
func (s *DirStore) Put(_ context.Context, name string, content io.Reader) (*BlobMetadata, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	data, err := readLimited(content)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(s.root, tempPrefix+name+"-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return nil, fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.root, name)); err != nil {
		return nil, fmt.Errorf("rename %s: %w", name, err)
	}

	return &BlobMetadata{
		Name:      name,
		Size:      int64(len(data)),
		Hash:      hashOf(data),
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (s *DirStore) Get(_ context.Context, name string) (io.ReadCloser, *BlobMetadata, error) {
	if err := validateName(name); err != nil {
		return nil, nil, err
	}
	f, err := os.Open(filepath.Join(s.root, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, &BlobMetadata{Name: name, Size: info.Size(), UpdatedAt: info.ModTime().UTC()}, nil
}

func (s *DirStore) Delete(_ context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.root, name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrBlobNotFound
		}
		return err
	}
	return nil
}

// List returns regular files whose extension is one of exts (any when
// empty), sorted by name.
func (s *DirStore) List(_ context.Context, exts ...string) ([]*BlobMetadata, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read blob directory: %w", err)
	}
	var out []*BlobMetadata
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), tempPrefix) || !matchesExt(e.Name(), exts) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		out = append(out, &BlobMetadata{Name: e.Name(), Size: info.Size(), UpdatedAt: info.ModTime().UTC()})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for testing/dev.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

// NewInMemoryBlobStore returns a ready-to-use InMemoryBlobStore.
func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{
		blobs: make(map[string]*storedBlob),
	}
}

func (s *InMemoryBlobStore) Put(_ context.Context, name string, content io.Reader) (*BlobMetadata, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	data, err := readLimited(content)
	if err != nil {
		return nil, err
	}
	meta := BlobMetadata{
		Name:      name,
		Size:      int64(len(data)),
		Hash:      hashOf(data),
		UpdatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.blobs[name] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta // copy
	return &out, nil
}

func (s *InMemoryBlobStore) Get(_ context.Context, name string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[name]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrBlobNotFound
	}

	meta := blob.metadata // copy
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[name]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, name)
	return nil
}

func (s *InMemoryBlobStore) List(_ context.Context, exts ...string) ([]*BlobMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*BlobMetadata
	for name, b := range s.blobs {
		if !matchesExt(name, exts) {
			continue
		}
		m := b.metadata // copy
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Names returns the stored names, sorted.
func (s *InMemoryBlobStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.blobs))
	for name := range s.blobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReadAll is a convenience for callers that want the whole blob.
func ReadAll(ctx context.Context, store BlobStore, name string) ([]byte, error) {
	rc, _, err := store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
