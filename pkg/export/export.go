// Package export archives finished run traces to durable storage.
// Objects are content-addressed: the key is the SHA-256 of the trace
// bytes, so exporting the same trace twice is a no-op and an archived
// trace can never be overwritten with different content. There is no
// delete operation; archived traces are immutable.
package export

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Uploader archives trace bytes under a content-addressed key.
type Uploader interface {
	// Upload persists the trace and returns its address ("sha256:<hex>").
	Upload(ctx context.Context, trace []byte) (string, error)
	// Fetch retrieves an archived trace by address.
	Fetch(ctx context.Context, addr string) ([]byte, error)
	// Exists reports whether an address is already archived.
	Exists(ctx context.Context, addr string) (bool, error)
	Close() error
}

const addrPrefix = "sha256:"

// Address returns the content address of a trace without uploading it.
func Address(trace []byte) string {
	sum := sha256.Sum256(trace)
	return addrPrefix + hex.EncodeToString(sum[:])
}

// objectName maps an address to the backend object name. Traces are
// JSONL, so the extension reflects that.
func objectName(prefix, addr string) (string, error) {
	raw, ok := strings.CutPrefix(addr, addrPrefix)
	if !ok {
		return "", fmt.Errorf("export: invalid address format: %s", addr)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("export: invalid address hex: %w", err)
	}
	return prefix + raw + ".jsonl", nil
}

// DirUploader archives traces into a local directory. It is the default
// backend and the reference implementation for the others.
type DirUploader struct {
	baseDir string
	mu      sync.RWMutex
}

// NewDir creates a directory-backed archive, creating the directory if
// needed.
func NewDir(baseDir string) (*DirUploader, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("export: ensure archive dir: %w", err)
	}
	return &DirUploader{baseDir: baseDir}, nil
}

func (d *DirUploader) Upload(_ context.Context, trace []byte) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	addr := Address(trace)
	name, err := objectName("", addr)
	if err != nil {
		return "", err
	}
	path := filepath.Join(d.baseDir, name)

	if _, err := os.Stat(path); err == nil {
		return addr, nil
	}

	// Write to temp, then rename, so a crash never leaves a partial
	// object under the final name.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, trace, 0o644); err != nil {
		return "", fmt.Errorf("export: write trace: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("export: commit trace: %w", err)
	}
	return addr, nil
}

func (d *DirUploader) Fetch(_ context.Context, addr string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	name, err := objectName("", addr)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(d.baseDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("export: trace not archived: %s", addr)
		}
		return nil, fmt.Errorf("export: read trace: %w", err)
	}
	return data, nil
}

func (d *DirUploader) Exists(_ context.Context, addr string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	name, err := objectName("", addr)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(d.baseDir, name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("export: stat trace: %w", err)
}

func (d *DirUploader) Close() error { return nil }
