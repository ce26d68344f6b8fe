package plugin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// ReadyStore persists the names of plugins that have been activated, so they
// are activated again on the next start.
type ReadyStore interface {
	Write(ctx context.Context, name string) error
	All(ctx context.Context) ([]string, error)
}

// FileReadyStore keeps one file per plugin in a directory. The file name is
// the path-escaped plugin name and the content is the name itself.
type FileReadyStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileReadyStore creates the directory if needed.
func NewFileReadyStore(dir string) (*FileReadyStore, error) {
	if dir == "" {
		return nil, errors.New("ready state directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ready state directory: %w", err)
	}
	return &FileReadyStore{dir: dir}, nil
}

// Dir returns the backing directory.
func (s *FileReadyStore) Dir() string {
	return s.dir
}

// Write records name. Writing a name that is already recorded is a no-op.
func (s *FileReadyStore) Write(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" {
		return errors.New("plugin name cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, url.PathEscape(name))
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat ready state %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".ready-*")
	if err != nil {
		return fmt.Errorf("write ready state %s: %w", name, err)
	}
	if _, err := tmp.WriteString(name); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write ready state %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write ready state %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write ready state %s: %w", name, err)
	}
	return nil
}

// All returns the recorded names sorted and without duplicates.
func (s *FileReadyStore) All(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list ready state: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read ready state %s: %w", entry.Name(), err)
		}
		name := strings.TrimSpace(string(raw))
		if name == "" {
			// Fall back to the file name for records written by hand.
			if name, err = url.PathUnescape(entry.Name()); err != nil {
				continue
			}
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}
