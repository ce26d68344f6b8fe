package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingWriterShiftsBackups(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	w, err := newRotatingWriter(path, 1, 2, 1)
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	defer w.Close()
	w.maxSize = 16

	for _, line := range []string{"first-entry-xx\n", "second-entry-x\n", "third-entry-xx\n"} {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	current, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current: %v", err)
	}
	if !strings.HasPrefix(string(current), "third") {
		t.Fatalf("unexpected current file: %q", current)
	}
	older, err := os.ReadFile(path + ".2")
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if !strings.HasPrefix(string(older), "first") {
		t.Fatalf("unexpected oldest backup: %q", older)
	}
}

func TestNamedTagsComponent(t *testing.T) {
	t.Parallel()

	if Named("scheduler") == nil {
		t.Fatalf("expected named logger")
	}
	if Discard().Enabled(context.Background(), 8) {
		t.Fatalf("discard logger should drop error records")
	}
}
