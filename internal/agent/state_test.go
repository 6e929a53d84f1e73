// internal/agent/state_test.go
package agent

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStateReadWrite(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "nested", "auth.offset")

	// Initially should report no offset
	_, ok, err := ReadOffset(statePath)
	if err != nil {
		t.Fatalf("ReadOffset (missing file) error: %v", err)
	}
	if ok {
		t.Error("expected ok=false for missing file")
	}

	if err := WriteOffset(statePath, 4096); err != nil {
		t.Fatalf("WriteOffset error: %v", err)
	}

	// Read it back
	offset, ok, err := ReadOffset(statePath)
	if err != nil {
		t.Fatalf("ReadOffset error: %v", err)
	}
	if !ok || offset != 4096 {
		t.Errorf("ReadOffset = %d, %v, want 4096, true", offset, ok)
	}
}

func TestStateCorruptFile(t *testing.T) {
	tests := []string{"not an offset", "-12", ""}
	for _, content := range tests {
		statePath := filepath.Join(t.TempDir(), "auth.offset")
		os.WriteFile(statePath, []byte(content), 0644)

		// Should report no offset (start at end of file)
		_, ok, err := ReadOffset(statePath)
		if err != nil {
			t.Fatalf("ReadOffset (%q) error: %v", content, err)
		}
		if ok {
			t.Errorf("expected ok=false for corrupt content %q", content)
		}
	}
}
