package mediastore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteJSON_ReplacesWithoutLeavingTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "v1.mp4.info.json")
	if err := WriteJSON(path, Info{ResourceID: "v1", StrategyUsed: "fetch-tool"}); err != nil {
		t.Fatal(err)
	}
	if err := WriteJSON(path, Info{ResourceID: "v1", StrategyUsed: "browser"}); err != nil {
		t.Fatal(err)
	}

	var got Info
	if err := ReadJSON(path, &got); err != nil {
		t.Fatal(err)
	}
	if got.StrategyUsed != "browser" {
		t.Fatalf("expected second write to win, got %+v", got)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the target file, found %d entries", len(entries))
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o644 {
		t.Fatalf("unexpected mode %v", st.Mode().Perm())
	}
}
