package jsonl

import (
	"os"
	"path/filepath"
	"testing"
)

type rec struct {
	N int `json:"n"`
}

func TestAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "log.jsonl")

	if err := Append(path, rec{1}, rec{2}); err != nil {
		t.Fatal(err)
	}
	if err := Append(path, rec{3}); err != nil {
		t.Fatal(err)
	}

	got, skipped, err := Read[rec](path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if skipped != 0 {
		t.Errorf("expected 0 skipped, got %d", skipped)
	}
	if len(got) != 3 || got[0].N != 1 || got[2].N != 3 {
		t.Fatalf("unexpected records %+v", got)
	}
}

func TestReadMissingFile(t *testing.T) {
	got, skipped, err := Read[rec](filepath.Join(t.TempDir(), "nope.jsonl"), nil)
	if err != nil || len(got) != 0 || skipped != 0 {
		t.Fatalf("Read missing = %v, %d, %v", got, skipped, err)
	}
}

func TestReadDropsTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	if err := os.WriteFile(path, []byte("{\"n\":1}\n{\"n\":2}\n{\"n\":"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, skipped, err := Read[rec](path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if skipped != 1 {
		t.Errorf("expected 1 skipped, got %d", skipped)
	}
}

func TestAppendAfterTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	if err := os.WriteFile(path, []byte("{\"n\":1}\n{\"n\":"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Append(path, rec{2}); err != nil {
		t.Fatal(err)
	}

	got, skipped, err := Read[rec](path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].N != 1 || got[1].N != 2 {
		t.Fatalf("expected records 1 and 2, got %+v", got)
	}
	if skipped != 1 {
		t.Errorf("expected the torn fragment skipped, got %d skipped", skipped)
	}
}

func TestReadSkipsMalformedMiddleLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	if err := os.WriteFile(path, []byte("{\"n\":1}\nnot json\n{\"n\":3}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, skipped, err := Read[rec](path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].N != 3 {
		t.Fatalf("unexpected records %+v", got)
	}
	if skipped != 1 {
		t.Errorf("expected 1 skipped, got %d", skipped)
	}
}

func TestRewriteReplacesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	Append(path, rec{1}, rec{2}, rec{3})

	if err := Rewrite(path, []rec{{2}}); err != nil {
		t.Fatal(err)
	}
	got, _, _ := Read[rec](path, nil)
	if len(got) != 1 || got[0].N != 2 {
		t.Fatalf("unexpected records after rewrite %+v", got)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected temp files to be cleaned up, dir has %d entries", len(entries))
	}
}
