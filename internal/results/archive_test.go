package results

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestExportImport(t *testing.T) {
	src, _ := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		if _, err := src.SaveRun(ctx, sampleRun(base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("SaveRun() error = %v", err)
		}
	}

	path := filepath.Join(t.TempDir(), "archive", "runs.tda")
	header, err := Export(ctx, src, path)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if header.Runs != 2 || header.Compression != "zstd" || !strings.HasPrefix(header.Checksum, "sha256:") {
		t.Errorf("header = %+v", header)
	}

	readHeader, runs, err := ReadArchive(path)
	if err != nil {
		t.Fatalf("ReadArchive() error = %v", err)
	}
	if readHeader.Checksum != header.Checksum || len(runs) != 2 {
		t.Fatalf("ReadArchive() = %+v, %d runs", readHeader, len(runs))
	}
	if runs[0].Config == "" || len(runs[0].FoldScores) != 3 || len(runs[0].Examples) != 2 {
		t.Errorf("archived run lost data: %+v", runs[0])
	}

	dst, _ := openTestStore(t)
	imported, skipped, err := Import(ctx, dst, path)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if imported != 2 || skipped != 0 {
		t.Errorf("Import() = %d imported, %d skipped", imported, skipped)
	}

	imported, skipped, err = Import(ctx, dst, path)
	if err != nil {
		t.Fatalf("second Import() error = %v", err)
	}
	if imported != 0 || skipped != 2 {
		t.Errorf("second Import() = %d imported, %d skipped", imported, skipped)
	}

	got, err := dst.GetRun(ctx, runs[1].ID)
	if err != nil {
		t.Fatalf("GetRun() after import error = %v", err)
	}
	if got.Config != runs[1].Config || got.MeanScore != 0.75 {
		t.Errorf("imported run = %+v", got)
	}
}

func TestReadArchive_Corrupted(t *testing.T) {
	src, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := src.SaveRun(ctx, sampleRun(time.Now())); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "runs.tda")
	if _, err := Export(ctx, src, path); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, _, err := ReadArchive(path); err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("ReadArchive() error = %v, want checksum mismatch", err)
	}
}

func TestReadArchive_BadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.tda")
	if err := os.WriteFile(path, []byte(`{"version":9}`+"\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := ReadArchive(path); err == nil || !strings.Contains(err.Error(), "unsupported archive version") {
		t.Errorf("ReadArchive() error = %v", err)
	}
}
