package results

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/nvandessel/tdecode/internal/pathutil"
)

// ArchiveVersion is the current archive format version.
const ArchiveVersion = 1

// MaxArchiveSize is the maximum decompressed size of an archive payload (200MB).
const MaxArchiveSize = 200 * 1024 * 1024

// ArchiveHeader is the plain-text first line of an archive file. The rest of
// the file is the zstd-compressed JSON list of runs.
type ArchiveHeader struct {
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	Checksum    string    `json:"checksum"`
	Runs        int       `json:"runs"`
	Compression string    `json:"compression"`
}

// archivedRun keeps the config snapshot, which Run leaves out of its JSON.
type archivedRun struct {
	Run
	Config string `json:"config,omitempty"`
}

// Export writes every run in s, with fold scores and examples, to an
// archive at path.
func Export(ctx context.Context, s *Store, path string) (*ArchiveHeader, error) {
	list, err := s.ListRuns(ctx, 0)
	if err != nil {
		return nil, err
	}
	runs := make([]archivedRun, 0, len(list))
	for _, r := range list {
		full, err := s.GetRun(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		runs = append(runs, archivedRun{Run: *full, Config: full.Config})
	}

	payload, err := json.Marshal(runs)
	if err != nil {
		return nil, fmt.Errorf("marshaling runs: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	compressed := enc.EncodeAll(payload, nil)
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("closing zstd encoder: %w", err)
	}

	header := &ArchiveHeader{
		Version:     ArchiveVersion,
		CreatedAt:   time.Now().UTC(),
		Checksum:    checksum(compressed),
		Runs:        len(runs),
		Compression: "zstd",
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshaling header: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("creating archive %s: %w", pathutil.RedactPath(path), err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	w.Write(headerBytes)
	w.WriteByte('\n')
	w.Write(compressed)
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("writing archive: %w", err)
	}
	return header, nil
}

// ReadArchive reads an archive, verifies its checksum and returns its runs.
func ReadArchive(path string) (*ArchiveHeader, []Run, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening archive %s: %w", pathutil.RedactPath(path), err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	headerLine, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, nil, fmt.Errorf("reading header line: %w", err)
	}
	var header ArchiveHeader
	if err := json.Unmarshal(bytes.TrimSpace(headerLine), &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}
	if header.Version != ArchiveVersion {
		return nil, nil, fmt.Errorf("unsupported archive version %d", header.Version)
	}

	compressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, nil, fmt.Errorf("reading compressed payload: %w", err)
	}
	if actual := checksum(compressed); actual != header.Checksum {
		return nil, nil, fmt.Errorf("checksum mismatch: expected %s, got %s", header.Checksum, actual)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxArchiveSize))
	if err != nil {
		return nil, nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()
	payload, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("decompressing payload: %w", err)
	}

	var archived []archivedRun
	if err := json.Unmarshal(payload, &archived); err != nil {
		return nil, nil, fmt.Errorf("parsing runs: %w", err)
	}
	runs := make([]Run, len(archived))
	for i, a := range archived {
		runs[i] = a.Run
		runs[i].Config = a.Config
	}
	return &header, runs, nil
}

// Import adds the runs of an archive to s. Runs whose id already exists are
// skipped.
func Import(ctx context.Context, s *Store, path string) (imported, skipped int, err error) {
	_, runs, err := ReadArchive(path)
	if err != nil {
		return 0, 0, err
	}
	for i := range runs {
		if _, err := s.GetRun(ctx, runs[i].ID); err == nil {
			skipped++
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return imported, skipped, err
		}
		if _, err := s.SaveRun(ctx, &runs[i]); err != nil {
			return imported, skipped, err
		}
		imported++
	}
	return imported, skipped, nil
}

func checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}
