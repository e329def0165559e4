package archive

import (
	"bytes"
	"errors"
	"io"
	"os"
	fp "path/filepath"
	"testing"

	"github.com/tjanez/tus/core/model"
)

func writeStream(t *testing.T, dir string, data []byte, maxChunkBytes int64) *Manifest {
	t.Helper()

	w, err := NewWriter(dir, maxChunkBytes, "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}

	manifest, err := w.Close()
	if err != nil {
		t.Fatal(err)
	}

	return manifest
}

func readStream(t *testing.T, ref string) []byte {
	t.Helper()

	r, err := NewReader(ref)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}

	return data
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte("abcde"), 50) // 250 bytes

	manifest := writeStream(t, dir, data, 100)

	if len(manifest.Chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(manifest.Chunks))
	}
	for i, want := range []int64{100, 100, 50} {
		if manifest.Chunks[i].Length != want {
			t.Errorf("chunk %d length = %d, want %d", i, manifest.Chunks[i].Length, want)
		}
	}
	if manifest.TotalLength != 250 {
		t.Errorf("total length = %d, want 250", manifest.TotalLength)
	}

	if got := readStream(t, dir); !bytes.Equal(got, data) {
		t.Error("restored stream does not match original")
	}
}

func TestRoundTripEmptyStream(t *testing.T) {
	dir := t.TempDir()

	manifest := writeStream(t, dir, nil, 100)

	if len(manifest.Chunks) != 1 || manifest.Chunks[0].Length != 0 {
		t.Fatalf("empty stream should yield exactly one zero-length chunk, got %+v", manifest.Chunks)
	}

	if got := readStream(t, dir); len(got) != 0 {
		t.Errorf("restored %d bytes from empty backup", len(got))
	}
}

func TestRoundTripExactMultiple(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte{0x42}, 300)

	manifest := writeStream(t, dir, data, 100)

	if len(manifest.Chunks) != 3 {
		t.Fatalf("got %d chunks, want 3 (no trailing empty chunk)", len(manifest.Chunks))
	}

	if got := readStream(t, dir); !bytes.Equal(got, data) {
		t.Error("restored stream does not match original")
	}
}

func TestRoundTripSmallWrites(t *testing.T) {
	dir := t.TempDir()
	data := []byte("0123456789abcdef0123456789abcdef")

	w, err := NewWriter(dir, 7, "")
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range data {
		if _, err := w.Write([]byte{b}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := w.Close(); err != nil {
		t.Fatal(err)
	}

	if got := readStream(t, dir); !bytes.Equal(got, data) {
		t.Error("restored stream does not match original")
	}
}

func TestManifestContiguity(t *testing.T) {
	dir := t.TempDir()
	manifest := writeStream(t, dir, bytes.Repeat([]byte{1}, 250), 100)

	for i := 0; i < len(manifest.Chunks)-1; i++ {
		if manifest.Chunks[i].End() != manifest.Chunks[i+1].Start {
			t.Errorf("chunk %d ends at %d but chunk %d starts at %d",
				i, manifest.Chunks[i].End(), i+1, manifest.Chunks[i+1].Start)
		}
	}
}

func TestChunkBoundaryCallback(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, 100, "")
	if err != nil {
		t.Fatal(err)
	}

	var seen []model.Chunk
	w.OnChunkClose = func(c model.Chunk) { seen = append(seen, c) }

	if _, err := w.Write(bytes.Repeat([]byte{0}, 250)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Close(); err != nil {
		t.Fatal(err)
	}

	if len(seen) != 3 {
		t.Fatalf("callback fired %d times, want 3", len(seen))
	}
	for i, c := range seen {
		if c.Index != i {
			t.Errorf("callback %d reported chunk index %d", i, c.Index)
		}
	}
}

func TestReaderRejectsTruncatedChunk(t *testing.T) {
	dir := t.TempDir()
	writeStream(t, dir, bytes.Repeat([]byte{3}, 250), 100)

	if err := os.Truncate(fp.Join(dir, GetChunkFilename(1)), 40); err != nil {
		t.Fatal(err)
	}

	_, err := NewReader(dir)
	if !errors.Is(err, ErrManifestCorrupt) {
		t.Errorf("got %v, want ErrManifestCorrupt", err)
	}
}

func TestReaderRejectsMissingChunk(t *testing.T) {
	dir := t.TempDir()
	writeStream(t, dir, bytes.Repeat([]byte{3}, 250), 100)

	if err := os.Remove(fp.Join(dir, GetChunkFilename(2))); err != nil {
		t.Fatal(err)
	}

	_, err := NewReader(dir)
	if !errors.Is(err, ErrManifestCorrupt) {
		t.Errorf("got %v, want ErrManifestCorrupt", err)
	}
}

func TestReaderRejectsUnfinalizedManifest(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, 100, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(bytes.Repeat([]byte{9}, 150)); err != nil {
		t.Fatal(err)
	}
	// Crash before Close: manifest has a header and one chunk record but no
	// final record.
	w.Abort()

	_, err = NewReader(dir)
	if !errors.Is(err, ErrManifestNotFinalized) {
		t.Errorf("got %v, want ErrManifestNotFinalized", err)
	}
}

func TestReaderDetectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	writeStream(t, dir, bytes.Repeat([]byte{7}, 250), 100)

	// Same length, different content.
	path := fp.Join(dir, GetChunkFilename(1))
	if err := os.WriteFile(path, bytes.Repeat([]byte{8}, 100), 0644); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	_, err = io.ReadAll(r)
	if !errors.Is(err, ErrManifestCorrupt) {
		t.Errorf("got %v, want ErrManifestCorrupt", err)
	}
}

func TestWriterUnwritableDirectoryKeepsClosedChunks(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}

	dir := t.TempDir()
	data := bytes.Repeat([]byte("vwxyz"), 50) // 250 bytes

	w, err := NewWriter(dir, 100, "")
	if err != nil {
		t.Fatal(err)
	}

	// The first 200 bytes durably close chunk 0 and fill chunk 1.
	if _, err := w.Write(data[:200]); err != nil {
		t.Fatal(err)
	}

	if err := os.Chmod(dir, 0555); err != nil {
		t.Fatal(err)
	}
	defer os.Chmod(dir, 0755)

	// The next write has to rotate to chunk 2, which can no longer be created.
	_, err = w.Write(data[200:])
	if !errors.Is(err, os.ErrPermission) {
		t.Fatalf("got %v, want a permission error", err)
	}
	w.Abort()

	// The chunks closed before the failure stay valid and independently
	// readable.
	for i, want := range [][]byte{data[:100], data[100:200]} {
		got, err := os.ReadFile(fp.Join(dir, GetChunkFilename(i)))
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("chunk %d content does not match its stream slice", i)
		}
	}

	if _, err := NewReader(dir); !errors.Is(err, ErrManifestNotFinalized) {
		t.Errorf("got %v, want ErrManifestNotFinalized", err)
	}
}

func TestWriterRejectsInvalidChunkSize(t *testing.T) {
	if _, err := NewWriter(t.TempDir(), 0, ""); !errors.Is(err, ErrInvalidChunkSize) {
		t.Errorf("got %v, want ErrInvalidChunkSize", err)
	}
	if _, err := NewWriter(t.TempDir(), -5, ""); !errors.Is(err, ErrInvalidChunkSize) {
		t.Errorf("got %v, want ErrInvalidChunkSize", err)
	}
}

func TestWriterRefusesExistingManifest(t *testing.T) {
	dir := t.TempDir()
	writeStream(t, dir, []byte("x"), 100)

	if _, err := NewWriter(dir, 100, ""); err == nil {
		t.Error("second writer over the same directory should fail")
	}
}
