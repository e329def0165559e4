package archive

import (
	"errors"
	"fmt"
	"os"
	fp "path/filepath"
	"syscall"

	"github.com/tjanez/tus/core/model"
	"github.com/tjanez/tus/lib/checksum"
)

var (
	ErrInvalidChunkSize = errors.New("max chunk size must be positive")
	ErrSpaceExceeded    = errors.New("backup directory is out of space")
	ErrWriterClosed     = errors.New("chunk writer is closed")
)

// Writer splits one logical byte stream into size-bounded chunk files inside
// a backup directory, recording each closed chunk in the manifest. Chunk
// boundaries are determined purely by byte count, never by content.
type Writer struct {
	dir           string
	maxChunkBytes int64

	mf     *manifestFile
	chunks []model.Chunk

	cur        *os.File
	curIndex   int
	curStart   int64
	curWritten int64
	digest     *checksum.Digest

	closed bool

	// OnChunkClose, when set, is invoked after each chunk has been durably
	// closed and recorded in the manifest.
	OnChunkClose func(model.Chunk)
}

// NewWriter opens a chunk writer over the given directory. The directory must
// exist and must not already contain a manifest.
func NewWriter(dir string, maxChunkBytes int64, codec string) (*Writer, error) {
	if maxChunkBytes <= 0 {
		return nil, ErrInvalidChunkSize
	}

	mf, err := createManifestFile(dir, codec)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		dir:           dir,
		maxChunkBytes: maxChunkBytes,
		mf:            mf,
		digest:        checksum.New(),
	}

	if err := w.openChunk(); err != nil {
		mf.close()
		return nil, err
	}

	return w, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}

	total := 0
	for len(p) > 0 {
		if w.curWritten == w.maxChunkBytes {
			if err := w.rotateChunk(); err != nil {
				return total, err
			}
		}

		n := int64(len(p))
		if room := w.maxChunkBytes - w.curWritten; n > room {
			n = room
		}

		written, err := w.cur.Write(p[:n])
		w.digest.Write(p[:written])
		w.curWritten += int64(written)
		total += written
		if err != nil {
			return total, wrapWriteErr(err)
		}

		p = p[n:]
	}

	return total, nil
}

// Close closes the final chunk regardless of fullness, finalizes the manifest
// and syncs both to disk. A stream of length zero still yields one chunk of
// length zero so restore never waits on a chunk that will not arrive.
func (w *Writer) Close() (*Manifest, error) {
	if w.closed {
		return nil, ErrWriterClosed
	}
	w.closed = true

	if err := w.closeChunk(); err != nil {
		w.mf.close()
		return nil, err
	}

	total := int64(0)
	if n := len(w.chunks); n > 0 {
		total = w.chunks[n-1].End()
	}

	if err := w.mf.finalize(total, len(w.chunks)); err != nil {
		w.mf.close()
		return nil, err
	}
	if err := w.mf.close(); err != nil {
		return nil, fmt.Errorf("close manifest: %w", err)
	}

	return &Manifest{
		Chunks:      w.chunks,
		TotalLength: total,
		Finalized:   true,
	}, nil
}

// Abort closes open file handles without finalizing the manifest. Already
// written chunk files are left in place for forensic inspection.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true

	if w.cur != nil {
		w.cur.Close()
	}
	w.mf.close()
}

func (w *Writer) openChunk() error {
	name := GetChunkFilename(w.curIndex)
	f, err := os.OpenFile(fp.Join(w.dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return wrapWriteErr(err)
	}

	w.cur = f
	w.curWritten = 0
	w.digest.Reset()

	return nil
}

// closeChunk durably closes the current chunk and appends its descriptor to
// the manifest.
func (w *Writer) closeChunk() error {
	if err := w.cur.Sync(); err != nil {
		w.cur.Close()
		return wrapWriteErr(err)
	}
	if err := w.cur.Close(); err != nil {
		return wrapWriteErr(err)
	}

	chunk := model.Chunk{
		Index:    w.curIndex,
		Name:     GetChunkFilename(w.curIndex),
		Start:    w.curStart,
		Length:   w.curWritten,
		Checksum: w.digest.Sum(),
	}

	if err := w.mf.appendChunk(chunk); err != nil {
		return err
	}
	w.chunks = append(w.chunks, chunk)

	if w.OnChunkClose != nil {
		w.OnChunkClose(chunk)
	}

	return nil
}

func (w *Writer) rotateChunk() error {
	if err := w.closeChunk(); err != nil {
		return err
	}

	w.curIndex++
	w.curStart += w.maxChunkBytes

	return w.openChunk()
}

func wrapWriteErr(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %v", ErrSpaceExceeded, err)
	}
	return fmt.Errorf("chunk write: %w", err)
}
