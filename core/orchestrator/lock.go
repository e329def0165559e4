package orchestrator

import (
	"errors"
	"fmt"
	"io"
	"os"
	fp "path/filepath"

	"github.com/tjanez/tus/core/progress"
)

// dirLock serializes runs against one backup directory. Interleaved chunk
// numbering from two writers would break the manifest's contiguity, so a
// second run against a locked directory is rejected at validation.
type dirLock struct {
	path string
}

func acquireLock(dir string) (*dirLock, error) {
	path := fp.Join(dir, lockFilename)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: another run already owns %s", ErrValidation, dir)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()

	return &dirLock{path: path}, nil
}

func (l *dirLock) release() {
	os.Remove(l.path)
}

// cursorWriter counts bytes flowing into the chunk pipeline and records the
// cursor every interval bytes.
type cursorWriter struct {
	inner    io.Writer
	prog     *progress.Logger
	interval int64
	count    int64
	next     int64
}

func (c *cursorWriter) Write(p []byte) (int, error) {
	n, err := c.inner.Write(p)
	c.count += int64(n)
	c.tick()
	return n, err
}

func (c *cursorWriter) tick() {
	if c.interval <= 0 || c.count < c.next {
		return
	}
	c.prog.RecordCursor(c.count)
	c.next = c.count + c.interval
}

// cursorReader is the restore-side counterpart of cursorWriter.
type cursorReader struct {
	inner    io.Reader
	prog     *progress.Logger
	interval int64
	count    int64
	next     int64
}

func (c *cursorReader) Read(p []byte) (int, error) {
	n, err := c.inner.Read(p)
	c.count += int64(n)
	if c.interval > 0 && c.count >= c.next {
		c.prog.RecordCursor(c.count)
		c.next = c.count + c.interval
	}
	return n, err
}
