package archive

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	fp "path/filepath"
	"time"

	"github.com/tjanez/tus/core/model"
)

const (
	// ManifestFilename is the name of the manifest inside a backup directory.
	ManifestFilename = "manifest.jsonl"

	chunkSuffix = ".chunk"
)

var (
	ErrManifestCorrupt      = errors.New("manifest is corrupt")
	ErrManifestNotFinalized = errors.New("manifest is not finalized")
)

// manifestRecord is one JSON line of the manifest file. The first line is a
// header record, followed by one chunk record per closed chunk, terminated by
// a final record once the backup succeeds. A manifest without a final record
// belongs to an unfinished run and is not valid for restore.
type manifestRecord struct {
	Header    bool      `json:"header,omitempty"`
	Codec     string    `json:"codec,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`

	Chunk *model.Chunk `json:"chunk,omitempty"`

	Final       bool  `json:"final,omitempty"`
	TotalLength int64 `json:"total_length"`
	ChunkCount  int   `json:"chunk_count,omitempty"`
}

// Manifest is the ordered index of chunks making up one backed up stream.
type Manifest struct {
	Codec       string
	Chunks      []model.Chunk
	TotalLength int64
	Finalized   bool
}

// GetChunkFilename returns the deterministic file name for a chunk by its
// sequence index.
func GetChunkFilename(index int) string {
	return fmt.Sprintf("%06d%s", index, chunkSuffix)
}

// manifestFile appends records to the manifest on disk, syncing after every
// append so a crash leaves a readable prefix.
type manifestFile struct {
	f *os.File
}

func createManifestFile(dir, codec string) (*manifestFile, error) {
	f, err := os.OpenFile(fp.Join(dir, ManifestFilename), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("create manifest: %w", err)
	}

	mf := &manifestFile{f: f}
	err = mf.append(manifestRecord{Header: true, Codec: codec, CreatedAt: time.Now().UTC()})
	if err != nil {
		f.Close()
		return nil, err
	}

	return mf, nil
}

func (m *manifestFile) append(rec manifestRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	if _, err := m.f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append manifest record: %w", err)
	}

	return m.f.Sync()
}

func (m *manifestFile) appendChunk(chunk model.Chunk) error {
	return m.append(manifestRecord{Chunk: &chunk})
}

func (m *manifestFile) finalize(totalLength int64, chunkCount int) error {
	return m.append(manifestRecord{Final: true, TotalLength: totalLength, ChunkCount: chunkCount})
}

func (m *manifestFile) close() error {
	return m.f.Close()
}

// LoadManifest reads and validates a manifest file. Descriptors must be
// contiguous and gapless; the final record must agree with them.
func LoadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	manifest := &Manifest{}
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++

		var rec manifestRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrManifestCorrupt, line, err)
		}

		switch {
		case rec.Header:
			if line != 1 {
				return nil, fmt.Errorf("%w: header record on line %d", ErrManifestCorrupt, line)
			}
			manifest.Codec = rec.Codec
		case rec.Chunk != nil:
			if manifest.Finalized {
				return nil, fmt.Errorf("%w: chunk record after final record", ErrManifestCorrupt)
			}
			if err := checkContiguous(manifest.Chunks, *rec.Chunk); err != nil {
				return nil, err
			}
			manifest.Chunks = append(manifest.Chunks, *rec.Chunk)
			manifest.TotalLength += rec.Chunk.Length
		case rec.Final:
			if manifest.Finalized {
				return nil, fmt.Errorf("%w: duplicate final record", ErrManifestCorrupt)
			}
			if rec.TotalLength != manifest.TotalLength || rec.ChunkCount != len(manifest.Chunks) {
				return nil, fmt.Errorf("%w: final record disagrees with chunk records", ErrManifestCorrupt)
			}
			manifest.Finalized = true
		default:
			return nil, fmt.Errorf("%w: unrecognized record on line %d", ErrManifestCorrupt, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	if !manifest.Finalized {
		return nil, ErrManifestNotFinalized
	}

	return manifest, nil
}

func checkContiguous(chunks []model.Chunk, next model.Chunk) error {
	expectedStart := int64(0)
	if n := len(chunks); n > 0 {
		expectedStart = chunks[n-1].End()
	}

	if next.Index != len(chunks) {
		return fmt.Errorf("%w: chunk index %d out of order", ErrManifestCorrupt, next.Index)
	}
	if next.Start != expectedStart {
		return fmt.Errorf("%w: chunk %d starts at %d, want %d", ErrManifestCorrupt, next.Index, next.Start, expectedStart)
	}
	if next.Length < 0 {
		return fmt.Errorf("%w: chunk %d has negative length", ErrManifestCorrupt, next.Index)
	}

	return nil
}
