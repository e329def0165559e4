package model

// Chunk describes one size-bounded slice of the logical backup stream,
// persisted as a single file inside the backup directory. Chunks are
// contiguous and non-overlapping; concatenating them in index order
// reproduces the logical stream exactly.
type Chunk struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	Start    int64  `json:"start"`
	Length   int64  `json:"length"`
	Checksum string `json:"checksum,omitempty"`
}

// End returns the exclusive end offset of the chunk in the logical stream.
func (c Chunk) End() int64 {
	return c.Start + c.Length
}
