package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// Digest accumulates a SHA-256 digest over bytes streamed through it.
type Digest struct {
	h hash.Hash
}

func New() *Digest {
	return &Digest{h: sha256.New()}
}

func (d *Digest) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

// Sum returns the hex encoded digest of all bytes written so far.
func (d *Digest) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

func (d *Digest) Reset() {
	d.h.Reset()
}

// Sum calculates the hex encoded SHA-256 digest of the given bytes.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
