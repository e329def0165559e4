package recovery

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	fp "path/filepath"
	"sort"

	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/sha3"

	"github.com/tjanez/tus/lib/logger"
)

var log, _ = logger.New("recovery")

const (
	// RecoveryDirName is the subdirectory of a backup directory holding the
	// parity files.
	RecoveryDirName = "recovery"

	paritySuffix = ".rs"

	DefaultDataShards   = 17
	DefaultParityShards = 3
)

var (
	ErrNoRecoveryDir = errors.New("recovery directory does not exist, run compute first")
	ErrFileCorrupt   = errors.New("file does not match its recovery data")
	ErrUnrecoverable = errors.New("too many damaged shards to reconstruct")
)

const hashSize = 32

type shardHash [hashSize]byte

func hashShard(b []byte) shardHash {
	var h shardHash
	sha3.ShakeSum256(h[:], b)
	return h
}

// parityFile is the gob-encoded content of one .rs file: Reed-Solomon parity
// shards over a single backup file plus hashes locating damaged shards.
type parityFile struct {
	FileSize      int64
	NDataShards   int
	NParityShards int
	Hashes        []shardHash // data shard hashes, then parity shard hashes
	ParityShards  [][]byte
}

// Compute writes Reed-Solomon parity files for every file in the backup
// directory into <backupDir>/recovery.
func Compute(backupDir string) error {
	recoveryDir := fp.Join(backupDir, RecoveryDirName)
	if err := os.MkdirAll(recoveryDir, 0750); err != nil {
		return err
	}

	names, err := backupFiles(backupDir)
	if err != nil {
		return err
	}

	for _, name := range names {
		pf, err := encodeFile(fp.Join(backupDir, name))
		if err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
		if err := writeParityFile(fp.Join(recoveryDir, name+paritySuffix), pf); err != nil {
			return err
		}
		log.Infow("parity computed", "file", name, "size", pf.FileSize)
	}

	return nil
}

// Verify checks every file that has parity data, returning ErrFileCorrupt if
// any shard hash mismatches.
func Verify(backupDir string) error {
	results, err := verifyDir(backupDir)
	if err != nil {
		return err
	}

	corrupt := 0
	for _, res := range results {
		if len(res.badShards) > 0 {
			corrupt++
			log.Errorw("file damaged", "file", res.name, "bad_shards", len(res.badShards))
		}
	}
	if corrupt > 0 {
		return fmt.Errorf("%w: %d file(s) damaged", ErrFileCorrupt, corrupt)
	}

	return nil
}

// Repair reconstructs damaged files from their parity shards, rewriting them
// in place once the reconstructed content verifies.
func Repair(backupDir string) error {
	results, err := verifyDir(backupDir)
	if err != nil {
		return err
	}

	for _, res := range results {
		if len(res.badShards) == 0 {
			continue
		}
		if err := repairFile(backupDir, res); err != nil {
			return fmt.Errorf("repair %s: %w", res.name, err)
		}
		log.Infow("file repaired", "file", res.name, "bad_shards", len(res.badShards))
	}

	return nil
}

type verifyResult struct {
	name      string
	pf        *parityFile
	shards    [][]byte // data shards then parity shards, damaged ones nil'd out
	badShards []int
}

func verifyDir(backupDir string) ([]verifyResult, error) {
	recoveryDir := fp.Join(backupDir, RecoveryDirName)
	if _, err := os.Stat(recoveryDir); err != nil {
		return nil, ErrNoRecoveryDir
	}

	entries, err := os.ReadDir(recoveryDir)
	if err != nil {
		return nil, err
	}

	var results []verifyResult
	for _, e := range entries {
		if e.IsDir() || fp.Ext(e.Name()) != paritySuffix {
			continue
		}
		name := e.Name()[:len(e.Name())-len(paritySuffix)]

		pf, err := readParityFile(fp.Join(recoveryDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read parity for %s: %w", name, err)
		}

		dataShards, _, err := readAndShardFile(fp.Join(backupDir, name), pf.NDataShards, pf.shardSize())
		if err != nil {
			return nil, fmt.Errorf("shard %s: %w", name, err)
		}

		shards := append(dataShards, pf.ParityShards...)
		var bad []int
		for i, s := range shards {
			if hashShard(s) != pf.Hashes[i] {
				shards[i] = nil
				bad = append(bad, i)
			}
		}

		results = append(results, verifyResult{name: name, pf: pf, shards: shards, badShards: bad})
	}

	return results, nil
}

func repairFile(backupDir string, res verifyResult) error {
	pf := res.pf

	if len(res.badShards) > pf.NParityShards {
		return ErrUnrecoverable
	}

	enc, err := reedsolomon.New(pf.NDataShards, pf.NParityShards)
	if err != nil {
		return err
	}
	if err := enc.Reconstruct(res.shards); err != nil {
		return err
	}

	for i, s := range res.shards {
		if hashShard(s) != pf.Hashes[i] {
			return ErrUnrecoverable
		}
	}

	var content bytes.Buffer
	for _, s := range res.shards[:pf.NDataShards] {
		content.Write(s)
	}

	path := fp.Join(backupDir, res.name)
	tmp := path + ".recovered"
	if err := os.WriteFile(tmp, content.Bytes()[:pf.FileSize], 0644); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

func encodeFile(path string) (*parityFile, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	pf := &parityFile{
		FileSize:      fi.Size(),
		NDataShards:   DefaultDataShards,
		NParityShards: DefaultParityShards,
	}

	dataShards, _, err := readAndShardFile(path, pf.NDataShards, pf.shardSize())
	if err != nil {
		return nil, err
	}

	for i := 0; i < pf.NParityShards; i++ {
		pf.ParityShards = append(pf.ParityShards, make([]byte, pf.shardSize()))
	}

	enc, err := reedsolomon.New(pf.NDataShards, pf.NParityShards)
	if err != nil {
		return nil, err
	}
	allShards := append(dataShards, pf.ParityShards...)
	if err := enc.Encode(allShards); err != nil {
		return nil, err
	}

	for _, s := range allShards {
		pf.Hashes = append(pf.Hashes, hashShard(s))
	}

	return pf, nil
}

func (pf *parityFile) shardSize() int64 {
	size := (pf.FileSize + int64(pf.NDataShards) - 1) / int64(pf.NDataShards)
	if size == 0 {
		// Zero-length files still get one byte per shard so the encoder has
		// something to work with.
		size = 1
	}
	return size
}

// readAndShardFile reads the file and splits it into nShards equal shards,
// zero padding the tail.
func readAndShardFile(path string, nShards int, shardSize int64) ([][]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}

	buf := make([]byte, int64(nShards)*shardSize)
	if fi.Size() > int64(len(buf)) {
		return nil, 0, fmt.Errorf("%w: %s grew beyond its recorded size", ErrFileCorrupt, path)
	}
	if _, err := io.ReadFull(f, buf[:fi.Size()]); err != nil {
		return nil, 0, err
	}

	shards := make([][]byte, 0, nShards)
	for i := 0; i < nShards; i++ {
		shards = append(shards, buf[int64(i)*shardSize:int64(i+1)*shardSize])
	}

	return shards, fi.Size(), nil
}

func writeParityFile(path string, pf *parityFile) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := gob.NewEncoder(f).Encode(pf); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}

func readParityFile(path string) (*parityFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var pf parityFile
	if err := gob.NewDecoder(f).Decode(&pf); err != nil {
		return nil, err
	}

	return &pf, nil
}

func backupFiles(backupDir string) ([]string, error) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	return names, nil
}
