package recovery

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	fp "path/filepath"
	"testing"
)

func makeBackupDir(t *testing.T, files map[string][]byte) string {
	t.Helper()

	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(fp.Join(dir, name), content, 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()

	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestComputeAndVerify(t *testing.T) {
	dir := makeBackupDir(t, map[string][]byte{
		"000000.chunk":   randomBytes(t, 100000),
		"000001.chunk":   randomBytes(t, 37),
		"manifest.jsonl": []byte(`{"header":true}`),
	})

	if err := Compute(dir); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"000000.chunk", "000001.chunk", "manifest.jsonl"} {
		rsPath := fp.Join(dir, RecoveryDirName, name+paritySuffix)
		if _, err := os.Stat(rsPath); err != nil {
			t.Errorf("missing parity file for %s: %v", name, err)
		}
	}

	if err := Verify(dir); err != nil {
		t.Errorf("verify of intact backup: %v", err)
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	data := randomBytes(t, 50000)
	dir := makeBackupDir(t, map[string][]byte{"000000.chunk": data})

	if err := Compute(dir); err != nil {
		t.Fatal(err)
	}

	// Flip one byte in the middle of the chunk.
	data[25000] ^= 0xff
	if err := os.WriteFile(fp.Join(dir, "000000.chunk"), data, 0644); err != nil {
		t.Fatal(err)
	}

	if err := Verify(dir); !errors.Is(err, ErrFileCorrupt) {
		t.Errorf("got %v, want ErrFileCorrupt", err)
	}
}

func TestRepairRestoresOriginalContent(t *testing.T) {
	original := randomBytes(t, 80000)
	dir := makeBackupDir(t, map[string][]byte{"000000.chunk": original})

	if err := Compute(dir); err != nil {
		t.Fatal(err)
	}

	// Damage bytes within a single shard.
	damaged := append([]byte(nil), original...)
	for i := 1000; i < 1010; i++ {
		damaged[i] ^= 0x55
	}
	if err := os.WriteFile(fp.Join(dir, "000000.chunk"), damaged, 0644); err != nil {
		t.Fatal(err)
	}

	if err := Repair(dir); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(fp.Join(dir, "000000.chunk"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, original) {
		t.Error("repaired file does not match the original content")
	}

	if err := Verify(dir); err != nil {
		t.Errorf("verify after repair: %v", err)
	}
}

func TestRepairTruncatedFile(t *testing.T) {
	original := randomBytes(t, 60000)
	dir := makeBackupDir(t, map[string][]byte{"000000.chunk": original})

	if err := Compute(dir); err != nil {
		t.Fatal(err)
	}

	// Chop off the tail; with 17 data shards the damage stays within the
	// parity budget.
	if err := os.Truncate(fp.Join(dir, "000000.chunk"), 55000); err != nil {
		t.Fatal(err)
	}

	if err := Repair(dir); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(fp.Join(dir, "000000.chunk"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, original) {
		t.Error("repaired file does not match the original content")
	}
}

func TestRepairFailsBeyondParityBudget(t *testing.T) {
	original := randomBytes(t, 170000)
	dir := makeBackupDir(t, map[string][]byte{"000000.chunk": original})

	if err := Compute(dir); err != nil {
		t.Fatal(err)
	}

	// Damage one byte in more shards than there is parity for.
	damaged := append([]byte(nil), original...)
	shardSize := 10000 // 170000 / 17 data shards
	for s := 0; s < DefaultParityShards+1; s++ {
		damaged[s*shardSize] ^= 0xff
	}
	if err := os.WriteFile(fp.Join(dir, "000000.chunk"), damaged, 0644); err != nil {
		t.Fatal(err)
	}

	if err := Repair(dir); !errors.Is(err, ErrUnrecoverable) {
		t.Errorf("got %v, want ErrUnrecoverable", err)
	}
}

func TestVerifyWithoutComputeFails(t *testing.T) {
	dir := makeBackupDir(t, map[string][]byte{"000000.chunk": []byte("data")})

	if err := Verify(dir); !errors.Is(err, ErrNoRecoveryDir) {
		t.Errorf("got %v, want ErrNoRecoveryDir", err)
	}
}

func TestComputeHandlesEmptyFile(t *testing.T) {
	dir := makeBackupDir(t, map[string][]byte{"000000.chunk": nil})

	if err := Compute(dir); err != nil {
		t.Fatal(err)
	}
	if err := Verify(dir); err != nil {
		t.Errorf("verify of empty file: %v", err)
	}
}
