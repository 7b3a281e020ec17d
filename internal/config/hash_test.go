package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLockDryRun(t *testing.T) {
	path := writeConfig(t, "model:\n  name: echo\n")

	report, err := Lock(path, true)
	if err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if report.Written {
		t.Fatal("report.Written = true, want false in dry-run")
	}
	if report.Hash == "" {
		t.Fatal("dry-run should still compute the hash")
	}
	if _, err := os.Stat(report.ChecksumPath); !os.IsNotExist(err) {
		t.Fatal(".checksums should not be written in dry-run mode")
	}
}

func TestLockWritesChecksums(t *testing.T) {
	path := writeConfig(t, "model:\n  name: echo\n")

	report, err := Lock(path, false)
	if err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if !report.Written {
		t.Fatal("report.Written = false, want true")
	}

	manifest, err := LoadChecksums(filepath.Dir(path))
	if err != nil {
		t.Fatalf("LoadChecksums() failed: %v", err)
	}
	if manifest.Hashes["config.yaml"] != report.Hash {
		t.Fatalf("manifest hash = %q, want %q", manifest.Hashes["config.yaml"], report.Hash)
	}

	info, err := os.Stat(report.ChecksumPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf(".checksums mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestLoadVerifiesChecksums(t *testing.T) {
	path := writeConfig(t, "model:\n  name: echo\n")
	if _, err := Lock(path, false); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err != nil {
		t.Fatalf("Load() after lock failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("model:\n  name: other\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() should fail after the config changed")
	}
	if !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestVerifyFileHash(t *testing.T) {
	path := writeConfig(t, "a: 1\n")
	hash, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(hash) != 64 {
		t.Fatalf("hash length = %d, want 64", len(hash))
	}
	if err := VerifyFileHash(path, hash); err != nil {
		t.Fatalf("VerifyFileHash() = %v", err)
	}
	if err := VerifyFileHash(path, strings.Repeat("0", 64)); err == nil {
		t.Fatal("expected mismatch")
	}
}

func TestLoadChecksumsRejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ChecksumFile), []byte("version: 2\nhashes: {}\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadChecksums(dir); err == nil {
		t.Fatal("expected version error")
	}
}
