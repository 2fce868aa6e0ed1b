package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateChecksumsDryRun(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "more.yaml", "tasks:\n  b:\n    bash: echo b\n")
	root := writeFile(t, dir, "trellis.yaml", "include: [more.yaml]\ntasks:\n  a:\n    bash: echo a\n")

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	report, err := GenerateChecksums(cfg, true)
	if err != nil {
		t.Fatalf("GenerateChecksums() error = %v", err)
	}
	if report.Written {
		t.Fatal("report.Written = true, want false in dry-run")
	}
	if len(report.Files) != 2 || report.Files[0].Filename != "more.yaml" || report.Files[1].Filename != "trellis.yaml" {
		t.Fatalf("report.Files = %+v", report.Files)
	}
	if _, err := os.Stat(filepath.Join(dir, ChecksumFileName)); !os.IsNotExist(err) {
		t.Fatal("checksums should not be written in dry-run mode")
	}
}

func TestChecksumsGuardLoad(t *testing.T) {
	dir := t.TempDir()
	root := writeFile(t, dir, "trellis.yaml", "tasks:\n  a:\n    bash: echo a\n")

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	report, err := GenerateChecksums(cfg, false)
	if err != nil {
		t.Fatalf("GenerateChecksums() error = %v", err)
	}
	if !report.Written {
		t.Fatal("report.Written = false, want true")
	}

	manifest, err := LoadChecksums(dir)
	if err != nil {
		t.Fatalf("LoadChecksums() error = %v", err)
	}
	if len(manifest.Hashes) != 1 {
		t.Fatalf("len(manifest.Hashes) = %d, want 1", len(manifest.Hashes))
	}
	if _, err := Load(root); err != nil {
		t.Fatalf("Load() with matching checksums error = %v", err)
	}

	writeFile(t, dir, "trellis.yaml", "tasks:\n  a:\n    bash: echo tampered\n")
	_, err = Load(root)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("Load() error = %v, want hash mismatch", err)
	}

	cfg, err = LoadUnverified(root)
	if err != nil {
		t.Fatalf("LoadUnverified() error = %v", err)
	}
	if _, err := GenerateChecksums(cfg, false); err != nil {
		t.Fatalf("GenerateChecksums() error = %v", err)
	}
	if _, err := Load(root); err != nil {
		t.Fatalf("Load() after relock error = %v", err)
	}
}

func TestChecksumsRequireEveryFile(t *testing.T) {
	dir := t.TempDir()
	root := writeFile(t, dir, "trellis.yaml", "tasks: {}\n")
	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := GenerateChecksums(cfg, false); err != nil {
		t.Fatalf("GenerateChecksums() error = %v", err)
	}

	writeFile(t, dir, "extra.yaml", "tasks: {}\n")
	writeFile(t, dir, "trellis.yaml", "include: [extra.yaml]\ntasks: {}\n")
	_, err = Load(root)
	if err == nil {
		t.Fatal("Load() expected error for modified root")
	}

	cfg, err = LoadUnverified(root)
	if err != nil {
		t.Fatalf("LoadUnverified() error = %v", err)
	}
	if err := verifyChecksums(dir, cfg.Files[1:]); err == nil || !strings.Contains(err.Error(), "no hash") {
		t.Fatalf("verifyChecksums() error = %v, want missing hash", err)
	}
}

func TestLoadChecksumsMissing(t *testing.T) {
	_, err := LoadChecksums(t.TempDir())
	if !errors.Is(err, ErrNoChecksums) {
		t.Fatalf("LoadChecksums() error = %v, want ErrNoChecksums", err)
	}
}
