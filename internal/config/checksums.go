package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFileName is the manifest written by `trellis lock` next to the root
// task file.
const ChecksumFileName = ".checksums"

// ErrNoChecksums means the config directory has no manifest.
var ErrNoChecksums = errors.New("checksums file not found")

// ChecksumManifest maps task files, relative to the config directory, to
// their BLAKE3 digests.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// HashUpdateFileResult captures checksum generation outcome for one file.
type HashUpdateFileResult struct {
	Filename string
	Path     string
	Hash     string
}

// HashUpdateReport captures checksum generation details for a config directory.
type HashUpdateReport struct {
	ConfigDir    string
	ChecksumPath string
	Written      bool
	Files        []HashUpdateFileResult
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}

	return nil
}

// GenerateChecksums hashes every loaded file of cfg and, unless dryRun is
// set, writes the manifest into cfg.Dir.
func GenerateChecksums(cfg *Config, dryRun bool) (*HashUpdateReport, error) {
	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string),
	}

	report := &HashUpdateReport{
		ConfigDir:    cfg.Dir,
		ChecksumPath: filepath.Join(cfg.Dir, ChecksumFileName),
		Files:        make([]HashUpdateFileResult, 0, len(cfg.Files)),
	}

	for _, path := range cfg.Files {
		name, err := manifestKey(cfg.Dir, path)
		if err != nil {
			return nil, err
		}
		hash, err := ComputeBlake3Hash(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", name, err)
		}

		manifest.Hashes[name] = hash
		report.Files = append(report.Files, HashUpdateFileResult{
			Filename: name,
			Path:     path,
			Hash:     hash,
		})
	}
	sort.Slice(report.Files, func(i, j int) bool { return report.Files[i].Filename < report.Files[j].Filename })

	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	if err := os.WriteFile(report.ChecksumPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	report.Written = true

	return report, nil
}

// LoadChecksums reads the manifest from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, ChecksumFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w (run 'trellis lock')", ErrNoChecksums)
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}

	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}

	return &manifest, nil
}

// verifyChecksums checks files against the manifest in configDir. Without a
// manifest verification is skipped.
func verifyChecksums(configDir string, files []string) error {
	manifest, err := LoadChecksums(configDir)
	if errors.Is(err, ErrNoChecksums) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, path := range files {
		name, err := manifestKey(configDir, path)
		if err != nil {
			return err
		}
		expectedHash, ok := manifest.Hashes[name]
		if !ok {
			return fmt.Errorf("task file %s has no hash in %s\n"+
				"Run: trellis lock", name, ChecksumFileName)
		}
		if err := VerifyFileHash(path, expectedHash); err != nil {
			return fmt.Errorf("config verification failed for %s: %w\n"+
				"If you edited this file intentionally, run: trellis lock", name, err)
		}
	}
	return nil
}

func manifestKey(configDir, path string) (string, error) {
	rel, err := filepath.Rel(configDir, path)
	if err != nil {
		return "", fmt.Errorf("relativize %s: %w", path, err)
	}
	return filepath.ToSlash(rel), nil
}
