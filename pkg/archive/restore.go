package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// RestoreParams holds the inputs for Restore.
type RestoreParams struct {
	ArchivePath string
	DBDest      string // Where the database goes; must not be open
	ConfDest    string // Empty = skip
	UsersDest   string // Empty = skip
	// Overwrite replaces config files that differ from the archived copy.
	// Without it they are kept and reported in Warnings.
	Overwrite bool
}

// RestoreResult summarizes a completed restore.
type RestoreResult struct {
	Manifest      *Manifest
	FilesRestored int
	Warnings      []string
}

// Restore verifies an archive's checksums and copies its files to their
// destinations. Nothing is written unless every checksum matches.
func Restore(p RestoreParams) (*RestoreResult, error) {
	tmpDir, err := os.MkdirTemp("", "zed-restore-*")
	if err != nil {
		return nil, fmt.Errorf("restore: create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	manifest, err := extractVerified(p.ArchivePath, tmpDir)
	if err != nil {
		return nil, err
	}
	result := &RestoreResult{Manifest: manifest}

	for name, entry := range manifest.Files {
		src := filepath.Join(tmpDir, filepath.FromSlash(name))
		switch entry.Type {
		case TypeDB:
			if p.DBDest == "" {
				continue
			}
			if err := os.MkdirAll(filepath.Dir(p.DBDest), 0755); err != nil {
				return nil, fmt.Errorf("restore: create db dir: %w", err)
			}
			if err := copyFile(src, p.DBDest); err != nil {
				return nil, fmt.Errorf("restore: copy db: %w", err)
			}
			result.FilesRestored++
		case TypeConf, TypeUsers:
			dest := p.ConfDest
			if entry.Type == TypeUsers {
				dest = p.UsersDest
			}
			if dest == "" {
				continue
			}
			restored, err := restoreConfig(src, dest, p.Overwrite)
			if err != nil {
				return nil, fmt.Errorf("restore: %s: %w", name, err)
			}
			if restored {
				result.FilesRestored++
			} else if !sameContent(src, dest) {
				result.Warnings = append(result.Warnings, fmt.Sprintf("kept current %s (differs from archive)", dest))
			}
		}
	}
	return result, nil
}

// Verify checks an archive's checksums without restoring anything.
func Verify(archivePath string) (*Manifest, error) {
	tmpDir, err := os.MkdirTemp("", "zed-verify-*")
	if err != nil {
		return nil, fmt.Errorf("verify: create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)
	return extractVerified(archivePath, tmpDir)
}

func extractVerified(archivePath, dir string) (*Manifest, error) {
	if err := extractArchive(archivePath, dir); err != nil {
		return nil, fmt.Errorf("restore: extract: %w", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("restore: %s not found in archive", manifestName)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("restore: parse manifest: %w", err)
	}
	hasDB := false
	for name, entry := range m.Files {
		ok, err := validateChecksum(filepath.Join(dir, filepath.FromSlash(name)), entry.SHA256)
		if err != nil {
			return nil, fmt.Errorf("restore: checksum %s: %w", name, err)
		}
		if !ok {
			return nil, fmt.Errorf("restore: checksum mismatch for %s, archive may be corrupt", name)
		}
		hasDB = hasDB || entry.Type == TypeDB
	}
	if !hasDB {
		return nil, fmt.Errorf("restore: archive has no database")
	}
	return &m, nil
}

// restoreConfig copies src to dest when dest is missing, or differs and
// overwrite is set. It reports whether it wrote dest.
func restoreConfig(src, dest string, overwrite bool) (bool, error) {
	if _, err := os.Stat(dest); err == nil {
		if sameContent(src, dest) || !overwrite {
			return false, nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return false, err
	}
	return true, copyFile(src, dest)
}

func sameContent(a, b string) bool {
	da, errA := os.ReadFile(a)
	db, errB := os.ReadFile(b)
	return errA == nil && errB == nil && bytes.Equal(da, db)
}

func extractArchive(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gr.Close()

	root := filepath.Clean(destDir) + string(os.PathSeparator)
	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		// Reject entries that would land outside destDir.
		target := filepath.Join(destDir, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("invalid archive entry: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.Create(target)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}

func validateChecksum(path, expected string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}
	return hex.EncodeToString(h.Sum(nil)) == expected, nil
}
