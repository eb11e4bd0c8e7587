package results

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const archiveTimestamp = "20060102-150405"

// ArchivePath is where Archive copies a result file.
func ArchivePath(archiveDir string, resultPath string, engine string, model string, now time.Time) string {
	return filepath.Join(archiveDir, pathComponent(engine), pathComponent(model), now.Format(archiveTimestamp), filepath.Base(resultPath))
}

// pathComponent keeps model ids such as org/name in a single directory.
func pathComponent(s string) string {
	s = strings.NewReplacer("/", "_", `\`, "_").Replace(strings.TrimSpace(s))
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// Archive copies the result file into the archive tree and returns the new
// path. The result file itself is left in place.
func Archive(archiveDir string, resultPath string, engine string, model string, now time.Time) (string, error) {
	src, err := os.Open(resultPath)
	if err != nil {
		return "", fmt.Errorf("failed to open the result file: %w", err)
	}
	defer src.Close()

	target := ArchivePath(archiveDir, resultPath, engine, model, now)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("failed to create the archive directory: %w", err)
	}
	// write under a temporary name so a partial copy is never visible
	tmp, err := os.CreateTemp(filepath.Dir(target), ".archive-*")
	if err != nil {
		return "", fmt.Errorf("failed to create the archive file: %w", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to copy the result file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return target, nil
}
