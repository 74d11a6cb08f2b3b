package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/codeGROOVE-dev/ready-to-merge/pkg/types"
)

const (
	// cacheDirPerms is the permission for the report directory.
	cacheDirPerms = 0o700
	// cacheFilePerms is the permission for report files.
	cacheFilePerms = 0o600
	// slotVersion changes when the slot layout does.
	slotVersion = 1

	reportFile   = "report.json"
	htmlFile     = "report.html"
	markdownFile = "report.md"
)

// slot is the on-disk envelope for the last report.
type slot struct {
	SavedAt time.Time    `json:"saved_at"`
	Report  types.Report `json:"report"`
	Version int          `json:"version"`
}

// DiskStore persists the most recent report to a fixed slot so a restart can
// serve it before the first regeneration finishes. A store with an empty
// directory is disabled and all operations are no-ops.
type DiskStore struct {
	dir     string
	enabled bool
}

// NewDiskStore creates a store rooted at dir. If dir is empty, the store is disabled.
func NewDiskStore(dir string) (*DiskStore, error) {
	s := &DiskStore{dir: dir, enabled: dir != ""}
	if !s.enabled {
		return s, nil
	}

	cleanPath := filepath.Clean(dir)
	if !filepath.IsAbs(cleanPath) {
		return nil, errors.New("cache directory must be absolute path")
	}

	if err := os.MkdirAll(cleanPath, cacheDirPerms); err != nil {
		slog.Warn("Failed to create cache directory, persistence disabled", "component", "cache", "error", err, "path", cleanPath)
		s.enabled = false
		return s, nil
	}
	s.dir = cleanPath
	return s, nil
}

// Enabled reports whether reports are written to disk.
func (s *DiskStore) Enabled() bool {
	return s.enabled
}

// Load returns the last saved report, if any.
func (s *DiskStore) Load() (types.Report, bool) {
	if !s.enabled {
		return types.Report{}, false
	}

	path := filepath.Join(s.dir, reportFile)
	file, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to open saved report", "component", "cache", "error", err, "path", path)
		}
		return types.Report{}, false
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Debug("Failed to close saved report", "component", "cache", "error", err, "path", path)
		}
	}()

	var sl slot
	if err := json.NewDecoder(file).Decode(&sl); err != nil {
		slog.Warn("Failed to decode saved report", "component", "cache", "error", err, "path", path)
		return types.Report{}, false
	}
	if sl.Version != slotVersion || sl.Report.GeneratedAt.IsZero() {
		slog.Info("Ignoring saved report with unexpected layout", "component", "cache", "version", sl.Version)
		return types.Report{}, false
	}

	slog.Info("Loaded saved report", "component", "cache", "id", sl.Report.ID, "generated_at", sl.Report.GeneratedAt, "rows", len(sl.Report.Rows))
	return sl.Report, true
}

// Save writes the report slot and its HTML and markdown copies.
func (s *DiskStore) Save(report types.Report) error {
	if !s.enabled {
		return nil
	}

	data, err := json.Marshal(slot{Version: slotVersion, SavedAt: time.Now(), Report: report})
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	if err := s.writeAtomic(markdownFile, []byte(report.Markdown)); err != nil {
		return err
	}
	if err := s.writeAtomic(htmlFile, report.HTML); err != nil {
		return err
	}
	// The slot goes last so a crash never leaves it pointing at missing copies.
	if err := s.writeAtomic(reportFile, data); err != nil {
		return err
	}

	slog.Debug("Saved report", "component", "cache", "id", report.ID, "dir", s.dir)
	return nil
}

// writeAtomic writes data to name via a temp file and rename.
func (s *DiskStore) writeAtomic(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	tmpPath := path + ".tmp"

	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, cacheFilePerms)
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}

	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", name, err)
	}

	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing %s: %w", name, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming %s: %w", name, err)
	}

	return nil
}
