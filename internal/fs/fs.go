package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/docflowai/docqueue/internal/logger"
)

// Service manages per-job directories and atomic artifact writes under a
// single data root. A file only becomes visible under its final name via
// rename, so readers never observe partial content; a crash before rename
// leaves a .tmp residue that no persisted path references.
type Service struct {
	dataRoot string
}

// NewService creates a filesystem service rooted at dataRoot.
// Parameters:
//   - dataRoot: base directory that holds one subdirectory per job.
// Returns:
//   - *Service: initialized service.
func NewService(dataRoot string) *Service {
	return &Service{dataRoot: dataRoot}
}

// JobDir returns the directory path for a job without creating it.
func (s *Service) JobDir(jobID string) string {
	return filepath.Join(s.dataRoot, strings.ReplaceAll(jobID, "-", ""))
}

// CreateJobDirectory creates the directory for a job.
// Parameters:
//   - jobID: job identifier.
// Returns:
//   - string: created directory path.
//   - error: non-nil if creation fails.
func (s *Service) CreateJobDirectory(jobID string) (string, error) {
	dir := s.JobDir(jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create job directory: %w", err)
	}
	logger.Debug("CreateJobDirectory job_id=%s path=%s", jobID, dir)
	return dir, nil
}

// AvailableBytes reports the unprivileged free space on the volume holding
// the data root. The root is created if it does not exist yet so the probe
// works before the first job arrives.
func (s *Service) AvailableBytes() (uint64, error) {
	if err := os.MkdirAll(s.dataRoot, 0755); err != nil {
		return 0, fmt.Errorf("failed to create data root: %w", err)
	}
	var st unix.Statfs_t
	if err := unix.Statfs(s.dataRoot, &st); err != nil {
		return 0, fmt.Errorf("failed to stat data root: %w", err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// SaveBytesAtomic writes content to <name>.tmp inside the job directory,
// syncs it, then renames it to the final name.
// Parameters:
//   - jobID: job identifier; its directory must exist.
//   - name: final file name, e.g. "output.json".
//   - content: bytes to write.
// Returns:
//   - string: final file path.
//   - error: non-nil if any step fails; on failure the tmp file is removed.
func (s *Service) SaveBytesAtomic(jobID, name string, content []byte) (string, error) {
	dir := s.JobDir(jobID)
	final := filepath.Join(dir, filepath.Base(name))
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to open temp file: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to rename temp file: %w", err)
	}
	logger.Debug("SaveAtomic job_id=%s path=%s size=%d", jobID, final, len(content))
	return final, nil
}

// SaveTextAtomic writes text content atomically, see SaveBytesAtomic.
func (s *Service) SaveTextAtomic(jobID, name, content string) (string, error) {
	return s.SaveBytesAtomic(jobID, name, []byte(content))
}

// DeleteJobDirectory removes a job directory and everything in it. Removing a
// directory that is already gone is a no-op.
func (s *Service) DeleteJobDirectory(jobID string) error {
	dir := s.JobDir(jobID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete job directory: %w", err)
	}
	return nil
}

// HasTempFiles reports whether any *.tmp file exists in the job directory.
func (s *Service) HasTempFiles(jobID string) (bool, error) {
	entries, err := os.ReadDir(s.JobDir(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			return true, nil
		}
	}
	return false, nil
}
