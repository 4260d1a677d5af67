package fs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestJobDir_StripsDashes(t *testing.T) {
	svc := NewService("/data/jobs")

	dir := svc.JobDir("3f2504e0-4f89-11d3-9a0c-0305e82c3301")
	if strings.Contains(filepath.Base(dir), "-") {
		t.Errorf("expected dashes stripped from job dir, got %s", dir)
	}
	if !strings.HasPrefix(dir, "/data/jobs") {
		t.Errorf("expected dir under data root, got %s", dir)
	}
}

func TestSaveBytesAtomic(t *testing.T) {
	svc := NewService(t.TempDir())
	jobID := "job-1"
	if _, err := svc.CreateJobDirectory(jobID); err != nil {
		t.Fatalf("create dir failed: %v", err)
	}

	path, err := svc.SaveBytesAtomic(jobID, "output.json", []byte(`{"ok":true}`))
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if string(content) != `{"ok":true}` {
		t.Errorf("unexpected content: %s", content)
	}

	hasTmp, err := svc.HasTempFiles(jobID)
	if err != nil {
		t.Fatalf("temp scan failed: %v", err)
	}
	if hasTmp {
		t.Error("expected no .tmp residue after a successful save")
	}
}

func TestSaveTextAtomic_Overwrite(t *testing.T) {
	svc := NewService(t.TempDir())
	jobID := "job-2"
	if _, err := svc.CreateJobDirectory(jobID); err != nil {
		t.Fatalf("create dir failed: %v", err)
	}

	if _, err := svc.SaveTextAtomic(jobID, "error.txt", "first"); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	path, err := svc.SaveTextAtomic(jobID, "error.txt", "second")
	if err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}

	content, _ := os.ReadFile(path)
	if string(content) != "second" {
		t.Errorf("expected overwrite to replace content, got %s", content)
	}
}

func TestSaveBytesAtomic_MissingDirectory(t *testing.T) {
	svc := NewService(t.TempDir())

	if _, err := svc.SaveBytesAtomic("never-created", "output.json", []byte("x")); err == nil {
		t.Error("expected save into a missing directory to fail")
	}
}

func TestDeleteJobDirectory_Idempotent(t *testing.T) {
	svc := NewService(t.TempDir())
	jobID := "job-3"
	if _, err := svc.CreateJobDirectory(jobID); err != nil {
		t.Fatalf("create dir failed: %v", err)
	}
	if _, err := svc.SaveTextAtomic(jobID, "input.txt", "data"); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if err := svc.DeleteJobDirectory(jobID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := os.Stat(svc.JobDir(jobID)); !os.IsNotExist(err) {
		t.Error("expected job directory to be removed")
	}

	// deleting again is a no-op
	if err := svc.DeleteJobDirectory(jobID); err != nil {
		t.Errorf("expected repeated delete to succeed, got %v", err)
	}
}

func TestAvailableBytes(t *testing.T) {
	svc := NewService(filepath.Join(t.TempDir(), "not-yet-created"))

	free, err := svc.AvailableBytes()
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if free == 0 {
		t.Error("expected free space on the test volume")
	}
	// the probe creates the data root so later writes land on the same volume
	if _, err := os.Stat(svc.JobDir("")); os.IsNotExist(err) {
		t.Error("expected data root to exist after the probe")
	}
}
