package procutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPIDFileCreateRenameUnlink(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tproxy.pid")

	pf, err := NewPIDFile(path, 1234)
	if err != nil {
		t.Fatalf("NewPIDFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "1234\n" {
		t.Errorf("pidfile contents = %q", data)
	}

	oldbin := path + ".oldbin"
	if err := pf.Rename(oldbin); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := os.Stat(oldbin); err != nil {
		t.Fatalf("renamed file missing: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("original path should no longer exist, err=%v", err)
	}

	if err := pf.Unlink(); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := os.Stat(oldbin); !os.IsNotExist(err) {
		t.Fatalf("unlinked file should not exist, err=%v", err)
	}
}

func TestUnlinkOnNilIsNoop(t *testing.T) {
	var pf *PIDFile
	if err := pf.Unlink(); err != nil {
		t.Fatalf("Unlink on nil: %v", err)
	}
}

func TestWorkerTitleFillsPlaceholder(t *testing.T) {
	got := WorkerTitle("edge", 3)
	want := "worker [edge] - handling 3 connections"
	if got != want {
		t.Errorf("WorkerTitle = %q, want %q", got, want)
	}
}
