package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestCheckDirAllowsStateWriter(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "state_writer.go", `package store

func updateTaskState(task *Task, to TaskStatus) {
	task.Status = to
}
`)

	violations, err := checkDir(dir)
	if err != nil {
		t.Fatalf("checkDir failed: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("expected no violations in an allowed file, got %+v", violations)
	}
}

func TestCheckDirFlagsAssignmentElsewhere(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "scheduler.go", `package scheduler

func claim(task *Task) {
	task.Status = "in_progress"
}
`)

	violations, err := checkDir(dir)
	if err != nil {
		t.Fatalf("checkDir failed: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("expected exactly one violation, got %+v", violations)
	}
}

func TestCheckDirSkipsTestFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "scheduler_test.go", `package scheduler

func TestSomething(task *Task) {
	task.Status = "done"
}
`)

	violations, err := checkDir(dir)
	if err != nil {
		t.Fatalf("checkDir failed: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("expected test files to be skipped, got %+v", violations)
	}
}

func TestCheckDirIgnoresUnrelatedFields(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "worker.go", `package lease

func touch(w *Worker) {
	w.LastSeen = now()
}
`)

	violations, err := checkDir(dir)
	if err != nil {
		t.Fatalf("checkDir failed: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("expected no violations for non-Status fields, got %+v", violations)
	}
}
