package monitor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/athebyme/rt-parsing/internal/domain/models"
	"github.com/athebyme/rt-parsing/internal/importer"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestReadLoadAvg(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "loadavg", "0.52 0.58 0.59 1/389 12345\n")

	load, err := readLoadAvg(path)
	if err != nil {
		t.Fatalf("readLoadAvg: %v", err)
	}
	if load.One != 0.52 || load.Five != 0.58 || load.Fifteen != 0.59 {
		t.Errorf("load = %+v", load)
	}
}

func TestReadMeminfo(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "meminfo",
		"MemTotal:       16384000 kB\nMemFree:         1024000 kB\nMemAvailable:    8192000 kB\n")

	mem, err := readMeminfo(path)
	if err != nil {
		t.Fatalf("readMeminfo: %v", err)
	}
	if mem.TotalMB != 16000 || mem.AvailableMB != 8000 || mem.UsedMB != 8000 {
		t.Errorf("memory = %+v", mem)
	}
	if mem.UsedPercent != 50 {
		t.Errorf("used percent = %v, want 50", mem.UsedPercent)
	}
}

func TestSnapshotToleratesFailedSources(t *testing.T) {
	m := New(nil, nil, nil)
	m.loadPath = "/nonexistent/loadavg"
	m.memPath = "/nonexistent/meminfo"

	snap := m.Snapshot()
	if snap.Load != nil || snap.Memory != nil {
		t.Error("failed sources must leave their fields empty")
	}
	if snap.Errors == nil {
		t.Error("errors must marshal as an empty list, not null")
	}
	if _, err := time.Parse(time.RFC3339, snap.UpdatedAt); err != nil {
		t.Errorf("updated_at %q is not RFC3339: %v", snap.UpdatedAt, err)
	}
	if snap.Imports.DtReady != nil || snap.Imports.DtTotal != nil {
		t.Error("dt counters must be omitted without an active run")
	}
}

func TestSnapshotCounters(t *testing.T) {
	th := importer.NewThrottle(4, 3, time.Minute)
	th.Fail("davi")

	started := time.Now()
	runs := func() []models.RunSnapshot {
		return []models.RunSnapshot{
			{ID: "1", SupplierID: "ddaudio", Stage: models.StageParsing, Ready: 5, Total: 20, StartedAt: started},
			{ID: "2", SupplierID: "ddaudio", Stage: models.StageFailed, StartedAt: started.Add(-time.Hour)},
			{ID: "3", SupplierID: "davi", Stage: models.StageReady, StartedAt: started.Add(-2 * time.Hour)},
		}
	}
	exports := func() int64 { return 2 }

	m := New(th, runs, exports)

	snap := m.Snapshot()
	if snap.Imports.SiteFailed != 1 {
		t.Errorf("site_failed = %d, want 1", snap.Imports.SiteFailed)
	}
	if snap.Imports.DDAudioInProgress != 1 || snap.Imports.DDAudioFailed != 1 {
		t.Errorf("ddaudio counters = %d/%d, want 1/1",
			snap.Imports.DDAudioInProgress, snap.Imports.DDAudioFailed)
	}
	if snap.Imports.ExportsInProgress != 2 {
		t.Errorf("exports_in_progress = %d, want 2", snap.Imports.ExportsInProgress)
	}
	if snap.Imports.DtStage != string(models.StageParsing) {
		t.Errorf("dt_stage = %q, want parsing", snap.Imports.DtStage)
	}
	if snap.Imports.DtReady == nil || *snap.Imports.DtReady != 5 {
		t.Errorf("dt_ready = %v, want 5", snap.Imports.DtReady)
	}
	if snap.Imports.DtTotal == nil || *snap.Imports.DtTotal != 20 {
		t.Errorf("dt_total = %v, want 20", snap.Imports.DtTotal)
	}
}

func TestPushErrorDedupeAndBound(t *testing.T) {
	m := New(nil, nil, nil)

	m.PushError(errors.New("first"))
	m.PushError(errors.New("first"))
	if got := len(m.Snapshot().Errors); got != 1 {
		t.Fatalf("duplicate errors must collapse, got %d entries", got)
	}

	for i := 0; i < 10; i++ {
		m.PushError(fmt.Errorf("error %d", i))
	}

	errs := m.Snapshot().Errors
	if len(errs) != maxErrors {
		t.Fatalf("len(errors) = %d, want %d", len(errs), maxErrors)
	}
	if errs[len(errs)-1] != "error 9" {
		t.Errorf("newest error must be kept, got %v", errs)
	}
}
