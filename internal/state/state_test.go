package state

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/fmcg/dimpipe/internal/table"
)

func TestLoadMissingReturnsNew(t *testing.T) {
	p := table.DefaultParams()
	s, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Params != p {
		t.Errorf("params = %+v", s.Params)
	}
	if s.StageStatus(StageIngest) != StatusPending {
		t.Errorf("expected pending, got %s", s.StageStatus(StageIngest))
	}
	if s.PublishedVersion(table.ParentDimension(p)) != -1 {
		t.Error("expected -1 for never published table")
	}
}

func TestStageLifecycleRoundTrip(t *testing.T) {
	p := table.DefaultParams()
	path := Path(t.TempDir(), p)

	s := New(p)
	s.BeginRun("run-1")
	s.StartStage(StageIngest)
	s.CompleteStage(StageIngest, 12, 3)
	s.StartStage(StageCleanse)
	s.FailStage(StageCleanse, errors.New("schema mismatch"))
	s.SetVersion(table.Bronze(p), 3)
	s.MarkPublished(table.ParentDimension(p), 7)

	if err := s.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path, p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !loaded.IsStageComplete(StageIngest) {
		t.Error("ingest should be complete")
	}
	if got := loaded.Stages[StageIngest]; got.Rows != 12 || got.Version != 3 || got.RunID != "run-1" {
		t.Errorf("ingest stage = %+v", got)
	}
	if got := loaded.Stages[StageCleanse]; got.Status != StatusFailed || got.Error != "schema mismatch" {
		t.Errorf("cleanse stage = %+v", got)
	}
	if v, ok := loaded.Version(table.Bronze(p)); !ok || v != 3 {
		t.Errorf("bronze version = %d, %v", v, ok)
	}
	if v := loaded.PublishedVersion(table.ParentDimension(p)); v != 7 {
		t.Errorf("published = %d", v)
	}
}

func TestPathPerParams(t *testing.T) {
	a := Path("/s", table.Params{Catalog: "fmcg", DataSource: "customers"})
	b := Path("/s", table.Params{Catalog: "fmcg", DataSource: "products"})
	if a == b {
		t.Error("different data sources must not share a state file")
	}
}
