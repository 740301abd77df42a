package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fmcg/dimpipe/internal/table"
)

// Stage names a pipeline stage.
type Stage string

const (
	StageBootstrap Stage = "bootstrap"
	StageIngest    Stage = "ingest"
	StageCleanse   Stage = "cleanse"
	StageConform   Stage = "conform"
	StageMerge     Stage = "merge"
	StagePublish   Stage = "publish"
)

// Stages lists the stages in execution order.
var Stages = []Stage{StageBootstrap, StageIngest, StageCleanse, StageConform, StageMerge}

// Stage statuses.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
	StatusSkipped  = "skipped"
)

// State holds the progress of the last run for one catalog and data source.
type State struct {
	Params      table.Params         `yaml:"params"`
	LastRunID   string               `yaml:"last_run_id,omitempty"`
	LastUpdated time.Time            `yaml:"last_updated"`
	Stages      map[Stage]StageState `yaml:"stages,omitempty"`

	// TableVersions records the last version each stage committed, by table name.
	TableVersions map[string]int64 `yaml:"table_versions,omitempty"`
	// Published records the last change feed version sent downstream, by table name.
	Published  map[string]int64 `yaml:"published,omitempty"`
	ReportPath string           `yaml:"report_path,omitempty"`
}

// StageState tracks a single stage.
type StageState struct {
	Status      string    `yaml:"status"`
	RunID       string    `yaml:"run_id,omitempty"`
	StartedAt   time.Time `yaml:"started_at,omitempty"`
	CompletedAt time.Time `yaml:"completed_at,omitempty"`
	Rows        int       `yaml:"rows,omitempty"`
	Version     int64     `yaml:"version,omitempty"`
	Error       string    `yaml:"error,omitempty"`
}

// Path returns the state file for the given parameters under dir.
func Path(dir string, p table.Params) string {
	return filepath.Join(dir, "state", p.Catalog+"."+p.DataSource+".yaml")
}

// Load reads the state from disk. A missing file yields a fresh state.
func Load(path string, p table.Params) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(p), nil
		}
		return nil, fmt.Errorf("reading state: %w", err)
	}

	s := &State{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing state: %w", err)
	}
	s.init()
	return s, nil
}

// Save writes the state to disk.
func (s *State) Save(path string) error {
	s.LastUpdated = time.Now()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// New creates a fresh state.
func New(p table.Params) *State {
	s := &State{Params: p, LastUpdated: time.Now()}
	s.init()
	return s
}

func (s *State) init() {
	if s.Stages == nil {
		s.Stages = make(map[Stage]StageState)
	}
	if s.TableVersions == nil {
		s.TableVersions = make(map[string]int64)
	}
	if s.Published == nil {
		s.Published = make(map[string]int64)
	}
}

// BeginRun records a new run id.
func (s *State) BeginRun(runID string) {
	s.LastRunID = runID
}

// StartStage marks a stage as running.
func (s *State) StartStage(stage Stage) {
	s.Stages[stage] = StageState{
		Status:    StatusRunning,
		RunID:     s.LastRunID,
		StartedAt: time.Now(),
	}
}

// CompleteStage marks a stage as complete.
func (s *State) CompleteStage(stage Stage, rows int, version int64) {
	ss := s.Stages[stage]
	ss.Status = StatusComplete
	ss.RunID = s.LastRunID
	ss.CompletedAt = time.Now()
	ss.Rows = rows
	ss.Version = version
	ss.Error = ""
	s.Stages[stage] = ss
}

// FailStage marks a stage as failed with the given error.
func (s *State) FailStage(stage Stage, err error) {
	ss := s.Stages[stage]
	ss.Status = StatusFailed
	ss.RunID = s.LastRunID
	ss.CompletedAt = time.Now()
	if err != nil {
		ss.Error = err.Error()
	}
	s.Stages[stage] = ss
}

// IsStageComplete returns true if the stage completed in any run.
func (s *State) IsStageComplete(stage Stage) bool {
	ss, ok := s.Stages[stage]
	return ok && ss.Status == StatusComplete
}

// StageStatus returns the status of a stage, pending when never run.
func (s *State) StageStatus(stage Stage) string {
	ss, ok := s.Stages[stage]
	if !ok {
		return StatusPending
	}
	return ss.Status
}

// SetVersion records the latest committed version of a table.
func (s *State) SetVersion(name table.Name, version int64) {
	s.TableVersions[name.String()] = version
}

// Version returns the latest recorded version of a table.
func (s *State) Version(name table.Name) (int64, bool) {
	v, ok := s.TableVersions[name.String()]
	return v, ok
}

// MarkPublished records the last change feed version sent downstream.
func (s *State) MarkPublished(name table.Name, version int64) {
	s.Published[name.String()] = version
}

// PublishedVersion returns the last published version, or -1 when nothing was published.
func (s *State) PublishedVersion(name table.Name) int64 {
	v, ok := s.Published[name.String()]
	if !ok {
		return -1
	}
	return v
}
