// Package report builds the JSON run report of a pipeline run.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fmcg/dimpipe/internal/aws"
	"github.com/fmcg/dimpipe/internal/cleanse"
	"github.com/fmcg/dimpipe/internal/store"
	"github.com/fmcg/dimpipe/internal/table"
	"github.com/fmcg/dimpipe/internal/verify"
)

// RunReport is the report of one pipeline run.
type RunReport struct {
	Version      string             `json:"version"`
	RunID        string             `json:"run_id"`
	GeneratedAt  time.Time          `json:"generated_at"`
	Params       table.Params       `json:"params"`
	Source       string             `json:"source,omitempty"`
	Status       string             `json:"status"`
	Stages       []StageOutcome     `json:"stages"`
	Ingest       *IngestSummary     `json:"ingest,omitempty"`
	Cleanse      *cleanse.Report    `json:"cleanse,omitempty"`
	Merge        *store.MergeResult `json:"merge,omitempty"`
	Published    int                `json:"published,omitempty"`
	Verification *verify.Result     `json:"verification,omitempty"`
	Warnings     []string           `json:"warnings,omitempty"`
}

// StageOutcome describes one stage of the run.
type StageOutcome struct {
	Stage   string  `json:"stage"`
	Status  string  `json:"status"`
	Table   string  `json:"table,omitempty"`
	Rows    int     `json:"rows"`
	Version int64   `json:"version"`
	Seconds float64 `json:"seconds"`
	Error   string  `json:"error,omitempty"`
}

// IngestSummary describes the files loaded into bronze.
type IngestSummary struct {
	Files         []string  `json:"files"`
	Rows          int       `json:"rows"`
	ReadTimestamp time.Time `json:"read_timestamp"`
}

// New starts a report for a run.
func New(runID string, p table.Params, source string) *RunReport {
	return &RunReport{
		Version:     "1",
		RunID:       runID,
		GeneratedAt: time.Now(),
		Params:      p,
		Source:      source,
	}
}

// FileName is the report's base name: {catalog}.{data_source}-{UTC time}-{run id}.json.
func (r *RunReport) FileName() string {
	return fmt.Sprintf("%s.%s-%s-%s.json", r.Params.Catalog, r.Params.DataSource,
		r.GeneratedAt.UTC().Format("20060102T150405Z"), r.RunID)
}

// Path returns where the report is written under the state directory.
func (r *RunReport) Path(stateDir string) string {
	return filepath.Join(stateDir, "reports", r.FileName())
}

// WriteJSON writes the report as JSON.
func WriteJSON(report *RunReport, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadJSON reads a report from a JSON file.
func ReadJSON(path string) (*RunReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading report: %w", err)
	}
	r := &RunReport{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("parsing report: %w", err)
	}
	return r, nil
}

// Upload copies the report under an s3://bucket/prefix URI and returns the object URI.
func Upload(ctx context.Context, client aws.Client, prefix string, report *RunReport) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling report: %w", err)
	}
	uri := strings.TrimSuffix(prefix, "/") + "/" + report.FileName()
	if err := aws.WriteURI(ctx, client, uri, data); err != nil {
		return "", fmt.Errorf("uploading report: %w", err)
	}
	return uri, nil
}

// FormatText renders the report as human-readable text.
func FormatText(report *RunReport) string {
	var b strings.Builder

	b.WriteString("=== dimpipe Run Report ===\n")
	b.WriteString(fmt.Sprintf("Run:       %s\n", report.RunID))
	b.WriteString(fmt.Sprintf("Generated: %s\n", report.GeneratedAt.Format(time.RFC3339)))
	b.WriteString(fmt.Sprintf("Params:    catalog=%s data_source=%s\n", report.Params.Catalog, report.Params.DataSource))
	if report.Source != "" {
		b.WriteString(fmt.Sprintf("Source:    %s\n", report.Source))
	}
	b.WriteString(fmt.Sprintf("Status:    %s\n\n", report.Status))

	b.WriteString("Stages:\n")
	for _, s := range report.Stages {
		line := fmt.Sprintf("  %-10s %-9s %6d rows", s.Stage, s.Status, s.Rows)
		if s.Table != "" {
			line += fmt.Sprintf("  %s v%d", s.Table, s.Version)
		}
		line += fmt.Sprintf("  %.1fs", s.Seconds)
		if s.Error != "" {
			line += "  error: " + s.Error
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("\n")

	if report.Ingest != nil {
		b.WriteString(fmt.Sprintf("Ingest: %d rows from %d files\n", report.Ingest.Rows, len(report.Ingest.Files)))
	}
	if report.Cleanse != nil {
		b.WriteString("Cleanse: " + report.Cleanse.Summary() + "\n")
	}
	if report.Merge != nil {
		b.WriteString(fmt.Sprintf("Merge: %d inserted, %d updated (version %d)\n",
			report.Merge.Inserted, report.Merge.Updated, report.Merge.Version))
	}
	if report.Published > 0 {
		b.WriteString(fmt.Sprintf("Published: %d changes\n", report.Published))
	}

	if report.Verification != nil {
		b.WriteString(fmt.Sprintf("\nVerification: %s\n", report.Verification.Status))
		for _, t := range report.Verification.Tables {
			b.WriteString(fmt.Sprintf("  %s: %s\n", t.Table, t.Status))
			for _, c := range t.Checks {
				if !c.Passed {
					b.WriteString(fmt.Sprintf("    [FAIL] %s: %s\n", c.Name, c.Message))
				}
			}
		}
	}

	if len(report.Warnings) > 0 {
		b.WriteString("\nWarnings:\n")
		for i, w := range report.Warnings {
			b.WriteString(fmt.Sprintf("  %d. %s\n", i+1, w))
		}
	}

	return b.String()
}

// Latest returns the newest report under stateDir for the given parameters.
func Latest(stateDir string, p table.Params) (string, error) {
	pattern := filepath.Join(stateDir, "reports", p.Catalog+"."+p.DataSource+"-*.json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no reports in %s", filepath.Dir(pattern))
	}
	// File names sort by timestamp.
	latest := matches[0]
	for _, m := range matches[1:] {
		if m > latest {
			latest = m
		}
	}
	return latest, nil
}
