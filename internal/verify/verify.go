// Package verify checks the persisted tables of a finished run.
package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fmcg/dimpipe/internal/cleanse"
	"github.com/fmcg/dimpipe/internal/conform"
	"github.com/fmcg/dimpipe/internal/merge"
	"github.com/fmcg/dimpipe/internal/store"
	"github.com/fmcg/dimpipe/internal/table"
)

// Statuses.
const (
	StatusPass    = "PASS"
	StatusFail    = "FAIL"
	StatusPartial = "PARTIAL"
)

// Check names.
const (
	CheckUniqueIDs     = "unique_ids"
	CheckNamesTrimmed  = "names_trimmed"
	CheckLabels        = "labels"
	CheckConstants     = "constants"
	CheckParentPresent = "parent_present"
)

// maxExamples caps the offending keys kept per check.
const maxExamples = 5

// Result holds the outcome of verification.
type Result struct {
	Status      string        `json:"status"` // PASS, FAIL, PARTIAL
	Tables      []TableResult `json:"tables"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
}

// TableResult holds the checks of a single table.
type TableResult struct {
	Table  string  `json:"table"`
	Checks []Check `json:"checks"`
	Status string  `json:"status"` // PASS, FAIL
}

// Check is one verification rule applied to a table.
type Check struct {
	Name     string   `json:"name"`
	Passed   bool     `json:"passed"`
	Rows     int      `json:"rows"`
	Failures int      `json:"failures"`
	Examples []string `json:"examples,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// Verifier checks silver, curated and parent tables for one parameter pair.
type Verifier struct {
	Store    store.Store
	Params   table.Params
	Callback func(table, check string, passed bool)
}

// Verify runs all checks. A missing table is an error; failed checks are not.
func (v *Verifier) Verify(ctx context.Context) (*Result, error) {
	result := &Result{StartedAt: time.Now()}

	silverName := table.Silver(v.Params)
	silver, err := v.Store.Read(ctx, silverName)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", silverName, err)
	}
	result.Tables = append(result.Tables, v.run(silverName, silver,
		checkUniqueIDs, checkNamesTrimmed, checkLabels, checkConstants))

	curatedName := table.CompanyDimension(v.Params)
	curated, err := v.Store.Read(ctx, curatedName)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", curatedName, err)
	}
	result.Tables = append(result.Tables, v.run(curatedName, curated,
		checkUniqueIDs, checkLabels, checkConstants))

	parentName := table.ParentDimension(v.Params)
	parent, err := v.Store.Read(ctx, parentName)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", parentName, err)
	}
	pr := TableResult{Table: parentName.String(), Status: StatusPass}
	c := checkParentPresent(curated, parent)
	pr.Checks = append(pr.Checks, c)
	if !c.Passed {
		pr.Status = StatusFail
	}
	v.notify(parentName.String(), c.Name, c.Passed)
	result.Tables = append(result.Tables, pr)

	result.CompletedAt = time.Now()
	result.Status = computeOverallStatus(result.Tables)
	return result, nil
}

func (v *Verifier) run(name table.Name, f *table.Frame, checks ...func(*table.Frame) Check) TableResult {
	tr := TableResult{Table: name.String(), Status: StatusPass}
	for _, fn := range checks {
		c := fn(f)
		tr.Checks = append(tr.Checks, c)
		if !c.Passed {
			tr.Status = StatusFail
		}
		v.notify(tr.Table, c.Name, c.Passed)
	}
	return tr
}

func (v *Verifier) notify(tbl, check string, passed bool) {
	if v.Callback != nil {
		v.Callback(tbl, check, passed)
	}
}

func computeOverallStatus(tables []TableResult) string {
	if len(tables) == 0 {
		return StatusPass
	}
	failCount := 0
	for _, t := range tables {
		if t.Status == StatusFail {
			failCount++
		}
	}
	if failCount == 0 {
		return StatusPass
	}
	if failCount == len(tables) {
		return StatusFail
	}
	return StatusPartial
}

// tally builds a check from the offending keys.
func tally(name string, rows int, bad []string, what string) Check {
	c := Check{Name: name, Rows: rows, Failures: len(bad), Passed: len(bad) == 0}
	if len(bad) > maxExamples {
		c.Examples = bad[:maxExamples]
	} else {
		c.Examples = bad
	}
	if !c.Passed {
		c.Message = fmt.Sprintf("%d of %d rows %s", len(bad), rows, what)
	}
	return c
}

func missing(name string, err error) Check {
	return Check{Name: name, Message: err.Error()}
}

func idOf(r table.Row) string {
	if id, ok := r.String(cleanse.ColCustomerID); ok {
		return id
	}
	return "<null>"
}

func checkUniqueIDs(f *table.Frame) Check {
	if err := f.Require(cleanse.ColCustomerID); err != nil {
		return missing(CheckUniqueIDs, err)
	}
	counts := make(map[string]int, f.Len())
	var bad []string
	for _, r := range f.Rows {
		id := idOf(r)
		counts[id]++
		if counts[id] == 2 {
			bad = append(bad, id)
		}
	}
	return tally(CheckUniqueIDs, f.Len(), bad, "share a customer_id")
}

func checkNamesTrimmed(f *table.Frame) Check {
	if err := f.Require(cleanse.ColCustomerName); err != nil {
		return missing(CheckNamesTrimmed, err)
	}
	var bad []string
	for _, r := range f.Rows {
		if name, ok := r.String(cleanse.ColCustomerName); ok && name != strings.TrimSpace(name) {
			bad = append(bad, idOf(r))
		}
	}
	return tally(CheckNamesTrimmed, f.Len(), bad, "have untrimmed names")
}

func checkLabels(f *table.Frame) Check {
	if err := f.Require(cleanse.ColCustomerName, cleanse.ColCity, conform.ColCustomer); err != nil {
		return missing(CheckLabels, err)
	}
	var bad []string
	for _, r := range f.Rows {
		if r[conform.ColCustomer] != conform.Label(r[cleanse.ColCustomerName], r[cleanse.ColCity]) {
			bad = append(bad, idOf(r))
		}
	}
	return tally(CheckLabels, f.Len(), bad, "have a label not derived from name and city")
}

func checkConstants(f *table.Frame) Check {
	if err := f.Require(conform.ColMarket, conform.ColPlatform, conform.ColChannel); err != nil {
		return missing(CheckConstants, err)
	}
	var bad []string
	for _, r := range f.Rows {
		if r[conform.ColMarket] != conform.Market ||
			r[conform.ColPlatform] != conform.Platform ||
			r[conform.ColChannel] != conform.Channel {
			bad = append(bad, idOf(r))
		}
	}
	return tally(CheckConstants, f.Len(), bad, "have unexpected market, platform or channel")
}

var errNoKey = errors.New("parent has no customer_code column")

// checkParentPresent requires every curated customer to appear exactly once
// in the parent with the same attributes.
func checkParentPresent(curated, parent *table.Frame) Check {
	src, err := merge.Prepare(curated)
	if err != nil {
		return missing(CheckParentPresent, err)
	}
	if !parent.HasColumn(merge.ColCustomerCode) {
		return missing(CheckParentPresent, errNoKey)
	}

	byCode := make(map[string][]table.Row, parent.Len())
	for _, r := range parent.Rows {
		if code, ok := r.String(merge.ColCustomerCode); ok {
			byCode[code] = append(byCode[code], r)
		}
	}

	var bad []string
	for _, r := range src.Rows {
		code, ok := r.String(merge.ColCustomerCode)
		if !ok {
			continue
		}
		matches := byCode[code]
		if len(matches) != 1 {
			bad = append(bad, code)
			continue
		}
		for _, col := range merge.ParentSchema.Names() {
			if matches[0][col] != r[col] {
				bad = append(bad, code)
				break
			}
		}
	}
	return tally(CheckParentPresent, src.Len(), bad, "are missing, duplicated or different in the parent")
}
