package tui

import (
	"fmt"
	"strings"

	"github.com/fmcg/dimpipe/internal/cleanse"
)

// RenderCleanseReport renders the outcome of the cleanse rules.
func RenderCleanseReport(title string, r *cleanse.Report) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n\n")

	b.WriteString(summaryStyle.Render("Rows") + "\n")
	b.WriteString(fmt.Sprintf("  in %d, out %d", r.RowsIn, r.RowsOut))
	if r.NullIDs > 0 {
		b.WriteString(warnStyle.Render(fmt.Sprintf(", %d with null customer_id", r.NullIDs)))
	}
	b.WriteString("\n\n")

	b.WriteString(summaryStyle.Render("Duplicate customer ids") + "\n")
	if len(r.Duplicates) == 0 {
		b.WriteString(dimStyle.Render("  none") + "\n")
	}
	for _, d := range r.Duplicates {
		b.WriteString(fmt.Sprintf("  %s %s\n", highlightStyle.Render(d.ID), dimStyle.Render(fmt.Sprintf("x%d", d.Count))))
	}
	b.WriteString("\n")

	b.WriteString(summaryStyle.Render("Names") + "\n")
	b.WriteString(fmt.Sprintf("  %d trimmed, %d re-cased\n\n", r.NamesTrimmed, r.NamesRecased))

	b.WriteString(summaryStyle.Render("City corrections") + "\n")
	if len(r.Corrections) == 0 {
		b.WriteString(dimStyle.Render("  none") + "\n")
	}
	for _, c := range r.Corrections {
		b.WriteString(fmt.Sprintf("  %s → %s %s\n", c.From, successStyle.Render(c.To), dimStyle.Render(fmt.Sprintf("(%d rows)", c.Rows))))
	}
	if len(r.UnknownCities) > 0 {
		b.WriteString(warnStyle.Render("  outside allowed set: "+strings.Join(r.UnknownCities, ", ")) + "\n")
	}
	b.WriteString(dimStyle.Render("  distinct: "+strings.Join(r.Cities, ", ")) + "\n\n")

	b.WriteString(summaryStyle.Render("Null cities") + "\n")
	b.WriteString(fmt.Sprintf("  before patch %d, after %d\n", r.NullCitiesBefore, r.NullCitiesAfter))
	if len(r.PatchedIDs) > 0 {
		b.WriteString("  patched: " + successStyle.Render(strings.Join(r.PatchedIDs, ", ")) + "\n")
	}
	if len(r.UnpatchedIDs) > 0 {
		b.WriteString("  no override: " + errStyle.Render(strings.Join(r.UnpatchedIDs, ", ")) + "\n")
	}

	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}
