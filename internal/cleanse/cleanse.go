// Package cleanse turns bronze customer rows into one clean row per customer.
package cleanse

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/fmcg/dimpipe/internal/ingest"
	"github.com/fmcg/dimpipe/internal/lookup"
	"github.com/fmcg/dimpipe/internal/table"
)

// Columns the cleanse rules operate on.
const (
	ColCustomerID   = "customer_id"
	ColCustomerName = "customer_name"
	ColCity         = "city"
)

// Report summarizes what the rules changed. Anomalies are reported, never raised.
type Report struct {
	RowsIn           int           `json:"rows_in"`
	RowsOut          int           `json:"rows_out"`
	Duplicates       []DuplicateID `json:"duplicates,omitempty"`
	NullIDs          int           `json:"null_ids,omitempty"`
	NamesTrimmed     int           `json:"names_trimmed"`
	NamesRecased     int           `json:"names_recased"`
	Corrections      []Correction  `json:"corrections,omitempty"`
	UnknownCities    []string      `json:"unknown_cities,omitempty"`
	Cities           []string      `json:"cities"`
	NullCitiesBefore int           `json:"null_cities_before"`
	NullCitiesAfter  int           `json:"null_cities_after"`
	PatchedIDs       []string      `json:"patched_ids,omitempty"`
	UnpatchedIDs     []string      `json:"unpatched_ids,omitempty"`
}

// DuplicateID is a customer id that appeared more than once.
type DuplicateID struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

// Correction counts rows whose city typo was replaced.
type Correction struct {
	From string `json:"from"`
	To   string `json:"to"`
	Rows int    `json:"rows"`
}

// Apply runs the cleanse rules in order: deduplicate on customer_id, trim
// names, correct city typos, title-case names, patch null cities from the
// overrides and cast customer_id to string.
func Apply(bronze *table.Frame, lk *lookup.Tables) (*table.Frame, *Report, error) {
	if err := bronze.Require(ColCustomerID, ColCustomerName, ColCity); err != nil {
		return nil, nil, err
	}
	rep := &Report{RowsIn: bronze.Len()}

	rows := dedupe(bronze.Rows, rep)

	corrections := map[[2]string]int{}
	unknown := map[string]bool{}
	for _, r := range rows {
		if name, ok := r.String(ColCustomerName); ok {
			trimmed := strings.TrimSpace(name)
			if trimmed != name {
				rep.NamesTrimmed++
			}
			r[ColCustomerName] = trimmed
		}

		if city, ok := r.String(ColCity); ok {
			if to, typo := lk.CityTypos[city]; typo {
				corrections[[2]string{city, to}]++
				city = to
				r[ColCity] = to
			}
			if !lk.Allowed(city) {
				unknown[city] = true
			}
		} else {
			rep.NullCitiesBefore++
		}

		if name, ok := r.String(ColCustomerName); ok {
			cased := InitCap(name)
			if cased != name {
				rep.NamesRecased++
			}
			r[ColCustomerName] = cased
		}

		id, hasID := r.String(ColCustomerID)
		if _, ok := r.String(ColCity); !ok {
			if fix, found := lk.CityOverrides[id]; hasID && found {
				r[ColCity] = fix
				rep.PatchedIDs = append(rep.PatchedIDs, id)
			} else {
				rep.NullCitiesAfter++
				if hasID {
					rep.UnpatchedIDs = append(rep.UnpatchedIDs, id)
				}
			}
		}

		if hasID {
			r[ColCustomerID] = id
		}
	}

	for k, n := range corrections {
		rep.Corrections = append(rep.Corrections, Correction{From: k[0], To: k[1], Rows: n})
	}
	sort.Slice(rep.Corrections, func(i, j int) bool { return rep.Corrections[i].From < rep.Corrections[j].From })
	rep.UnknownCities = sortedSet(unknown)
	rep.Cities = distinctCities(rows)
	sort.Strings(rep.PatchedIDs)
	sort.Strings(rep.UnpatchedIDs)
	rep.RowsOut = len(rows)

	schema := make(table.Schema, len(bronze.Schema))
	copy(schema, bronze.Schema)
	schema[schema.Index(ColCustomerID)].Type = table.TypeString

	return &table.Frame{Schema: schema, Rows: rows}, rep, nil
}

// dedupe keeps one row per customer_id. The newest read_timestamp wins, then
// the first row in (file_name, file_row_number) order. Null ids form one
// group. Rows keep the order in which their id first appeared.
func dedupe(in []table.Row, rep *Report) []table.Row {
	const nullKey = "\x00null"

	var order []string
	best := map[string]table.Row{}
	counts := map[string]int{}
	for _, r := range in {
		key, ok := r.String(ColCustomerID)
		if !ok {
			key = nullKey
			rep.NullIDs++
		}
		counts[key]++
		cur, seen := best[key]
		if !seen {
			order = append(order, key)
			best[key] = r
			continue
		}
		if preferred(r, cur) {
			best[key] = r
		}
	}

	out := make([]table.Row, 0, len(order))
	for _, key := range order {
		out = append(out, best[key].Clone())
		if counts[key] > 1 {
			id := key
			if key == nullKey {
				id = ""
			}
			rep.Duplicates = append(rep.Duplicates, DuplicateID{ID: id, Count: counts[key]})
		}
	}
	sort.Slice(rep.Duplicates, func(i, j int) bool { return rep.Duplicates[i].ID < rep.Duplicates[j].ID })
	return out
}

// preferred reports whether a should replace b as the surviving row.
func preferred(a, b table.Row) bool {
	ta, tb := timestamp(a), timestamp(b)
	if !ta.Equal(tb) {
		return ta.After(tb)
	}
	fa, _ := a.String(ingest.ColFileName)
	fb, _ := b.String(ingest.ColFileName)
	if fa != fb {
		return fa < fb
	}
	return rowNumber(a) < rowNumber(b)
}

func timestamp(r table.Row) time.Time {
	ts, _ := r[ingest.ColReadTimestamp].(time.Time)
	return ts
}

func rowNumber(r table.Row) int64 {
	n, _ := r[ingest.ColFileRowNumber].(int64)
	return n
}

var lower = cases.Lower(language.Und)

// InitCap lower-cases s and upper-cases the first letter of every
// space-separated word.
func InitCap(s string) string {
	words := strings.Split(lower.String(norm.NFC.String(s)), " ")
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		if size == 0 {
			continue
		}
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

func distinctCities(rows []table.Row) []string {
	set := map[string]bool{}
	for _, r := range rows {
		if c, ok := r.String(ColCity); ok {
			set[c] = true
		}
	}
	return sortedSet(set)
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Summary is a one-line description for logs.
func (r *Report) Summary() string {
	return fmt.Sprintf("%d rows in, %d out, %d duplicate ids, %d names trimmed, %d cities corrected, %d patched, %d still null",
		r.RowsIn, r.RowsOut, len(r.Duplicates), r.NamesTrimmed, r.CitiesCorrected(), len(r.PatchedIDs), r.NullCitiesAfter)
}

// CitiesCorrected is the number of rows whose city typo was replaced.
func (r *Report) CitiesCorrected() int {
	n := 0
	for _, c := range r.Corrections {
		n += c.Rows
	}
	return n
}
