// Package merge prepares the curated child company dimension for the upsert
// into the parent company's shared dimension.
package merge

import (
	"fmt"

	"github.com/fmcg/dimpipe/internal/cleanse"
	"github.com/fmcg/dimpipe/internal/conform"
	"github.com/fmcg/dimpipe/internal/store"
	"github.com/fmcg/dimpipe/internal/table"
)

// ColCustomerCode is the parent dimension's key.
const ColCustomerCode = "customer_code"

// ParentSchema is the shared parent dimension.
var ParentSchema = table.Schema{
	{Name: ColCustomerCode, Type: table.TypeString},
	{Name: conform.ColCustomer, Type: table.TypeString},
	{Name: conform.ColMarket, Type: table.TypeString},
	{Name: conform.ColPlatform, Type: table.TypeString},
	{Name: conform.ColChannel, Type: table.TypeString},
}

// Prepare renames customer_id to customer_code and projects the parent
// columns. Duplicate codes are rejected so a merge never sees them.
func Prepare(curated *table.Frame) (*table.Frame, error) {
	renamed, err := curated.Rename(cleanse.ColCustomerID, ColCustomerCode)
	if err != nil {
		return nil, err
	}
	src, err := renamed.Select(ParentSchema.Names()...)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, src.Len())
	for _, r := range src.Rows {
		code, ok := r.String(ColCustomerCode)
		if !ok {
			continue
		}
		if seen[code] {
			return nil, fmt.Errorf("%w: %s=%s", store.ErrDuplicateKey, ColCustomerCode, code)
		}
		seen[code] = true
	}
	return src, nil
}

// Options returns the store merge options keyed on customer_code.
func Options(runID string) store.MergeOptions {
	return store.MergeOptions{Key: ColCustomerCode, RunID: runID}
}
