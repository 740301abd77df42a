// Package conform aligns cleansed child company customers with the parent
// company's dimension model.
package conform

import (
	"github.com/fmcg/dimpipe/internal/cleanse"
	"github.com/fmcg/dimpipe/internal/table"
)

// Conformed columns.
const (
	ColCustomer = "customer"
	ColMarket   = "market"
	ColPlatform = "platform"
	ColChannel  = "channel"
)

// Attributes shared by every customer of the child company.
const (
	Market   = "India"
	Platform = "Sports Bar"
	Channel  = "Acquisition"
)

// UnknownCity labels customers whose city is null.
const UnknownCity = "Unknown"

// CuratedColumns is the projection written to the per-company dimension.
var CuratedColumns = []string{
	cleanse.ColCustomerID, cleanse.ColCustomerName, cleanse.ColCity,
	ColCustomer, ColMarket, ColPlatform, ColChannel,
}

var conformedSchema = table.Schema{
	{Name: ColCustomer, Type: table.TypeString},
	{Name: ColMarket, Type: table.TypeString},
	{Name: ColPlatform, Type: table.TypeString},
	{Name: ColChannel, Type: table.TypeString},
}

// Label joins name and city with "-", using "Unknown" for a null city.
// A null name contributes nothing, so the label is then the city part alone.
func Label(name, city any) string {
	c := UnknownCity
	if s, ok := city.(string); ok {
		c = s
	}
	n, ok := name.(string)
	if !ok {
		return c
	}
	return n + "-" + c
}

// Apply adds the label and constant attributes to every silver row.
func Apply(silver *table.Frame) (*table.Frame, error) {
	if err := silver.Require(cleanse.ColCustomerID, cleanse.ColCustomerName, cleanse.ColCity); err != nil {
		return nil, err
	}
	schema, err := silver.Schema.Merge(conformedSchema)
	if err != nil {
		return nil, err
	}

	out := &table.Frame{Schema: schema, Rows: make([]table.Row, len(silver.Rows))}
	for i, r := range silver.Rows {
		row := r.Clone()
		row[ColCustomer] = Label(r[cleanse.ColCustomerName], r[cleanse.ColCity])
		row[ColMarket] = Market
		row[ColPlatform] = Platform
		row[ColChannel] = Channel
		out.Rows[i] = row
	}
	return out, nil
}

// Curated projects a conformed frame onto the per-company dimension columns.
func Curated(conformed *table.Frame) (*table.Frame, error) {
	return conformed.Select(CuratedColumns...)
}
