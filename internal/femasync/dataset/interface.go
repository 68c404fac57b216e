// Package dataset drives the fetch, normalize and load cycle for each
// OpenFEMA resource.
package dataset

import (
	"github.com/sells-group/fema-etl/internal/femasync/transform"
)

// Dataset describes one OpenFEMA resource and the base table it lands in.
type Dataset interface {
	// Name returns the unique identifier used on the command line (e.g. "declarations").
	Name() string

	// Resource returns the OpenFEMA entity name. It is both the URL path
	// segment and the key of the record array in the response envelope.
	Resource() string

	// Table returns the target base table (e.g. "fema.declarations").
	Table() string

	// Schema returns the column plan used to normalize raw records.
	Schema() transform.Schema

	// NaturalKey returns the ordered conflict key. It must match a unique
	// constraint on Table.
	NaturalKey() []string
}

// loadColumns is the column list handed to the loader: the schema columns
// plus the fingerprint.
func loadColumns(d Dataset) []string {
	return append(d.Schema().Names(), transform.FingerprintColumn)
}
