// Package transform turns raw OpenFEMA records into typed warehouse rows.
package transform

// Kind selects the coercion applied to a column.
type Kind int

const (
	KindString Kind = iota
	KindDate
	KindAmount
	KindInt
	KindBool
)

// String returns the kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindDate:
		return "date"
	case KindAmount:
		return "amount"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	default:
		return "unknown"
	}
}

// Column maps one source field onto one warehouse column.
type Column struct {
	Name   string // warehouse column
	Source string // API field; matched ignoring case and underscores. Defaults to Name.
	Kind   Kind

	// MaxLen bounds KindString values, in characters. 0 means unbounded.
	MaxLen int

	// Nullable makes a missing or unparsable KindInt nil instead of 0.
	// Set it on identifiers so keyless records are not loaded under key 0.
	Nullable bool

	// Volatile columns change on every refresh without a content change
	// and are left out of the fingerprint.
	Volatile bool
}

// Schema is the ordered column plan for one dataset.
type Schema struct {
	Columns []Column
}

// Names returns the warehouse column names in plan order.
func (s Schema) Names() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// Volatile returns the names of columns excluded from the fingerprint.
func (s Schema) Volatile() []string {
	var out []string
	for _, c := range s.Columns {
		if c.Volatile {
			out = append(out, c.Name)
		}
	}
	return out
}
