package dataset

import (
	"github.com/sells-group/fema-etl/internal/femasync/transform"
)

// Declarations loads DisasterDeclarationsSummaries: one row per disaster and
// designated area.
type Declarations struct{}

// Name implements Dataset.
func (d *Declarations) Name() string { return "declarations" }

// Resource implements Dataset.
func (d *Declarations) Resource() string { return "DisasterDeclarationsSummaries" }

// Table implements Dataset.
func (d *Declarations) Table() string { return "fema.declarations" }

// NaturalKey implements Dataset.
func (d *Declarations) NaturalKey() []string { return []string{"disaster_number", "place_code"} }

// Schema implements Dataset.
func (d *Declarations) Schema() transform.Schema {
	return transform.Schema{Columns: []transform.Column{
		{Name: "disaster_number", Kind: transform.KindInt, Nullable: true},
		{Name: "fema_declaration_string", Kind: transform.KindString, MaxLen: 50},
		{Name: "state", Kind: transform.KindString, MaxLen: 10},
		{Name: "declaration_type", Kind: transform.KindString, MaxLen: 10},
		{Name: "declaration_date", Kind: transform.KindDate},
		{Name: "fy_declared", Kind: transform.KindInt, Nullable: true},
		{Name: "incident_type", Kind: transform.KindString, MaxLen: 100},
		{Name: "declaration_title", Kind: transform.KindString, MaxLen: 255},
		{Name: "ih_program_declared", Kind: transform.KindBool},
		{Name: "ia_program_declared", Kind: transform.KindBool},
		{Name: "pa_program_declared", Kind: transform.KindBool},
		{Name: "hm_program_declared", Kind: transform.KindBool},
		{Name: "incident_begin_date", Kind: transform.KindDate},
		{Name: "incident_end_date", Kind: transform.KindDate},
		{Name: "disaster_closeout_date", Kind: transform.KindDate},
		{Name: "fips_state_code", Kind: transform.KindString, MaxLen: 10},
		{Name: "fips_county_code", Kind: transform.KindString, MaxLen: 10},
		{Name: "place_code", Kind: transform.KindString, MaxLen: 10},
		{Name: "designated_area", Kind: transform.KindString, MaxLen: 255},
		{Name: "declaration_request_number", Kind: transform.KindString, MaxLen: 20},
		{Name: "region", Kind: transform.KindInt, Nullable: true},
		{Name: "source_hash", Source: "hash", Kind: transform.KindString, MaxLen: 64, Volatile: true},
		{Name: "last_refresh", Kind: transform.KindDate, Volatile: true},
	}}
}
