package dataset

import (
	"github.com/sells-group/fema-etl/internal/femasync/transform"
)

// PublicAssistance loads PublicAssistanceFundedProjectsDetails: one row per
// project worksheet.
type PublicAssistance struct{}

// Name implements Dataset.
func (p *PublicAssistance) Name() string { return "public_assistance" }

// Resource implements Dataset.
func (p *PublicAssistance) Resource() string { return "PublicAssistanceFundedProjectsDetails" }

// Table implements Dataset.
func (p *PublicAssistance) Table() string { return "fema.public_assistance_projects" }

// NaturalKey implements Dataset.
func (p *PublicAssistance) NaturalKey() []string { return []string{"disaster_number", "pw_number"} }

// Schema implements Dataset. String limits mirror the VARCHAR widths of the
// target table.
func (p *PublicAssistance) Schema() transform.Schema {
	return transform.Schema{Columns: []transform.Column{
		{Name: "disaster_number", Kind: transform.KindInt, Nullable: true},
		{Name: "declaration_date", Kind: transform.KindDate},
		{Name: "incident_type", Kind: transform.KindString, MaxLen: 100},
		{Name: "pw_number", Kind: transform.KindString, MaxLen: 50},
		{Name: "application_title", Kind: transform.KindString, MaxLen: 500},
		{Name: "applicant_id", Kind: transform.KindString, MaxLen: 50},
		{Name: "damage_category_code", Kind: transform.KindString, MaxLen: 10},
		{Name: "damage_category_descrip", Kind: transform.KindString, MaxLen: 255},
		{Name: "project_status", Kind: transform.KindString, MaxLen: 50},
		{Name: "project_process_step", Kind: transform.KindString, MaxLen: 100},
		{Name: "project_size", Kind: transform.KindString, MaxLen: 50},
		{Name: "county", Kind: transform.KindString, MaxLen: 100},
		{Name: "county_code", Kind: transform.KindString, MaxLen: 10},
		{Name: "state_abbreviation", Kind: transform.KindString, MaxLen: 10},
		{Name: "state_number_code", Kind: transform.KindString, MaxLen: 10},
		{Name: "project_amount", Kind: transform.KindAmount},
		{Name: "federal_share_obligated", Kind: transform.KindAmount},
		{Name: "total_obligated", Kind: transform.KindAmount},
		{Name: "mitigation_amount", Kind: transform.KindAmount},
		{Name: "last_obligation_date", Kind: transform.KindDate},
		{Name: "first_obligation_date", Kind: transform.KindDate},
		{Name: "gm_project_id", Kind: transform.KindString, MaxLen: 50},
		{Name: "gm_applicant_id", Kind: transform.KindString, MaxLen: 50},
		{Name: "source_hash", Source: "hash", Kind: transform.KindString, MaxLen: 64, Volatile: true},
		{Name: "last_refresh", Kind: transform.KindDate, Volatile: true},
	}}
}
