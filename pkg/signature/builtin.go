package signature

import "github.com/jothamO/prism-app/pkg/tier"

// PARA layers used by fact-related actions.
var paraLayers = []string{"project", "area", "resource", "archive"}

// businessDetailsSchema constrains the structured payload for VAT
// registration filings.
const businessDetailsSchema = `{
  "type": "object",
  "required": ["legal_name", "address"],
  "properties": {
    "legal_name": {"type": "string", "minLength": 1},
    "address": {"type": "string", "minLength": 1},
    "trade_register_no": {"type": "string"},
    "expected_annual_revenue": {"type": "number", "minimum": 0}
  }
}`

// returnDataSchema constrains the structured payload for tax return
// submissions.
const returnDataSchema = `{
  "type": "object",
  "required": ["revenue", "expenses"],
  "properties": {
    "revenue": {"type": "number", "minimum": 0},
    "expenses": {"type": "number", "minimum": 0},
    "deductions": {"type": "array", "items": {"type": "object"}}
  }
}`

// Builtin returns the fixed PRISM declaration set. This is the single
// trusted source of action contracts; the registry is built from it at
// startup and never repopulated.
func Builtin() []ActionSignature {
	return []ActionSignature{
		// ── OBSERVATIONAL ────────────────────────────────────────────
		{
			Name: "calculate_ytd",
			Params: []Param{
				{Name: "user_id", Type: String(), Required: true},
			},
			Returns: ReturnShape{Type: Mapping(""), Description: "year-to-date revenue, expenses, VAT and PIT paid"},
			Tier:    tier.Observational,
		},
		{
			Name: "get_thresholds",
			Params: []Param{
				{Name: "user_id", Type: String(), Required: true},
			},
			Returns: ReturnShape{Type: Mapping(""), Description: "VAT, PIT and withholding thresholds"},
			Tier:    tier.Observational,
		},
		{
			Name: "query_tax_law",
			Params: []Param{
				{Name: "question", Type: String(), Required: true},
			},
			Returns: ReturnShape{Type: String(), Description: "tax-law answer text"},
			Tier:    tier.Observational,
		},
		{
			Name: "get_active_facts",
			Params: []Param{
				{Name: "user_id", Type: String(), Required: true},
				{Name: "layer", Type: Enum(paraLayers...), Required: false},
			},
			Returns: ReturnShape{Type: ListOf(Mapping("")), Description: "active PARA facts for the tenant"},
			Tier:    tier.Observational,
		},

		// ── ADVISORY ─────────────────────────────────────────────────
		{
			Name: "store_atomic_fact",
			Params: []Param{
				{Name: "user_id", Type: String(), Required: true},
				{Name: "layer", Type: Enum(paraLayers...), Required: true},
				{Name: "entity_name", Type: String(), Required: true},
				{Name: "fact_content", Type: Mapping(""), Required: true},
				{Name: "confidence", Type: Number(), Required: false, Default: 1.0},
			},
			Returns: ReturnShape{Description: "none"},
			Tier:    tier.Advisory,
			Guard:   `args.confidence >= 0.0 && args.confidence <= 1.0`,
			Mutates: &FactKeySpec{TenantArg: "user_id", LayerArg: "layer", EntityArg: "entity_name"},
		},
		{
			Name: "create_optimization_hint",
			Params: []Param{
				{Name: "user_id", Type: String(), Required: true},
				{Name: "hint_type", Type: String(), Required: true},
				{Name: "details", Type: Mapping(""), Required: true},
			},
			Returns: ReturnShape{Description: "none"},
			Tier:    tier.Advisory,
		},
		{
			Name: "auto_tag_transaction",
			Params: []Param{
				{Name: "user_id", Type: String(), Required: true},
				{Name: "transaction_id", Type: String(), Required: true},
				{Name: "suggested_category", Type: String(), Required: true},
			},
			Returns: ReturnShape{Description: "none"},
			Tier:    tier.Advisory,
		},

		// ── ACTIVE ───────────────────────────────────────────────────
		{
			Name: "reclassify_transaction",
			Params: []Param{
				{Name: "user_id", Type: String(), Required: true},
				{Name: "transaction_id", Type: String(), Required: true},
				{Name: "new_category", Type: String(), Required: true},
				{Name: "reason", Type: String(), Required: true},
			},
			Returns: ReturnShape{Description: "none"},
			Tier:    tier.Active,
		},
		{
			Name: "create_project_draft",
			Params: []Param{
				{Name: "user_id", Type: String(), Required: true},
				{Name: "project_name", Type: String(), Required: true},
				{Name: "estimated_revenue", Type: Number(), Required: true},
			},
			Returns: ReturnShape{Description: "none"},
			Tier:    tier.Active,
			Guard:   `args.estimated_revenue >= 0.0`,
		},

		// ── CRITICAL ─────────────────────────────────────────────────
		{
			Name: "file_vat_registration",
			Params: []Param{
				{Name: "user_id", Type: String(), Required: true},
				{Name: "business_details", Type: Mapping(businessDetailsSchema), Required: true},
			},
			Returns: ReturnShape{Description: "none"},
			Tier:    tier.Critical,
		},
		{
			Name: "submit_tax_return",
			Params: []Param{
				{Name: "user_id", Type: String(), Required: true},
				{Name: "year", Type: Integer(), Required: true},
				{Name: "return_data", Type: Mapping(returnDataSchema), Required: true},
			},
			Returns: ReturnShape{Description: "none"},
			Tier:    tier.Critical,
			Guard:   `args.year >= 2000 && args.year <= 2100`,
		},
	}
}

// BuildBuiltin constructs the frozen registry from the builtin set.
func BuildBuiltin() (*Registry, error) {
	b := NewBuilder()
	for _, sig := range Builtin() {
		if err := b.Register(sig); err != nil {
			return nil, err
		}
	}
	return b.Build(), nil
}
