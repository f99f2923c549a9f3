package model

import (
	"fmt"
	"strings"
)

type Flow string

const (
	FlowExport Flow = "export"
	FlowImport Flow = "import"
)

// WireCode returns the single-letter flow code the provider expects.
func (f Flow) WireCode() string {
	switch f {
	case FlowExport:
		return "X"
	case FlowImport:
		return "M"
	default:
		return string(f)
	}
}

func ParseFlow(value string) (Flow, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "import", "imports", "m":
		return FlowImport, nil
	case "export", "exports", "x":
		return FlowExport, nil
	default:
		return "", fmt.Errorf("unknown flow: %s", value)
	}
}

// Query identifies exactly one provider call.
type Query struct {
	Period         string
	ReporterCode   string
	CommodityCode  string
	Flow           Flow
	TypeCode       string
	FreqCode       string
	Classification string
	PartnerCode    string
	Partner2Code   string
	CustomsCode    string
	MotCode        string
	MaxRecords     int
	AggregateBy    string
	BreakdownMode  string
	CountOnly      bool
	IncludeDesc    bool
}

type PayloadKind int

const (
	PayloadTabular PayloadKind = iota
	PayloadEmpty
	PayloadMalformed
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadTabular:
		return "tabular"
	case PayloadEmpty:
		return "empty"
	case PayloadMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// RawResult is the classified provider response for one Query, before
// normalization. Rows is populated only for PayloadTabular; Original holds the
// undecoded body for PayloadMalformed so it can be logged.
type RawResult struct {
	Kind     PayloadKind
	Rows     []map[string]any
	Original []byte
}

// CanonicalRow is the fixed output schema. Numeric fields are pre-rendered as
// thousands-separated two-decimal strings, empty when the source value was
// absent; consumers re-parse if they need numbers.
type CanonicalRow struct {
	ProductCode  string
	RefPeriod    string
	ReporterDesc string
	PartnerDesc  string
	FlowDesc     string
	CmdDesc      string
	CIFValue     string
	FOBValue     string
	PrimaryValue string
	Qty          string
	NetWgt       string
	GrossWgt     string
}

// Header is the single header line every output table starts with.
func Header() []string {
	return []string{
		"productCode", "refPeriod", "reporterDesc", "partnerDesc", "flowDesc",
		"cmdDesc", "cifvalue", "fobvalue", "primaryValue", "qty", "netWgt",
		"grossWgt",
	}
}

func (r CanonicalRow) Record() []string {
	return []string{
		r.ProductCode, r.RefPeriod, r.ReporterDesc, r.PartnerDesc, r.FlowDesc,
		r.CmdDesc, r.CIFValue, r.FOBValue, r.PrimaryValue, r.Qty, r.NetWgt,
		r.GrossWgt,
	}
}

// GenericProductLabel names tables that aggregate a full year for a country
// rather than a single named product.
const GenericProductLabel = "trade_data"

// TableKey identifies one physical output table.
type TableKey struct {
	Country string
	Product string
	Period  string
}

// Filename derives the table file name: lower-cased, spaces collapsed to
// underscores, always .csv.
func (k TableKey) Filename() string {
	product := k.Product
	if strings.TrimSpace(product) == "" {
		product = GenericProductLabel
	}
	return fmt.Sprintf("%s_%s_%s.csv", slug(k.Country), slug(product), slug(k.Period))
}

func slug(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	return strings.Join(strings.Fields(value), "_")
}
