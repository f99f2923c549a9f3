package normalize

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"tradeharvest/internal/model"
)

// requiredColumns must all be present somewhere in a tabular payload. A payload
// missing any of them is a schema mismatch and yields no rows.
var requiredColumns = []string{
	"refYear", "refMonth", "reporterDesc", "partnerDesc", "flowDesc", "cmdDesc",
	"cifvalue",
}

type Normalizer struct {
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize converts a classified provider result into canonical rows.
// Empty and malformed payloads normalize to nil; so does a tabular payload
// whose schema does not carry the required columns.
func (n *Normalizer) Normalize(raw model.RawResult, query model.Query) []model.CanonicalRow {
	if raw.Kind != model.PayloadTabular || len(raw.Rows) == 0 {
		return nil
	}

	if missing := missingColumns(raw.Rows); len(missing) > 0 {
		n.logger.Error().
			Str("period", query.Period).
			Str("reporter", query.ReporterCode).
			Str("commodity", query.CommodityCode).
			Strs("missing_columns", missing).
			Msg("payload schema mismatch, dropping result")
		return nil
	}

	rows := make([]model.CanonicalRow, 0, len(raw.Rows))
	for _, record := range raw.Rows {
		rows = append(rows, model.CanonicalRow{
			ProductCode:  query.CommodityCode,
			RefPeriod:    query.Period,
			ReporterDesc: stringField(record, "reporterDesc"),
			PartnerDesc:  stringField(record, "partnerDesc"),
			FlowDesc:     stringField(record, "flowDesc"),
			CmdDesc:      stringField(record, "cmdDesc"),
			CIFValue:     numberField(record, "cifvalue"),
			FOBValue:     numberField(record, "fobvalue"),
			PrimaryValue: numberField(record, "primaryValue"),
			Qty:          numberField(record, "qty"),
			NetWgt:       numberField(record, "netWgt"),
			GrossWgt:     numberField(record, "grossWgt"),
		})
	}
	return rows
}

// missingColumns checks required column presence over the union of keys: the
// provider omits null fields per record, so a column counts as present when any
// record carries it.
func missingColumns(records []map[string]any) []string {
	present := make(map[string]bool)
	for _, record := range records {
		for key := range record {
			present[strings.ToLower(key)] = true
		}
	}

	missing := make([]string, 0)
	for _, column := range requiredColumns {
		if !present[strings.ToLower(column)] {
			missing = append(missing, column)
		}
	}
	return missing
}

func stringField(record map[string]any, key string) string {
	value, ok := getString(record, key)
	if !ok {
		return ""
	}
	return value
}

// numberField renders a numeric source value as a thousands-separated
// two-decimal string, or "" when the field is absent or null.
func numberField(record map[string]any, key string) string {
	value, ok := getFloat(record, key)
	if !ok {
		return ""
	}
	return FormatNumber(value)
}

// FormatNumber is the single formatting rule for numeric output columns:
// thousands-separated, two decimals, rounded half-up on the decimal
// representation. The shortest decimal form is the contract, not the binary
// double: 1000.555 must render as "1,000.56" even though the nearest double
// sits just below the midpoint, so no float arithmetic happens here.
func FormatNumber(value float64) string {
	text := strconv.FormatFloat(value, 'f', -1, 64)
	negative := strings.HasPrefix(text, "-")
	text = strings.TrimPrefix(text, "-")

	whole, frac, _ := strings.Cut(text, ".")
	for len(frac) < 3 {
		frac += "0"
	}
	digits := []byte(whole + frac[:2])
	if frac[2] >= '5' {
		digits = incrementDigits(digits)
	}

	cents := string(digits[len(digits)-2:])
	out := groupThousands(strings.TrimLeft(string(digits[:len(digits)-2]), "0")) + "." + cents
	if negative && out != "0.00" {
		out = "-" + out
	}
	return out
}

func incrementDigits(digits []byte) []byte {
	for i := len(digits) - 1; i >= 0; i-- {
		if digits[i] < '9' {
			digits[i]++
			return digits
		}
		digits[i] = '0'
	}
	return append([]byte{'1'}, digits...)
}

func groupThousands(digits string) string {
	if digits == "" {
		return "0"
	}
	var b strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}

func getString(record map[string]any, keys ...string) (string, bool) {
	value, ok := getValue(record, keys...)
	if !ok {
		return "", false
	}
	switch typed := value.(type) {
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return "", false
		}
		return trimmed, true
	case json.Number:
		return typed.String(), true
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	case int:
		return strconv.Itoa(typed), true
	case int64:
		return strconv.FormatInt(typed, 10), true
	default:
		return "", false
	}
}

func getFloat(record map[string]any, keys ...string) (float64, bool) {
	value, ok := getValue(record, keys...)
	if !ok {
		return 0, false
	}
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func getValue(record map[string]any, keys ...string) (any, bool) {
	for _, key := range keys {
		if value, ok := record[key]; ok && value != nil {
			return value, true
		}
	}
	for recordKey, value := range record {
		if value == nil {
			continue
		}
		for _, key := range keys {
			if strings.EqualFold(recordKey, key) {
				return value, true
			}
		}
	}
	return nil, false
}
