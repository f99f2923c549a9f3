package catalog

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Catalogs are static lookup tables. A file that fails to load is run-fatal
// for the caller; a single name that is not in a loaded catalog is just a
// failed lookup.

type Country struct {
	Name string
	Code string
}

type Countries struct {
	ordered []Country
	byName  map[string]string
}

// LoadCountries reads a JSON array of {"Country Name": ..., "Code": ...}
// objects, order preserved.
func LoadCountries(path string) (*Countries, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read countries: %w", err)
	}

	var entries []map[string]any
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("catalog: parse countries: %w", err)
	}

	countries := &Countries{byName: make(map[string]string)}
	for _, entry := range entries {
		name := entryString(entry, "Country Name", "country_name", "name")
		code := entryString(entry, "Code", "code")
		if name == "" || code == "" {
			continue
		}
		countries.ordered = append(countries.ordered, Country{Name: name, Code: code})
		countries.byName[strings.ToLower(name)] = code
	}
	if len(countries.ordered) == 0 {
		return nil, errors.New("catalog: countries file has no usable entries")
	}
	return countries, nil
}

// Code resolves a country name to its reporter code. Lookups are
// case-insensitive; a miss returns ok=false, never an error.
func (c *Countries) Code(name string) (string, bool) {
	code, ok := c.byName[strings.ToLower(strings.TrimSpace(name))]
	return code, ok
}

func (c *Countries) All() []Country {
	copied := make([]Country, len(c.ordered))
	copy(copied, c.ordered)
	return copied
}

type Product struct {
	Name string
	Code string
}

type Products struct {
	ordered []Product
	byName  map[string]string
}

// LoadProducts reads a commodity nomenclature CSV. Two shapes are accepted,
// detected from the header: a tiered table (Tier, ProductCode, Product
// Description) of which only Tier=2 rows are in scope, or a simple
// name,code mapping.
func LoadProducts(path string) (*Products, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open products: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("catalog: parse products: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("catalog: products file is empty")
	}

	header := normalizeHeader(records[0])
	var parsed []Product
	if _, tiered := header["tier"]; tiered {
		parsed = parseTiered(records[1:], header)
	} else {
		parsed = parseSimple(records, header)
	}
	if len(parsed) == 0 {
		return nil, errors.New("catalog: products file has no usable entries")
	}

	products := &Products{byName: make(map[string]string, len(parsed))}
	for _, product := range parsed {
		products.ordered = append(products.ordered, product)
		products.byName[strings.ToLower(product.Name)] = product.Code
	}
	return products, nil
}

// parseTiered keeps tier-2 rows only: those are the per-country full-catalog
// scope.
func parseTiered(records [][]string, header map[string]int) []Product {
	products := make([]Product, 0, len(records))
	for _, record := range records {
		if getCell(record, header, "tier") != "2" {
			continue
		}
		code := getCell(record, header, "productcode")
		name := getCell(record, header, "product description")
		if name == "" {
			name = getCell(record, header, "productdescription")
		}
		if code == "" || name == "" {
			continue
		}
		products = append(products, Product{Name: name, Code: code})
	}
	return products
}

func parseSimple(records [][]string, header map[string]int) []Product {
	start := 0
	nameIdx, codeIdx := 0, 1
	if idx, ok := headerIndex(header, "product name", "name", "product"); ok {
		nameIdx = idx
		start = 1
	}
	if idx, ok := headerIndex(header, "productcode", "product code", "code"); ok {
		codeIdx = idx
		start = 1
	}

	products := make([]Product, 0, len(records))
	for _, record := range records[start:] {
		if len(record) <= nameIdx || len(record) <= codeIdx {
			continue
		}
		name := strings.TrimSpace(record[nameIdx])
		code := strings.TrimSpace(record[codeIdx])
		if name == "" || code == "" {
			continue
		}
		products = append(products, Product{Name: name, Code: code})
	}
	return products
}

// Code resolves a product name to its commodity code.
func (p *Products) Code(name string) (string, bool) {
	code, ok := p.byName[strings.ToLower(strings.TrimSpace(name))]
	return code, ok
}

func (p *Products) All() []Product {
	copied := make([]Product, len(p.ordered))
	copy(copied, p.ordered)
	return copied
}

func normalizeHeader(header []string) map[string]int {
	result := make(map[string]int, len(header))
	for i, value := range header {
		key := strings.ToLower(strings.TrimSpace(value))
		if key == "" {
			continue
		}
		result[key] = i
	}
	return result
}

func getCell(record []string, header map[string]int, key string) string {
	index, ok := header[key]
	if !ok || index >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[index])
}

func headerIndex(header map[string]int, keys ...string) (int, bool) {
	for _, key := range keys {
		if index, ok := header[key]; ok {
			return index, true
		}
	}
	return 0, false
}

func entryString(entry map[string]any, keys ...string) string {
	for _, key := range keys {
		value, ok := entry[key]
		if !ok {
			for entryKey, entryValue := range entry {
				if strings.EqualFold(entryKey, key) {
					value, ok = entryValue, true
					break
				}
			}
		}
		if !ok {
			continue
		}
		switch typed := value.(type) {
		case string:
			if trimmed := strings.TrimSpace(typed); trimmed != "" {
				return trimmed
			}
		case float64:
			return strconv.FormatFloat(typed, 'f', -1, 64)
		}
	}
	return ""
}
