package importer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JonMunkholm/enroll/internal/workbook"
)

// AutoDetect proposes one mapping per header. Each header is lowercased and
// tested against the entity's field patterns in detection order; the first
// field with a matching substring wins. Unmatched headers stay unmapped.
func AutoDetect(def EntityDefinition, headers []string) []ColumnMapping {
	order := detectionOrder(def)

	mappings := make([]ColumnMapping, len(headers))
	for i, h := range headers {
		mappings[i] = ColumnMapping{
			ColumnIndex: i,
			Column:      workbook.ColumnLetter(i),
			Header:      h,
			Field:       detectField(order, strings.ToLower(h)),
		}
	}
	return mappings
}

func detectField(order []FieldSpec, header string) Field {
	for _, spec := range order {
		for _, p := range spec.Patterns {
			if strings.Contains(header, p) {
				return spec.Name
			}
		}
	}
	return ""
}

func detectionOrder(def EntityDefinition) []FieldSpec {
	order := make([]FieldSpec, 0, len(def.Fields))
	seen := make(map[Field]bool, len(def.Fields))

	for _, name := range def.Detection {
		if spec, ok := def.Spec(name); ok && !seen[name] {
			order = append(order, spec)
			seen[name] = true
		}
	}
	for _, spec := range def.Fields {
		if !seen[spec.Name] {
			order = append(order, spec)
		}
	}
	return order
}

// SetMapping returns a copy of mappings with the column at columnIndex bound
// to field, replacing whatever was there. An empty field clears the binding.
func SetMapping(def EntityDefinition, mappings []ColumnMapping, columnIndex int, field Field) ([]ColumnMapping, error) {
	if columnIndex < 0 || columnIndex >= len(mappings) {
		return nil, fmt.Errorf("%w: index %d", ErrColumnNotFound, columnIndex)
	}
	if field != "" {
		if _, ok := def.Spec(field); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
		}
	}

	out := make([]ColumnMapping, len(mappings))
	copy(out, mappings)
	out[columnIndex].Field = field
	return out, nil
}

// Authoritative resolves duplicate bindings: when several columns map to
// the same field, the lowest column index wins.
func Authoritative(mappings []ColumnMapping) map[Field]ColumnMapping {
	sorted := make([]ColumnMapping, len(mappings))
	copy(sorted, mappings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ColumnIndex < sorted[j].ColumnIndex
	})

	out := make(map[Field]ColumnMapping)
	for _, m := range sorted {
		if m.Field == "" {
			continue
		}
		if _, exists := out[m.Field]; !exists {
			out[m.Field] = m
		}
	}
	return out
}

// MissingRequired lists required fields with no column bound, in
// declaration order.
func MissingRequired(def EntityDefinition, mappings []ColumnMapping) []Field {
	bound := Authoritative(mappings)

	var missing []Field
	for _, f := range def.RequiredFields() {
		if _, ok := bound[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}

// Duplicates returns fields bound to more than one column, with the
// shadowed column letters. Used to warn the user; validation only looks at
// the authoritative column.
func Duplicates(mappings []ColumnMapping) map[Field][]string {
	auth := Authoritative(mappings)
	out := make(map[Field][]string)
	for _, m := range mappings {
		if m.Field == "" {
			continue
		}
		if a := auth[m.Field]; a.ColumnIndex != m.ColumnIndex {
			out[m.Field] = append(out[m.Field], m.Column)
		}
	}
	return out
}
