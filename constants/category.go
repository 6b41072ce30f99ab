package constants

import "strings"

// Category classifies an uploaded regulatory document.
type Category string

const (
	Permit           Category = "permit"
	LabData          Category = "lab-data"
	FieldInspection  Category = "field-inspection"
	MonitoringReport Category = "monitoring-report"
	Correspondence   Category = "correspondence"
)

var allCategories = []Category{
	Permit,
	LabData,
	FieldInspection,
	MonitoringReport,
	Correspondence,
}

func Categories() []string {
	result := make([]string, len(allCategories))
	for i, c := range allCategories {
		result[i] = string(c)
	}
	return result
}

// CanonicalizeCategory maps free-form input to a known category.
func CanonicalizeCategory(input string) (Category, bool) {
	normalized := strings.ToLower(strings.TrimSpace(input))
	if normalized == "" {
		return "", false
	}

	synonyms := map[string]Category{
		"npdes permit": Permit,
		"edd":          LabData,
		"lab results":  LabData,
		"lab_data":     LabData,
		"labdata":      LabData,
		"inspection":   FieldInspection,
		"dmr":          MonitoringReport,
	}
	if c, ok := synonyms[normalized]; ok {
		return c, true
	}

	for _, c := range allCategories {
		if normalized == string(c) {
			return c, true
		}
	}
	return "", false
}

// ValidStateCode accepts two-letter US jurisdiction codes. Empty means
// federal/unscoped.
func ValidStateCode(code string) bool {
	if code == "" {
		return true
	}
	if len(code) != 2 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
