package constants

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanProcess(t *testing.T) {
	assert.True(t, CanProcess(StatusQueued))
	assert.True(t, CanProcess(StatusFailed), "explicit retry path")

	for _, s := range []EntryStatus{
		StatusUploaded, StatusProcessing, StatusParsed,
		StatusEmbedded, StatusEmbeddingFailed, StatusImported,
	} {
		assert.False(t, CanProcess(s), "status %s", s)
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []EntryStatus{StatusParsed, StatusEmbedded, StatusEmbeddingFailed, StatusImported, StatusFailed} {
		assert.True(t, Terminal(s), "status %s", s)
	}
	for _, s := range []EntryStatus{StatusUploaded, StatusQueued, StatusProcessing} {
		assert.False(t, Terminal(s), "status %s", s)
	}
}

func TestCanonicalizeCategory(t *testing.T) {
	cases := []struct {
		input string
		want  Category
		ok    bool
	}{
		{"permit", Permit, true},
		{"  Lab-Data  ", LabData, true},
		{"EDD", LabData, true},
		{"lab results", LabData, true},
		{"dmr", MonitoringReport, true},
		{"inspection", FieldInspection, true},
		{"", "", false},
		{"tax-return", "", false},
	}
	for _, tc := range cases {
		got, ok := CanonicalizeCategory(tc.input)
		assert.Equal(t, tc.ok, ok, "input %q", tc.input)
		assert.Equal(t, tc.want, got, "input %q", tc.input)
	}
}

func TestValidStateCode(t *testing.T) {
	assert.True(t, ValidStateCode(""))
	assert.True(t, ValidStateCode("CA"))
	assert.False(t, ValidStateCode("ca"))
	assert.False(t, ValidStateCode("CAL"))
	assert.False(t, ValidStateCode("C1"))
}

func TestIsSpreadsheet(t *testing.T) {
	assert.True(t, IsSpreadsheet("results.xlsx"))
	assert.True(t, IsSpreadsheet("MACRO.XLSM"))
	assert.False(t, IsSpreadsheet("report.pdf"))
	assert.False(t, IsSpreadsheet("noext"))
	assert.False(t, IsSpreadsheet("legacy.xls"), "legacy format goes through as raw bytes")
}
