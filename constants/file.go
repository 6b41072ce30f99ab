package constants

import (
	"path/filepath"
	"strings"
)

// SpreadsheetExtensions holds the extensions routed through the client-side
// spreadsheet pre-processor instead of being shipped as raw bytes.
var SpreadsheetExtensions = map[string]struct{}{
	"xlsx": {},
	"xlsm": {},
}

// Payload format tags sent to the extraction service.
const (
	FormatRows  = "rows"  // pre-tokenized spreadsheet rows
	FormatBytes = "bytes" // raw document bytes
)

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// IsSpreadsheet reports whether filename has a spreadsheet extension.
func IsSpreadsheet(filename string) bool {
	ext := NormalizeExt(filepath.Ext(filename))
	_, ok := SpreadsheetExtensions[ext]
	return ok
}
