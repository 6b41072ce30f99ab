// Package preprocess parses spreadsheet uploads in the caller's process and
// ships structured rows instead of raw bytes. The extraction host runs under
// a fixed memory ceiling that a spreadsheet library plus file bytes would
// exceed; this side has no such constraint.
package preprocess

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xuri/excelize/v2"
)

// headerScanDepth is how many leading rows of each sheet are scanned for the
// EDD header row. Lab exports routinely prepend cover blocks and metadata.
const headerScanDepth = 25

// requiredMarkers must all appear (as substrings of the joined, normalized
// row) for a row to count as the EDD header.
var requiredMarkers = []string{"sampleid", "analyte", "result", "units"}

// SheetData is the pre-processed replacement payload for a spreadsheet
// upload: the chosen sheet plus all of its rows in order.
type SheetData struct {
	Sheet string
	Rows  [][]string
	// HeaderMatched is false on the degraded fallback path where no sheet
	// carried a recognizable header and sheet 1 was shipped as-is.
	HeaderMatched bool
}

// ScanWorkbook scans every sheet of the workbook for an EDD header row and
// returns the first sheet whose scan succeeds, with all of its rows. If no
// sheet matches, it falls back to the first sheet's raw rows; degraded but
// non-fatal, the extraction service gets a chance at it.
func ScanWorkbook(data []byte, filename string, logger *slog.Logger) (*SheetData, error) {
	if logger == nil {
		logger = slog.Default()
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook %s: %w", filename, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			logger.Warn("preprocess.workbook_close_error", "filename", filename, "error", cerr)
		}
	}()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook %s has no sheets", filename)
	}

	for _, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			logger.Warn("preprocess.sheet_read_error", "filename", filename, "sheet", sheet, "error", err)
			continue
		}
		if hasHeaderRow(rows) {
			logger.Info("preprocess.sheet_matched",
				"filename", filename,
				"sheet", sheet,
				"rows", len(rows),
			)
			return &SheetData{Sheet: sheet, Rows: rows, HeaderMatched: true}, nil
		}
	}

	first := sheets[0]
	rows, err := f.GetRows(first)
	if err != nil {
		return nil, fmt.Errorf("read fallback sheet %s: %w", first, err)
	}
	logger.Warn("preprocess.no_header_match, falling back to first sheet",
		"filename", filename,
		"sheet", first,
		"rows", len(rows),
	)
	return &SheetData{Sheet: first, Rows: rows, HeaderMatched: false}, nil
}

func hasHeaderRow(rows [][]string) bool {
	depth := len(rows)
	if depth > headerScanDepth {
		depth = headerScanDepth
	}
	for i := 0; i < depth; i++ {
		if matchesHeader(rows[i]) {
			return true
		}
	}
	return false
}

func matchesHeader(row []string) bool {
	joined := normalize(strings.Join(row, " "))
	for _, marker := range requiredMarkers {
		if !strings.Contains(joined, marker) {
			return false
		}
	}
	return true
}

// normalize lowercases and strips whitespace and underscores so "Sample_ID",
// "sample id" and "SAMPLEID" all compare equal.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch r {
		case ' ', '\t', '\n', '\r', '_':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
