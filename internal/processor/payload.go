package processor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/calder-env/docqueue/constants"
	"github.com/calder-env/docqueue/internal/entity"
	"github.com/calder-env/docqueue/internal/extract"
	"github.com/calder-env/docqueue/internal/preprocess"
	"github.com/calder-env/docqueue/internal/storage"
)

// RequestBuilder assembles the extraction payload for an entry. Spreadsheet
// uploads are parsed here and shipped as rows; everything else goes by
// object-store reference.
type RequestBuilder struct {
	store  storage.Store
	logger *slog.Logger
}

func NewRequestBuilder(store storage.Store, logger *slog.Logger) *RequestBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestBuilder{store: store, logger: logger}
}

func (b *RequestBuilder) Build(ctx context.Context, e entity.QueueEntry) (extract.Request, error) {
	req := extract.Request{
		EntryID:   e.ID,
		Category:  e.Category,
		StateCode: e.StateCode,
	}

	if !constants.IsSpreadsheet(e.Filename) {
		req.Format = constants.FormatBytes
		req.Bucket = e.Bucket
		req.Path = e.Path
		return req, nil
	}

	data, err := b.store.Download(ctx, e.Bucket, e.Path)
	if err != nil {
		return extract.Request{}, fmt.Errorf("download %s: %w", e.Filename, err)
	}
	sheet, err := preprocess.ScanWorkbook(data, e.Filename, b.logger)
	if err != nil {
		return extract.Request{}, fmt.Errorf("preprocess %s: %w", e.Filename, err)
	}

	req.Format = constants.FormatRows
	req.Sheet = sheet.Sheet
	req.Rows = sheet.Rows
	return req, nil
}
