package backfill

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/calder-env/docqueue/internal/paging"
)

// Summary aggregates a full drain across batches.
type Summary struct {
	Batches     int
	Processed   int
	Succeeded   int
	Failed      int
	Quarantined int
	TotalChunks int
	LastCursor  uuid.UUID
}

// Drain invokes Run repeatedly through the bounded cursor iterator until no
// work remains or maxBatches pages have been swept. It is the in-process
// equivalent of a scheduler calling the HTTP endpoint until has_more is
// false.
func (j *Job) Drain(ctx context.Context, req Request, maxBatches int) (*Summary, error) {
	sum := &Summary{LastCursor: req.AfterID}

	fetch := func(ctx context.Context, after uuid.UUID) (paging.Page[Item], error) {
		r := req
		r.AfterID = after
		rep, err := j.Run(ctx, r)
		if err != nil {
			return paging.Page[Item]{}, err
		}
		sum.Batches++
		sum.Processed += rep.Processed
		sum.Succeeded += rep.Succeeded
		sum.Failed += rep.Failed
		sum.Quarantined += rep.Quarantined
		sum.TotalChunks += rep.TotalChunks
		return paging.Page[Item]{
			Items:      rep.Items,
			NextCursor: rep.NextCursor,
			HasMore:    rep.HasMore,
		}, nil
	}

	it := paging.NewIterator(fetch, req.AfterID, maxBatches)
	for {
		if _, err := it.Next(ctx); err != nil {
			if errors.Is(err, paging.ErrExhausted) {
				sum.LastCursor = it.Cursor()
				return sum, nil
			}
			sum.LastCursor = it.Cursor()
			return sum, err
		}
	}
}
