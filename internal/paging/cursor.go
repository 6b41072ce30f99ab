// Package paging provides a bounded cursor iterator over id-ordered pages.
// The cursor is an exclusive lower bound; ids are monotonically orderable
// (UUIDv7), so repeated fetches make strictly increasing progress.
package paging

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrExhausted is returned by Next once the source has no more pages or the
// page cap has been reached.
var ErrExhausted = errors.New("cursor exhausted")

// Page is one fetched slice of work plus the cursor to resume after it.
type Page[T any] struct {
	Items      []T
	NextCursor uuid.UUID
	HasMore    bool
}

// Fetch retrieves the page strictly after the given cursor.
type Fetch[T any] func(ctx context.Context, after uuid.UUID) (Page[T], error)

// Iterator walks pages until the source is drained or maxPages is hit. The
// page cap replaces ad hoc safety counters around unbounded loops.
type Iterator[T any] struct {
	fetch    Fetch[T]
	cursor   uuid.UUID
	maxPages int
	pages    int
	done     bool
}

func NewIterator[T any](fetch Fetch[T], start uuid.UUID, maxPages int) *Iterator[T] {
	if maxPages < 1 {
		maxPages = 1
	}
	return &Iterator[T]{fetch: fetch, cursor: start, maxPages: maxPages}
}

// Next returns the next page. The iterator advances its cursor to the page's
// NextCursor, so progress is monotonic even across transient errors (a failed
// fetch does not advance).
func (it *Iterator[T]) Next(ctx context.Context) (Page[T], error) {
	if it.done || it.pages >= it.maxPages {
		return Page[T]{}, ErrExhausted
	}
	page, err := it.fetch(ctx, it.cursor)
	if err != nil {
		return Page[T]{}, err
	}
	it.pages++
	it.cursor = page.NextCursor
	if !page.HasMore {
		it.done = true
	}
	return page, nil
}

// Cursor reports the current resume point.
func (it *Iterator[T]) Cursor() uuid.UUID {
	return it.cursor
}
