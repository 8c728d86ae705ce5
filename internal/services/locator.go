package services

import (
	"context"
	"iter"
)

const DefaultPageSize = 500

type RecordIndex interface {
	// ListRecordPage returns up to limit records matching q that sort strictly
	// after the cursor, ordered by patient id, stream, time bin and id.
	ListRecordPage(ctx context.Context, q *QueryDescriptor, after *RecordCursor, limit int) ([]RecordRef, error)
}

// Locator walks the record index lazily, one page at a time.
type Locator struct {
	index    RecordIndex
	pageSize int
}

func NewLocator(index RecordIndex, pageSize int) *Locator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Locator{index: index, pageSize: pageSize}
}

// Locate yields every record matching q. Each call starts from the beginning.
// A storage error is yielded once and ends the sequence.
func (l *Locator) Locate(ctx context.Context, q *QueryDescriptor) iter.Seq2[RecordRef, error] {
	return func(yield func(RecordRef, error) bool) {
		var cursor *RecordCursor
		for {
			if err := ctx.Err(); err != nil {
				yield(RecordRef{}, err)
				return
			}
			page, err := l.index.ListRecordPage(ctx, q, cursor, l.pageSize)
			if err != nil {
				yield(RecordRef{}, NewStorageError("list records", err))
				return
			}
			for _, ref := range page {
				if !yield(ref, nil) {
					return
				}
			}
			if len(page) < l.pageSize {
				return
			}
			c := page[len(page)-1].Cursor()
			cursor = &c
		}
	}
}
