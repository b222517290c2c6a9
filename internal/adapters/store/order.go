package store

import (
	"cmp"
	"slices"

	"github.com/dkeye/Callkit/internal/domain"
)

// SortIncoming orders ringing records oldest first, ties broken by id.
func SortIncoming(recs []domain.CallRecord) {
	slices.SortFunc(recs, func(a, b domain.CallRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
