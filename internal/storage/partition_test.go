package storage

import (
	"testing"
	"time"
)

func TestPartitionMonthBoundaryRollsIntoNextYear(t *testing.T) {
	// EnsurePartition needs a live pool, so it is not called here; this
	// repeats its month-boundary arithmetic to check the edge case of
	// December rolling into January of the next year.
	dec := time.Date(2026, time.December, 15, 0, 0, 0, 0, time.UTC)
	start := time.Date(dec.Year(), dec.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	if end.Year() != 2027 || end.Month() != time.January {
		t.Fatalf("December partition end = %v, want 2027-01", end)
	}
}
