package broker

import "testing"

func TestAckTrackerBatchesUntilFlushed(t *testing.T) {
	var tr ackTracker

	if _, ok := tr.batch(); ok {
		t.Fatalf("expected no pending batch before any observation")
	}

	tr.observe(1)
	tr.observe(2)
	tr.observe(3)

	tag, ok := tr.batch()
	if !ok || tag != 3 {
		t.Fatalf("batch() = (%d, %v), want (3, true)", tag, ok)
	}

	tr.settle()
	if _, ok := tr.batch(); ok {
		t.Fatalf("expected batch cleared after settle")
	}
}

func TestAckTrackerPriorBatchBeforeNack(t *testing.T) {
	var tr ackTracker
	tr.observe(1)
	tr.observe(2)
	tr.observe(3)

	if prior := tr.priorBatch(4); prior != 3 {
		t.Fatalf("priorBatch(4) = %d, want 3", prior)
	}

	tr.markNacked()
	if _, ok := tr.batch(); ok {
		t.Fatalf("expected no pending batch after nack")
	}
}

func TestAckTrackerPriorBatchEmptyWhenNothingPending(t *testing.T) {
	var tr ackTracker
	if prior := tr.priorBatch(5); prior != 0 {
		t.Fatalf("priorBatch(5) = %d, want 0 on an empty tracker", prior)
	}
}

func TestAckTrackerResumesBatchingAfterNack(t *testing.T) {
	var tr ackTracker
	tr.observe(1)
	tr.markNacked()

	tr.observe(2)
	tr.observe(3)

	tag, ok := tr.batch()
	if !ok || tag != 3 {
		t.Fatalf("batch() after resuming = (%d, %v), want (3, true)", tag, ok)
	}
}

func TestRoomQueueName(t *testing.T) {
	if got, want := RoomQueueName(7), "chat.room.7"; got != want {
		t.Fatalf("RoomQueueName(7) = %q, want %q", got, want)
	}
}
