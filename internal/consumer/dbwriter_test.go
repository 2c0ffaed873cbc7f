package consumer

import (
	"testing"
	"time"

	"github.com/oriys/chatflow/internal/chatmsg"
	"github.com/oriys/chatflow/internal/config"
)

func sampleQueued() chatmsg.QueuedMessage {
	return chatmsg.QueuedMessage{
		ChatMessage: chatmsg.ChatMessage{
			UserID:      1,
			Username:    "alice",
			Message:     "hi",
			Timestamp:   "2026-07-30T00:00:00Z",
			MessageType: chatmsg.MessageTypeText,
			RoomID:      1,
		},
		RoomID:            1,
		ReceivedTimestamp: time.Now().UnixMilli(),
	}
}

func TestDBWriterOfferRespectsCapacity(t *testing.T) {
	cfg := config.DBConfig{EnablePersistence: true, QueueCapacity: 2, BatchSize: 10, FlushInterval: time.Second, WriterThreads: 1, ShutdownGrace: time.Second}
	w := NewDBWriter(nil, nil, cfg)

	if !w.Offer(sampleQueued()) {
		t.Fatalf("first offer should succeed")
	}
	if !w.Offer(sampleQueued()) {
		t.Fatalf("second offer should succeed (queue capacity 2)")
	}
	if w.Offer(sampleQueued()) {
		t.Fatalf("third offer should fail: queue is full and nothing is draining it")
	}
}

func TestDBWriterOfferNoopWhenPersistenceDisabled(t *testing.T) {
	cfg := config.DBConfig{EnablePersistence: false, QueueCapacity: 1}
	w := NewDBWriter(nil, nil, cfg)

	for i := 0; i < 10; i++ {
		if !w.Offer(sampleQueued()) {
			t.Fatalf("offer %d should always succeed when persistence is disabled", i)
		}
	}
}
