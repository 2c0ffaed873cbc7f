package loadclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oriys/chatflow/internal/chatmsg"
	"github.com/oriys/chatflow/internal/circuitbreaker"
	"github.com/oriys/chatflow/internal/config"
	"github.com/oriys/chatflow/internal/metrics"
)

// acceptingServer upgrades every connection and replies OK to every
// inbound message, simulating a healthy edge.
func acceptingServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg chatmsg.ChatMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			conn.WriteJSON(chatmsg.OutboundAccept{
				UserID:      msg.UserID,
				Username:    msg.Username,
				Message:     msg.Message,
				MessageType: msg.MessageType,
				Status:      "OK",
			})
		}
	}))
	return srv, "ws" + srv.URL[len("http"):]
}

// rejectingServer upgrades every connection and rejects every inbound
// message, simulating a struggling edge.
func rejectingServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg chatmsg.ChatMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			conn.WriteJSON(chatmsg.OutboundError{
				Error:   chatmsg.ErrValidation,
				Message: "rejected by test server",
			})
		}
	}))
	return srv, "ws" + srv.URL[len("http"):]
}

func testLoadClientConfig() config.LoadClientConfig {
	return config.LoadClientConfig{
		GeneratorCapacity:  10,
		BackpressureAt:     1000,
		Workers:            1,
		MaxRetries:         5,
		ResponseTimeout:    500 * time.Millisecond,
		ConnectionsPerRoom: 2,
		HandshakeDeadline:  2 * time.Second,
		HeartbeatInterval:  time.Hour,
		BreakerFailThresh:  2,
		BreakerOpenFor:     50 * time.Millisecond,
		BreakerHalfOpenOK:  1,
	}
}

func TestGeneratorDeliversAcceptedJobAndKeepsBreakerClosed(t *testing.T) {
	srv, wsURL := acceptingServer(t)
	defer srv.Close()

	pool := NewPool(testDialer(wsURL), 2, time.Hour)
	defer pool.Shutdown()

	breakers := circuitbreaker.NewRegistry()
	gen := NewGenerator(testLoadClientConfig(), pool, breakers, metrics.New("test"))
	gen.Start()

	job := Job{RoomID: 1, Message: RandomMessage(1, 42)}
	if err := gen.Submit(context.Background(), job); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	gen.Stop(stopCtx)

	if state := breakers.Get(gen.breakerKey(1), gen.breakerConfig()).State(); state != circuitbreaker.StateClosed {
		t.Fatalf("breaker state = %v, want closed after an accepted job", state)
	}
}

func TestGeneratorRejectionsEventuallyTripBreaker(t *testing.T) {
	srv, wsURL := rejectingServer(t)
	defer srv.Close()

	pool := NewPool(testDialer(wsURL), 2, time.Hour)
	defer pool.Shutdown()

	breakers := circuitbreaker.NewRegistry()
	gen := NewGenerator(testLoadClientConfig(), pool, breakers, metrics.New("test2"))
	gen.Start()

	job := Job{RoomID: 2, Message: RandomMessage(2, 7)}
	if err := gen.Submit(context.Background(), job); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	gen.Stop(stopCtx)

	if state := breakers.Get(gen.breakerKey(2), gen.breakerConfig()).State(); state != circuitbreaker.StateOpen {
		t.Fatalf("breaker state = %v, want open after repeated rejections", state)
	}
}

func TestResponseOKDistinguishesAcceptFromReject(t *testing.T) {
	accept, _ := json.Marshal(chatmsg.OutboundAccept{Status: "OK"})
	reject, _ := json.Marshal(chatmsg.OutboundError{Error: chatmsg.ErrValidation})

	if !responseOK(accept) {
		t.Fatal("responseOK(accept) = false, want true")
	}
	if responseOK(reject) {
		t.Fatal("responseOK(reject) = true, want false")
	}
	if responseOK([]byte("not json")) {
		t.Fatal("responseOK(garbage) = true, want false")
	}
}

func TestRandomMessageProducesValidRoomAndType(t *testing.T) {
	msg := RandomMessage(5, 99)
	if msg.RoomID != 5 {
		t.Fatalf("RoomID = %d, want 5", msg.RoomID)
	}
	if msg.UserID != 99 {
		t.Fatalf("UserID = %d, want 99", msg.UserID)
	}
	if msg.MessageType != chatmsg.MessageTypeText {
		t.Fatalf("MessageType = %v, want TEXT", msg.MessageType)
	}
	if msg.Message == "" {
		t.Fatal("Message should not be empty")
	}
}
