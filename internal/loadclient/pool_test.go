package loadclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// echoServer accepts every upgrade and echoes back whatever it reads,
// so pool tests can exercise a real connection without touching the
// edge package.
func echoServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	wsURL := "ws" + srv.URL[len("http"):]
	return srv, wsURL
}

func testDialer(wsURL string) Dialer {
	dialer := websocket.DefaultDialer
	return func(ctx context.Context, roomID int) (*websocket.Conn, error) {
		conn, _, err := dialer.DialContext(ctx, wsURL, nil)
		return conn, err
	}
}

func TestPoolAcquireDialsThenReusesFromIdle(t *testing.T) {
	srv, wsURL := echoServer(t)
	defer srv.Close()

	p := NewPool(testDialer(wsURL), 2, time.Hour)
	defer p.Shutdown()

	ctx := context.Background()
	pc, err := p.Acquire(ctx, 1)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(pc)

	pc2, err := p.Acquire(ctx, 1)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if pc2 != pc {
		t.Fatal("expected the released connection to be reused via LIFO idle stack")
	}
	p.Release(pc2)
}

func TestPoolAcquireBlocksAtCapacityUntilRelease(t *testing.T) {
	srv, wsURL := echoServer(t)
	defer srv.Close()

	p := NewPool(testDialer(wsURL), 1, time.Hour)
	defer p.Shutdown()

	ctx := context.Background()
	pc, err := p.Acquire(ctx, 7)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	acquired := make(chan *PooledConn, 1)
	go func() {
		pc2, err := p.Acquire(ctx, 7)
		if err != nil {
			return
		}
		acquired <- pc2
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire should block while room is at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(pc)

	select {
	case pc2 := <-acquired:
		if pc2 != pc {
			t.Fatal("blocked acquirer should receive the released connection")
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Acquire never unblocked after Release")
	}
}

func TestPoolAcquireRespectsContextCancellation(t *testing.T) {
	srv, wsURL := echoServer(t)
	defer srv.Close()

	p := NewPool(testDialer(wsURL), 1, time.Hour)
	defer p.Shutdown()

	bgCtx := context.Background()
	pc, err := p.Acquire(bgCtx, 3)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(pc)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx, 3)
	if err == nil {
		t.Fatal("expected Acquire to fail once its context is cancelled while waiting")
	}
}

func TestPoolEvictFreesCapacityForNewDial(t *testing.T) {
	srv, wsURL := echoServer(t)
	defer srv.Close()

	p := NewPool(testDialer(wsURL), 1, time.Hour)
	defer p.Shutdown()

	ctx := context.Background()
	pc, err := p.Acquire(ctx, 9)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	p.Evict(pc)

	pc2, err := p.Acquire(ctx, 9)
	if err != nil {
		t.Fatalf("Acquire after Evict: %v", err)
	}
	if pc2 == pc {
		t.Fatal("Evict should have closed the old connection, not returned it for reuse")
	}
	p.Release(pc2)
}

func TestPoolShutdownClosesIdleConnectionsAndRejectsAcquire(t *testing.T) {
	srv, wsURL := echoServer(t)
	defer srv.Close()

	p := NewPool(testDialer(wsURL), 2, time.Hour)

	ctx := context.Background()
	pc, err := p.Acquire(ctx, 4)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(pc)

	p.Shutdown()

	if _, err := p.Acquire(ctx, 4); err != ErrPoolClosed {
		t.Fatalf("Acquire after Shutdown = %v, want ErrPoolClosed", err)
	}
}

func TestPoolConcurrentAcquireReleaseDoesNotRace(t *testing.T) {
	srv, wsURL := echoServer(t)
	defer srv.Close()

	p := NewPool(testDialer(wsURL), 4, time.Hour)
	defer p.Shutdown()

	var wg sync.WaitGroup
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(roomID int) {
			defer wg.Done()
			pc, err := p.Acquire(ctx, roomID%3)
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			p.Release(pc)
		}(i)
	}
	wg.Wait()
}
