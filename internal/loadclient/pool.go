// Package loadclient implements the closed-loop load generator of
// spec.md §4.4: a bounded worker pool that drives synthetic chat
// traffic against the edge server over pooled, per-room WebSocket
// connections, consulting a circuit breaker before each attempt.
//
// # Connection pool topology
//
// One roomPool is maintained per room id. Connections are dialed
// lazily up to ConnectionsPerRoom and handed out on a LIFO basis so
// the most recently used socket (and its read-loop goroutine) stays
// warm. A connection is returned to the pool after each round trip;
// it is evicted instead of returned if the round trip failed or the
// heartbeat ping discovers it is dead.
//
// # Concurrency model
//
// Each roomPool has its own sync.RWMutex plus a sync.Cond bound to its
// write side, mirroring the wait-for-release discipline of a warm
// resource pool: callers block on the condition variable when the
// room is at capacity and no idle connection is available, rather
// than busy-polling or over-dialing.
package loadclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oriys/chatflow/internal/logging"
)

// ErrPoolClosed is returned by Acquire once Shutdown has been called.
var ErrPoolClosed = errors.New("loadclient: pool closed")

// PooledConn is a handle to a live WebSocket connection acquired from
// the pool. It must be returned via Pool.Release, or removed via
// Pool.Evict when the connection is known to be unhealthy.
type PooledConn struct {
	Conn     *websocket.Conn
	RoomID   int
	LastUsed time.Time
	wmu      sync.Mutex // guards concurrent writes to Conn (gorilla requirement)
}

// WriteJSON writes v to the underlying connection, serializing
// concurrent writers.
func (c *PooledConn) WriteJSON(v interface{}) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.Conn.WriteJSON(v)
}

type roomPool struct {
	mu      sync.RWMutex
	cond    *sync.Cond
	idle    []*PooledConn
	active  int // total connections dialed for this room, idle + in-use
	waiters int
}

// Dialer opens a new connection for a room. Production code dials the
// edge server's WebSocket endpoint; tests substitute an in-memory
// dialer.
type Dialer func(ctx context.Context, roomID int) (*websocket.Conn, error)

// Pool manages per-room WebSocket connection pools for the load
// generator.
type Pool struct {
	dial              Dialer
	maxPerRoom        int
	heartbeatInterval time.Duration
	rooms             sync.Map // map[int]*roomPool
	ctx               context.Context
	cancel            context.CancelFunc
	wg                sync.WaitGroup
	closed            bool
	mu                sync.Mutex
}

// NewPool creates a Pool and starts its background heartbeat loop. The
// caller must call Shutdown to stop the loop and close pooled
// connections.
func NewPool(dial Dialer, maxPerRoom int, heartbeatInterval time.Duration) *Pool {
	if maxPerRoom <= 0 {
		maxPerRoom = 10
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		dial:              dial,
		maxPerRoom:        maxPerRoom,
		heartbeatInterval: heartbeatInterval,
		ctx:               ctx,
		cancel:            cancel,
	}
	p.wg.Add(1)
	go p.heartbeatLoop()
	return p
}

func (p *Pool) getOrCreateRoomPool(roomID int) *roomPool {
	if rp, ok := p.rooms.Load(roomID); ok {
		return rp.(*roomPool)
	}
	rp := &roomPool{}
	rp.cond = sync.NewCond(&rp.mu)
	actual, _ := p.rooms.LoadOrStore(roomID, rp)
	return actual.(*roomPool)
}

// Acquire returns an idle connection for roomID, dialing a new one if
// the room is below maxPerRoom, or blocking until one is released
// otherwise.
func (p *Pool) Acquire(ctx context.Context, roomID int) (*PooledConn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	rp := p.getOrCreateRoomPool(roomID)
	for {
		rp.mu.Lock()
		if n := len(rp.idle); n > 0 {
			pc := rp.idle[n-1]
			rp.idle = rp.idle[:n-1]
			rp.mu.Unlock()
			return pc, nil
		}
		if rp.active < p.maxPerRoom {
			rp.active++
			rp.mu.Unlock()
			break
		}

		rp.waiters++
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				rp.mu.Lock()
				rp.cond.Broadcast()
				rp.mu.Unlock()
			case <-done:
			}
		}()
		rp.cond.Wait()
		close(done)
		rp.waiters--
		rp.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	conn, err := p.dial(ctx, roomID)
	if err != nil {
		rp.mu.Lock()
		rp.active--
		if rp.waiters > 0 {
			rp.cond.Signal()
		}
		rp.mu.Unlock()
		return nil, fmt.Errorf("dial room %d: %w", roomID, err)
	}
	return &PooledConn{Conn: conn, RoomID: roomID, LastUsed: time.Now()}, nil
}

// Release returns pc to its room's idle set for reuse.
func (p *Pool) Release(pc *PooledConn) {
	rp := p.getOrCreateRoomPool(pc.RoomID)
	pc.LastUsed = time.Now()

	rp.mu.Lock()
	rp.idle = append(rp.idle, pc)
	if rp.waiters > 0 {
		rp.cond.Signal()
	}
	rp.mu.Unlock()
}

// Evict closes pc and removes it from the room's active count, making
// room for a fresh dial on the next Acquire.
func (p *Pool) Evict(pc *PooledConn) {
	pc.Conn.Close()

	rp := p.getOrCreateRoomPool(pc.RoomID)
	rp.mu.Lock()
	rp.active--
	if rp.active < 0 {
		rp.active = 0
	}
	if rp.waiters > 0 {
		rp.cond.Signal()
	}
	rp.mu.Unlock()
}

// heartbeatLoop periodically pings idle connections and evicts any
// that fail to respond, so a half-open socket doesn't sit silently in
// a room's idle set until a worker trips over it.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.heartbeat()
		}
	}
}

func (p *Pool) heartbeat() {
	p.rooms.Range(func(key, value interface{}) bool {
		roomID := key.(int)
		rp := value.(*roomPool)

		rp.mu.Lock()
		targets := make([]*PooledConn, len(rp.idle))
		copy(targets, rp.idle)
		rp.mu.Unlock()

		for _, pc := range targets {
			pc.wmu.Lock()
			err := pc.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			pc.wmu.Unlock()
			if err != nil {
				logging.Op().Warn("load client heartbeat failed, evicting connection", "room", roomID, "err", err)
				p.removeIdle(rp, pc)
				p.Evict(pc)
			}
		}
		return true
	})
}

func (p *Pool) removeIdle(rp *roomPool, pc *PooledConn) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	for i, v := range rp.idle {
		if v == pc {
			rp.idle = append(rp.idle[:i], rp.idle[i+1:]...)
			return
		}
	}
}

// Shutdown stops the heartbeat loop and closes every pooled connection.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	p.rooms.Range(func(key, value interface{}) bool {
		rp := value.(*roomPool)
		rp.mu.Lock()
		for _, pc := range rp.idle {
			pc.Conn.Close()
		}
		rp.idle = nil
		rp.cond.Broadcast()
		rp.mu.Unlock()
		return true
	})
}
