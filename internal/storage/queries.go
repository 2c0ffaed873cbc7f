package storage

import (
	"context"
	"time"
)

// HistoryRow is one persisted message as read back for history queries.
type HistoryRow struct {
	MessageID string    `json:"messageId"`
	RoomID    int       `json:"roomId"`
	UserID    int       `json:"userId"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// RoomHistory returns up to 1000 most recent messages in roomID within
// [since, until], newest first.
func (s *Store) RoomHistory(ctx context.Context, roomID int, since, until time.Time) ([]HistoryRow, error) {
	const q = `
		SELECT message_id, room_id, user_id, username, message, created_at
		FROM messages WHERE room_id = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at DESC LIMIT 1000`
	return s.queryHistory(ctx, q, roomID, since, until)
}

// UserHistory returns up to 10000 most recent messages sent by userID
// within [since, until], newest first.
func (s *Store) UserHistory(ctx context.Context, userID int, since, until time.Time) ([]HistoryRow, error) {
	const q = `
		SELECT message_id, room_id, user_id, username, message, created_at
		FROM messages WHERE user_id = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at DESC LIMIT 10000`
	return s.queryHistory(ctx, q, userID, since, until)
}

func (s *Store) queryHistory(ctx context.Context, q string, id int, since, until time.Time) ([]HistoryRow, error) {
	rows, err := s.pool.Query(ctx, q, id, since, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var r HistoryRow
		if err := rows.Scan(&r.MessageID, &r.RoomID, &r.UserID, &r.Username, &r.Message, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActiveUsers returns the distinct set of userIds that sent at least
// one message within [since, until].
func (s *Store) ActiveUsers(ctx context.Context, since, until time.Time) ([]int, error) {
	const q = `SELECT DISTINCT user_id FROM messages WHERE created_at >= $1 AND created_at <= $2 ORDER BY user_id`
	rows, err := s.pool.Query(ctx, q, since, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// RoomActivity is one room a user has participated in, with its
// message count and most recent activity timestamp.
type RoomActivity struct {
	RoomID       int       `json:"roomId"`
	MessageCount int64     `json:"messageCount"`
	LastActivity time.Time `json:"lastActivity"`
}

// RoomsForUser returns every room userID has posted in, with a count
// and last-activity timestamp per room.
func (s *Store) RoomsForUser(ctx context.Context, userID int) ([]RoomActivity, error) {
	const q = `
		SELECT room_id, COUNT(*), MAX(created_at)
		FROM messages WHERE user_id = $1
		GROUP BY room_id ORDER BY room_id`
	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoomActivity
	for rows.Next() {
		var r RoomActivity
		if err := rows.Scan(&r.RoomID, &r.MessageCount, &r.LastActivity); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MinutelyCount is the message volume in one one-minute bucket.
type MinutelyCount struct {
	Minute time.Time `json:"minute"`
	Count  int64     `json:"count"`
}

// MessagesPerMinute returns per-minute message counts within
// [since, until], across all rooms.
func (s *Store) MessagesPerMinute(ctx context.Context, since, until time.Time) ([]MinutelyCount, error) {
	const q = `
		SELECT date_trunc('minute', created_at) AS minute, COUNT(*)
		FROM messages WHERE created_at >= $1 AND created_at <= $2
		GROUP BY minute ORDER BY minute`
	rows, err := s.pool.Query(ctx, q, since, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MinutelyCount
	for rows.Next() {
		var m MinutelyCount
		if err := rows.Scan(&m.Minute, &m.Count); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RankedCount pairs an entity id (userId or roomId) with its message
// count for the top-N queries.
type RankedCount struct {
	ID    int   `json:"id"`
	Count int64 `json:"count"`
}

// TopUsers returns the limit most prolific users since since.
func (s *Store) TopUsers(ctx context.Context, since time.Time, limit int) ([]RankedCount, error) {
	const q = `
		SELECT user_id, COUNT(*) AS c FROM messages WHERE created_at >= $1
		GROUP BY user_id ORDER BY c DESC LIMIT $2`
	return s.queryRanked(ctx, q, since, limit)
}

// TopRooms returns the limit busiest rooms since since.
func (s *Store) TopRooms(ctx context.Context, since time.Time, limit int) ([]RankedCount, error) {
	const q = `
		SELECT room_id, COUNT(*) AS c FROM messages WHERE created_at >= $1
		GROUP BY room_id ORDER BY c DESC LIMIT $2`
	return s.queryRanked(ctx, q, since, limit)
}

func (s *Store) queryRanked(ctx context.Context, q string, since time.Time, limit int) ([]RankedCount, error) {
	rows, err := s.pool.Query(ctx, q, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RankedCount
	for rows.Next() {
		var r RankedCount
		if err := rows.Scan(&r.ID, &r.Count); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
