// Package bus implements the Bus Bridge: a Redis pub/sub fan-out layer
// that decouples the consumer pipeline (which only knows about rooms)
// from the edge processes (which only know about local connections).
package bus

import (
	"fmt"
	"strconv"
	"strings"
)

// ChannelPattern is the PSUBSCRIBE pattern edge processes listen on.
const ChannelPattern = "chatroom:*"

// channelPrefix is ChannelPattern with its glob suffix stripped.
const channelPrefix = "chatroom:"

// RoomChannel returns the bus channel name for a room.
func RoomChannel(roomID int) string {
	return fmt.Sprintf("%s%d", channelPrefix, roomID)
}

// RoomFromChannel extracts the roomId suffix from a delivered channel
// name, e.g. "chatroom:7" -> 7.
func RoomFromChannel(channel string) (int, error) {
	suffix := strings.TrimPrefix(channel, channelPrefix)
	if suffix == channel {
		return 0, fmt.Errorf("channel %q missing prefix %q", channel, channelPrefix)
	}
	roomID, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, fmt.Errorf("channel %q has non-numeric room suffix: %w", channel, err)
	}
	return roomID, nil
}
