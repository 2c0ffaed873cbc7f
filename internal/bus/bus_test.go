package bus

import "testing"

func TestRoomChannel(t *testing.T) {
	if got, want := RoomChannel(3), "chatroom:3"; got != want {
		t.Fatalf("RoomChannel(3) = %q, want %q", got, want)
	}
}

func TestRoomFromChannel(t *testing.T) {
	cases := []struct {
		channel string
		want    int
		wantErr bool
	}{
		{"chatroom:3", 3, false},
		{"chatroom:20", 20, false},
		{"other:3", 0, true},
		{"chatroom:abc", 0, true},
	}
	for _, c := range cases {
		got, err := RoomFromChannel(c.channel)
		if c.wantErr {
			if err == nil {
				t.Errorf("RoomFromChannel(%q) = %d, nil; want error", c.channel, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("RoomFromChannel(%q) returned unexpected error: %v", c.channel, err)
			continue
		}
		if got != c.want {
			t.Errorf("RoomFromChannel(%q) = %d, want %d", c.channel, got, c.want)
		}
	}
}
