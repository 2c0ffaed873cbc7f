package chatmsg

import (
	"strings"
	"testing"
)

func validMessage() ChatMessage {
	return ChatMessage{
		UserID:      1,
		Username:    "abc",
		Message:     "hi",
		Timestamp:   "2025-01-01T00:00:00Z",
		MessageType: MessageTypeText,
		RoomID:      7,
	}
}

func TestValidateAccepts(t *testing.T) {
	if err := Validate(validMessage()); err != nil {
		t.Fatalf("expected valid message to pass, got %v", err)
	}
}

func TestValidateUsernameBoundaries(t *testing.T) {
	cases := []struct {
		name    string
		uname   string
		wantErr bool
	}{
		{"len2", "ab", true},
		{"len3", "abc", false},
		{"len20", strings.Repeat("a", 20), false},
		{"len21", strings.Repeat("a", 21), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := validMessage()
			m.Username = c.uname
			err := Validate(m)
			if (err != nil) != c.wantErr {
				t.Fatalf("username %q: wantErr=%v got=%v", c.uname, c.wantErr, err)
			}
		})
	}
}

func TestValidateMessageLengthBoundaries(t *testing.T) {
	cases := []struct {
		name    string
		msg     string
		wantErr bool
	}{
		{"len0", "", true},
		{"len1", "a", false},
		{"len500", strings.Repeat("a", 500), false},
		{"len501", strings.Repeat("a", 501), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := validMessage()
			m.Message = c.msg
			err := Validate(m)
			if (err != nil) != c.wantErr {
				t.Fatalf("message len %d: wantErr=%v got=%v", len(c.msg), c.wantErr, err)
			}
		})
	}
}

func TestValidateRoomBoundaries(t *testing.T) {
	cases := []struct {
		room    int
		wantErr bool
	}{
		{0, true},
		{1, false},
		{20, false},
		{21, true},
	}
	for _, c := range cases {
		m := validMessage()
		m.RoomID = c.room
		err := Validate(m)
		if (err != nil) != c.wantErr {
			t.Fatalf("room %d: wantErr=%v got=%v", c.room, c.wantErr, err)
		}
	}
}

func TestValidateBadTimestamp(t *testing.T) {
	m := validMessage()
	m.Timestamp = "not-a-date"
	err := Validate(m)
	if err == nil {
		t.Fatal("expected validation error for bad timestamp")
	}
	var ve *ValidationError
	if !asValidationError(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if ve.Field != "timestamp" {
		t.Fatalf("expected timestamp field, got %s", ve.Field)
	}
}

func TestValidateBadMessageType(t *testing.T) {
	m := validMessage()
	m.MessageType = "BOGUS"
	if err := Validate(m); err == nil {
		t.Fatal("expected validation error for bad messageType")
	}
}

func asValidationError(err error, target **ValidationError) bool {
	ve, ok := err.(*ValidationError)
	if ok {
		*target = ve
	}
	return ok
}
