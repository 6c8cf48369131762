package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dheeraj-coding/zed/pkg/chandb"
	"github.com/gorilla/websocket"
)

func TestErrorResponseUnwrapsToSentinel(t *testing.T) {
	tests := []struct {
		err  error
		want error
		code chandb.Code
	}{
		{fmt.Errorf("directory: invite_member: %w", chandb.ErrAlreadyInvited), chandb.ErrAlreadyInvited, chandb.CodeAlreadyInvited},
		{chandb.ErrAlreadyMember, chandb.ErrAlreadyMember, chandb.CodeAlreadyMember},
		{fmt.Errorf("x: %w", chandb.ErrCycleDetected), chandb.ErrCycleDetected, chandb.CodeCycleDetected},
		{chandb.ErrRedundantMembership, chandb.ErrRedundantMembership, chandb.CodeRedundantMembership},
		{chandb.ErrUnauthorized, chandb.ErrUnauthorized, chandb.CodeUnauthorized},
		{chandb.ErrRateLimited, chandb.ErrRateLimited, chandb.CodeRateLimited},
		{errors.New("disk on fire"), nil, chandb.CodeInternal},
	}
	for _, tt := range tests {
		env := NewErrorResponse(9, tt.err)
		data, err := json.Marshal(env)
		if err != nil {
			t.Fatal(err)
		}
		var back Envelope
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatal(err)
		}
		if back.ID != 9 || back.Error.Code != tt.code {
			t.Errorf("%v: got %+v", tt.err, back)
			continue
		}
		remote := back.Error.Err()
		if remote.Error() != tt.err.Error() {
			t.Errorf("message %q, want %q", remote.Error(), tt.err.Error())
		}
		if tt.want != nil && !errors.Is(remote, tt.want) {
			t.Errorf("%v: remote error does not unwrap to %v", tt.err, tt.want)
		}
	}
	if !errors.Is(NewErrorResponse(1, chandb.ErrAlreadyMember).Error.Err(), chandb.ErrConflict) {
		t.Error("ALREADY_MEMBER should still be a conflict")
	}
}

func TestAudienceNeverOnTheWire(t *testing.T) {
	ev := chandb.ChangeEvent{
		Seq:      3,
		Kind:     chandb.ChannelUpserted,
		Channels: []chandb.Channel{{ID: 1, Name: "zed"}},
		Audience: []chandb.UserID{1, 2},
	}
	env, err := NewMessage(0, TypeChangeEvent, ev)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(env.Payload), "udience") {
		t.Fatalf("payload leaks audience: %s", env.Payload)
	}
	var back chandb.ChangeEvent
	if err := env.Decode(&back); err != nil {
		t.Fatal(err)
	}
	if back.Seq != 3 || back.Kind != chandb.ChannelUpserted || back.Channels[0].Name != "zed" {
		t.Errorf("decoded %+v", back)
	}
	if !env.IsPush() {
		t.Error("change_event is a push")
	}
}

func TestFullSyncFlattensState(t *testing.T) {
	env, err := NewMessage(0, TypeFullSync, FullSync{
		User:         2,
		VisibleState: chandb.VisibleState{Seq: 8, Channels: []chandb.Channel{{ID: 1, Name: "channel-a"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]json.RawMessage
	json.Unmarshal(env.Payload, &raw)
	for _, key := range []string{"user", "seq", "channels"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("full_sync payload missing %q: %s", key, env.Payload)
		}
	}
}

func TestPipeOrderAndClose(t *testing.T) {
	a, b := Pipe()
	for i := uint64(1); i <= 10; i++ {
		if err := a.Send(Envelope{ID: i, Type: TypePing}); err != nil {
			t.Fatal(err)
		}
	}
	for i := uint64(1); i <= 10; i++ {
		env, err := b.Recv()
		if err != nil || env.ID != i {
			t.Fatalf("recv %d: %+v %v", i, env, err)
		}
	}
	b.Close()
	if err := a.Send(Envelope{Type: TypePing}); !errors.Is(err, ErrClosed) {
		t.Errorf("send after close: %v", err)
	}
	if _, err := a.Recv(); err != io.EOF {
		t.Errorf("recv after close: %v", err)
	}
}

func TestWSConnRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "no", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewWSConn(ws)
		defer conn.Close()
		for {
			env, err := conn.Recv()
			if err != nil {
				return
			}
			env.Type = TypeResponse
			conn.Send(env)
		}
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	if _, err := Dial(context.Background(), url, "wrong"); err == nil {
		t.Fatal("dial with a bad token should fail")
	}
	conn, err := Dial(context.Background(), url, "secret")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	req, _ := NewMessage(4, TypeCreateChannel, CreateChannel{Name: "channel-a"})
	if err := conn.Send(req); err != nil {
		t.Fatal(err)
	}
	resp, err := conn.Recv()
	if err != nil {
		t.Fatal(err)
	}
	var body CreateChannel
	if resp.ID != 4 || resp.Type != TypeResponse || resp.Decode(&body) != nil || body.Name != "channel-a" {
		t.Fatalf("echo = %+v", resp)
	}
}
