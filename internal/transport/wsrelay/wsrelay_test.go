package wsrelay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-rooms/config"
	"github.com/mossy-p/webrtc-rooms/internal/models"
	"github.com/mossy-p/webrtc-rooms/internal/relay"
	"github.com/mossy-p/webrtc-rooms/internal/transport"
	"github.com/rs/zerolog"
)

type testRelay struct {
	hub *relay.Hub
	srv *httptest.Server
	url string
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	logger := zerolog.Nop()
	hub := relay.NewHub(config.RelayConfig{
		SendBuffer:     32,
		WriteWait:      time.Second,
		PongWait:       5 * time.Second,
		MaxMessageSize: 64 * 1024,
	}, nil, &logger)

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/signal/{room}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("room") == "full" {
			http.Error(w, "room is full", http.StatusConflict)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(conn, r.PathValue("room"), r.URL.Query().Get("displayName"), 0)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return &testRelay{
		hub: hub,
		srv: srv,
		url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/signal",
	}
}

func (r *testRelay) transport(t *testing.T) *Transport {
	t.Helper()
	tr := New(Options{
		URL:             r.url,
		MaxRetries:      3,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
	})
	t.Cleanup(func() { tr.Disconnect() })
	return tr
}

func recv(t *testing.T, tr *Transport) models.SignalEnvelope {
	t.Helper()
	select {
	case env, ok := <-tr.Receive():
		if !ok {
			t.Fatal("receive channel closed")
		}
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
	return models.SignalEnvelope{}
}

func waitStatus(t *testing.T, tr *Transport, want transport.Status) transport.StatusChange {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case change := <-tr.Status():
			if change.Status == want {
				return change
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s", want)
		}
	}
}

func TestConnectSendReceive(t *testing.T) {
	ctx := context.Background()
	r := newTestRelay(t)

	alice := r.transport(t)
	ha, err := alice.Connect(ctx, "standup", "alice")
	if err != nil {
		t.Fatalf("alice connect: %v", err)
	}
	if ha.Self.ID == "" || ha.Self.DisplayName != "alice" {
		t.Fatalf("alice self = %+v", ha.Self)
	}

	bob := r.transport(t)
	hb, err := bob.Connect(ctx, "standup", "bob")
	if err != nil {
		t.Fatalf("bob connect: %v", err)
	}
	if len(hb.Participants) != 1 || hb.Participants[0].ID != ha.Self.ID {
		t.Fatalf("bob sees %+v", hb.Participants)
	}

	if env := recv(t, alice); env.Type != models.SignalTypeJoin || env.From != hb.Self.ID {
		t.Fatalf("alice got %+v, want join", env)
	}

	offer, _ := models.NewEnvelope(models.SignalTypeOffer, "", "", ha.Self.ID, map[string]string{"type": "offer", "sdp": "v=0"})
	if err := bob.Send(ctx, offer); err != nil {
		t.Fatalf("send: %v", err)
	}
	if env := recv(t, alice); env.Type != models.SignalTypeOffer || env.From != hb.Self.ID {
		t.Fatalf("alice got %+v, want offer", env)
	}

	if err := bob.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if env := recv(t, alice); env.Type != models.SignalTypeLeave || env.From != hb.Self.ID {
		t.Fatalf("alice got %+v, want leave", env)
	}
	if err := bob.Send(ctx, offer); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("send after disconnect = %v", err)
	}
}

func TestConnectRoomFull(t *testing.T) {
	r := newTestRelay(t)
	tr := r.transport(t)
	_, err := tr.Connect(context.Background(), "full", "alice")
	var connErr *transport.SignalingConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("err = %v, want SignalingConnectionError", err)
	}
	if !errors.Is(err, models.ErrRoomFull) {
		t.Errorf("err = %v, want ErrRoomFull", err)
	}
}

func TestReconnectResyncs(t *testing.T) {
	ctx := context.Background()
	r := newTestRelay(t)

	tr := r.transport(t)
	first, err := tr.Connect(ctx, "r", "alice")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitStatus(t, tr, transport.StatusConnected)

	r.hub.Shutdown()
	waitStatus(t, tr, transport.StatusReconnecting)

	env := recv(t, tr)
	if env.Type != models.SignalTypeParticipants {
		t.Fatalf("got %s after reconnect, want participants", env.Type)
	}
	var snap models.ParticipantsPayload
	if err := env.Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Self.ID == first.Self.ID {
		t.Error("relay should assign a fresh id on reconnect")
	}
	if tr.Self().ID != snap.Self.ID {
		t.Errorf("Self = %s, want %s", tr.Self().ID, snap.Self.ID)
	}
	waitStatus(t, tr, transport.StatusConnected)
}

func TestReconnectGivesUp(t *testing.T) {
	ctx := context.Background()
	r := newTestRelay(t)

	tr := r.transport(t)
	if _, err := tr.Connect(ctx, "r", "alice"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	r.srv.Close()
	r.hub.Shutdown()

	change := waitStatus(t, tr, transport.StatusError)
	if !errors.Is(change.Err, transport.ErrRetriesExhausted) {
		t.Errorf("err = %v, want ErrRetriesExhausted", change.Err)
	}

	select {
	case _, ok := <-tr.Receive():
		for ok {
			_, ok = <-tr.Receive()
		}
	case <-time.After(2 * time.Second):
		t.Error("receive channel should close after giving up")
	}
}
