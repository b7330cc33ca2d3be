package relay

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-rooms/config"
	"github.com/mossy-p/webrtc-rooms/internal/models"
	"github.com/rs/zerolog"
)

func testOptions() config.RelayConfig {
	return config.RelayConfig{
		SendBuffer:     16,
		WriteWait:      time.Second,
		PongWait:       5 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

func newTestRelay(t *testing.T) (*Hub, string) {
	t.Helper()
	logger := zerolog.Nop()
	hub := NewHub(testOptions(), nil, &logger)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		hub.Serve(conn, r.URL.Query().Get("room"), r.URL.Query().Get("name"), limit)
	}))
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, base, room, name string) *websocket.Conn {
	t.Helper()
	q := url.Values{"room": {room}, "name": {name}}
	conn, _, err := websocket.DefaultDialer.Dial(base+"?"+q.Encode(), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", name, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) models.SignalEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env models.SignalEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func snapshot(t *testing.T, conn *websocket.Conn) models.ParticipantsPayload {
	t.Helper()
	env := read(t, conn)
	if env.Type != models.SignalTypeParticipants {
		t.Fatalf("first envelope = %s, want participants", env.Type)
	}
	var p models.ParticipantsPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("decode participants: %v", err)
	}
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStandupScenario(t *testing.T) {
	hub, base := newTestRelay(t)

	a := dial(t, base, "standup", "alice")
	snapA := snapshot(t, a)
	if len(snapA.Participants) != 0 {
		t.Fatalf("first joiner sees %d participants, want 0", len(snapA.Participants))
	}

	b := dial(t, base, "standup", "bob")
	snapB := snapshot(t, b)
	if len(snapB.Participants) != 1 || snapB.Participants[0].ID != snapA.Self.ID {
		t.Fatalf("second joiner snapshot = %+v, want [alice]", snapB.Participants)
	}

	joined := read(t, a)
	if joined.Type != models.SignalTypeJoin || joined.From != snapB.Self.ID {
		t.Fatalf("alice got %+v, want join from bob", joined)
	}

	offer, _ := models.NewEnvelope(models.SignalTypeOffer, "", "spoofed", snapB.Self.ID, map[string]string{"sdp": "v=0"})
	if err := a.WriteJSON(offer); err != nil {
		t.Fatalf("write offer: %v", err)
	}
	got := read(t, b)
	if got.Type != models.SignalTypeOffer || got.From != snapA.Self.ID || got.RoomID != "standup" {
		t.Fatalf("bob got %+v, want offer stamped from alice", got)
	}

	sentAt := time.Now().UTC()
	chat, _ := models.NewEnvelope(models.SignalTypeChat, "", "", "", models.ChatPayload{ID: "m1", Body: "hello"})
	b.WriteJSON(chat)
	gotChat := read(t, a)
	var body models.ChatPayload
	if err := gotChat.Decode(&body); err != nil || body.Body != "hello" {
		t.Fatalf("chat payload = %+v, %v", body, err)
	}
	if gotChat.From != snapB.Self.ID || gotChat.Timestamp.Before(sentAt.Add(-time.Millisecond)) {
		t.Errorf("chat from %s at %s, sent at %s", gotChat.From, gotChat.Timestamp, sentAt)
	}

	if st := hub.Stats(); st.Rooms != 1 || st.Connections != 2 {
		t.Errorf("Stats = %+v", st)
	}

	b.Close()
	left := read(t, a)
	if left.Type != models.SignalTypeLeave || left.From != snapB.Self.ID {
		t.Fatalf("alice got %+v, want leave from bob", left)
	}

	a.Close()
	waitFor(t, "room discard", func() bool { return hub.Stats().Rooms == 0 })
	if hub.Stats().Connections != 0 {
		t.Errorf("connections = %d after all left", hub.Stats().Connections)
	}
}

func TestRejections(t *testing.T) {
	_, base := newTestRelay(t)
	a := dial(t, base, "r", "alice")
	snapshot(t, a)

	offer, _ := models.NewEnvelope(models.SignalTypeOffer, "", "", "nobody", nil)
	a.WriteJSON(offer)
	if env := read(t, a); env.Type != models.SignalTypeError {
		t.Errorf("unknown target got %s, want error", env.Type)
	}

	join, _ := models.NewEnvelope(models.SignalTypeJoin, "", "", "", nil)
	a.WriteJSON(join)
	if env := read(t, a); env.Type != models.SignalTypeError {
		t.Errorf("client join got %s, want error", env.Type)
	}

	a.WriteMessage(websocket.TextMessage, []byte("{not json"))
	if env := read(t, a); env.Type != models.SignalTypeError {
		t.Errorf("garbage got %s, want error", env.Type)
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	_, base := newTestRelay(t)
	a := dial(t, base, "one", "alice")
	snapA := snapshot(t, a)
	b := dial(t, base, "two", "bob")
	if snap := snapshot(t, b); len(snap.Participants) != 0 {
		t.Fatalf("room two sees %d participants", len(snap.Participants))
	}

	// Unicast across rooms is refused.
	offer, _ := models.NewEnvelope(models.SignalTypeOffer, "", "", snapA.Self.ID, nil)
	b.WriteJSON(offer)
	if env := read(t, b); env.Type != models.SignalTypeError {
		t.Errorf("cross-room unicast got %s, want error", env.Type)
	}
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	logger := zerolog.Nop()
	opts := testOptions()
	opts.SendBuffer = 1
	hub := NewHub(opts, nil, &logger)

	c := newClient(hub, nil, models.Participant{ID: "slow"}, "r")
	if !c.enqueue([]byte("1")) {
		t.Fatal("first enqueue should fit")
	}
	if c.enqueue([]byte("2")) {
		t.Fatal("second enqueue should overflow")
	}
	if hub.Stats().SlowConsumers != 1 {
		t.Errorf("SlowConsumers = %d, want 1", hub.Stats().SlowConsumers)
	}
	if c.enqueue([]byte("3")) {
		t.Error("enqueue after eviction must fail")
	}

	// The queued message is still drained before the close.
	if msg, ok := <-c.send; !ok || string(msg) != "1" {
		t.Errorf("drain = %q, %v", msg, ok)
	}
	if _, ok := <-c.send; ok {
		t.Error("send queue should be closed")
	}
}

func TestAdmit(t *testing.T) {
	hub, base := newTestRelay(t)
	a := dial(t, base, "small", "alice")
	snapshot(t, a)

	if err := hub.Admit("small", 2); err != nil {
		t.Errorf("Admit below limit: %v", err)
	}
	if err := hub.Admit("small", 1); err == nil {
		t.Error("Admit at limit should fail")
	}
	if err := hub.Admit("small", 0); err != nil {
		t.Errorf("unlimited Admit: %v", err)
	}
}

func dialRoom(base, room, name string, limit int) (*websocket.Conn, error) {
	q := url.Values{"room": {room}, "name": {name}, "limit": {strconv.Itoa(limit)}}
	conn, _, err := websocket.DefaultDialer.Dial(base+"?"+q.Encode(), nil)
	return conn, err
}

func TestConcurrentJoinersSeeEachOther(t *testing.T) {
	_, base := newTestRelay(t)
	const rounds, joiners = 20, 10

	for round := 0; round < rounds; round++ {
		room := "burst-" + strconv.Itoa(round)
		conns := make([]*websocket.Conn, joiners)
		errs := make([]error, joiners)

		var wg sync.WaitGroup
		for i := range conns {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				conns[i], errs[i] = dialRoom(base, room, "p"+strconv.Itoa(i), 0)
			}(i)
		}
		wg.Wait()
		for i, err := range errs {
			if err != nil {
				t.Fatalf("round %d: dial %d: %v", round, i, err)
			}
		}

		ids := make([]string, joiners)
		known := make([]map[string]bool, joiners)
		for i, c := range conns {
			snap := snapshot(t, c)
			ids[i] = snap.Self.ID
			known[i] = make(map[string]bool)
			for _, p := range snap.Participants {
				known[i][p.ID] = true
			}
		}

		// Whoever is missing from the snapshot must arrive as a join.
		for i, c := range conns {
			for len(known[i]) < joiners-1 {
				env := read(t, c)
				if env.Type == models.SignalTypeJoin {
					known[i][env.From] = true
				}
			}
			for _, id := range ids {
				if id != ids[i] && !known[i][id] {
					t.Fatalf("round %d: %s never learned of %s", round, ids[i], id)
				}
			}
		}

		for _, c := range conns {
			c.Close()
		}
	}
}

func TestServeRechecksCapacity(t *testing.T) {
	hub, base := newTestRelay(t)
	const limit, joiners = 3, 6

	type outcome struct {
		typ models.SignalType
		err error
	}
	results := make(chan outcome, joiners)
	for i := 0; i < joiners; i++ {
		go func(i int) {
			conn, err := dialRoom(base, "tiny", "p"+strconv.Itoa(i), limit)
			if err != nil {
				results <- outcome{err: err}
				return
			}
			t.Cleanup(func() { conn.Close() })
			conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			var env models.SignalEnvelope
			err = conn.ReadJSON(&env)
			results <- outcome{typ: env.Type, err: err}
		}(i)
	}

	admitted, refused := 0, 0
	for i := 0; i < joiners; i++ {
		r := <-results
		switch {
		case r.err != nil:
			t.Fatalf("joiner: %v", r.err)
		case r.typ == models.SignalTypeParticipants:
			admitted++
		case r.typ == models.SignalTypeError:
			refused++
		default:
			t.Fatalf("first envelope = %s", r.typ)
		}
	}
	if admitted != limit || refused != joiners-limit {
		t.Fatalf("admitted %d, refused %d; want %d and %d", admitted, refused, limit, joiners-limit)
	}
	if got := hub.Stats().Rejected; got != joiners-limit {
		t.Errorf("Rejected = %d, want %d", got, joiners-limit)
	}
	if n := hub.Registry().ParticipantCount(); n != limit {
		t.Errorf("ParticipantCount = %d, want %d", n, limit)
	}
}

func TestNewHubWithoutLogger(t *testing.T) {
	hub := NewHub(testOptions(), nil, nil)
	if err := hub.Admit("room", 1); err != nil {
		t.Fatalf("Admit: %v", err)
	}
}
