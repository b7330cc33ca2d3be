package redischannel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/webrtc-rooms/internal/models"
	rooms "github.com/mossy-p/webrtc-rooms/internal/redis"
	"github.com/mossy-p/webrtc-rooms/internal/transport"
	"github.com/redis/go-redis/v9"
)

func newClient(t *testing.T) *rooms.Client {
	c, _ := newServer(t)
	return c
}

func newServer(t *testing.T) (*rooms.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := rooms.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

// fastRetry keeps reconnect attempts quick for tests.
func fastRetry(retries uint64) Options {
	return Options{
		HealthCheck:     200 * time.Millisecond,
		Heartbeat:       50 * time.Millisecond,
		MaxRetries:      retries,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
	}
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
			return transport.StatusChange{}
		}
	}
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

func TestRoomOverPubSub(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	alice := New(c, Options{})
	ha, err := alice.Connect(ctx, "standup", "alice")
	if err != nil {
		t.Fatalf("alice connect: %v", err)
	}
	defer alice.Disconnect()

	bob := New(c, Options{})
	hb, err := bob.Connect(ctx, "standup", "bob")
	if err != nil {
		t.Fatalf("bob connect: %v", err)
	}
	if len(hb.Participants) != 1 || hb.Participants[0].ID != ha.Self.ID {
		t.Fatalf("bob sees %+v", hb.Participants)
	}

	if env := recv(t, alice); env.Type != models.SignalTypeJoin || env.From != hb.Self.ID {
		t.Fatalf("alice got %+v, want join from bob", env)
	}

	carol := New(c, Options{})
	hc, err := carol.Connect(ctx, "standup", "carol")
	if err != nil {
		t.Fatalf("carol connect: %v", err)
	}
	defer carol.Disconnect()
	recv(t, alice) // carol's join
	recv(t, bob)

	// Unicast reaches only its target.
	offer, _ := models.NewEnvelope(models.SignalTypeOffer, "", "", hb.Self.ID, map[string]string{"sdp": "v=0"})
	if err := carol.Send(ctx, offer); err != nil {
		t.Fatalf("unicast: %v", err)
	}
	for i := 0; i < 3; i++ {
		chat, _ := models.NewEnvelope(models.SignalTypeChat, "", "", "", models.ChatPayload{ID: "m", Body: string(rune('a' + i))})
		if err := carol.Send(ctx, chat); err != nil {
			t.Fatalf("chat %d: %v", i, err)
		}
	}

	got := recv(t, bob)
	if got.Type != models.SignalTypeOffer || got.From != hc.Self.ID || got.RoomID != "standup" {
		t.Fatalf("bob got %+v, want offer from carol", got)
	}
	for _, want := range []string{"a", "b", "c"} {
		var chat models.ChatPayload
		if err := recv(t, bob).Decode(&chat); err != nil || chat.Body != want {
			t.Fatalf("bob chat = %+v, %v, want %s", chat, err, want)
		}
	}
	// Alice never sees the unicast: her next envelope is the first chat.
	var first models.ChatPayload
	if err := recv(t, alice).Decode(&first); err != nil || first.Body != "a" {
		t.Fatalf("alice first = %+v, %v", first, err)
	}
	recv(t, alice)
	recv(t, alice)

	if err := bob.Disconnect(); err != nil {
		t.Fatalf("bob disconnect: %v", err)
	}
	if env := recv(t, alice); env.Type != models.SignalTypeLeave || env.From != hb.Self.ID {
		t.Fatalf("alice got %+v, want leave", env)
	}
	if err := bob.Send(ctx, offer); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("send after disconnect = %v", err)
	}
}

func TestUnicastToAbsentPeer(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	tr := New(c, Options{})
	if _, err := tr.Connect(ctx, "r", "alice"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	offer, _ := models.NewEnvelope(models.SignalTypeOffer, "", "", "ghost", nil)
	if err := tr.Send(ctx, offer); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("err = %v, want ErrUnknownPeer", err)
	}
}

func TestLastLeaveDiscardsPresence(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	tr := New(c, Options{})
	if _, err := tr.Connect(ctx, "r", "alice"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := tr.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	empty, err := rooms.NewPresence(c).IsEmpty(ctx, "r")
	if err != nil || !empty {
		t.Errorf("IsEmpty = %v, %v", empty, err)
	}
	if err := tr.Disconnect(); err != nil {
		t.Errorf("second disconnect: %v", err)
	}
}

func TestLostRedisIsReported(t *testing.T) {
	ctx := context.Background()
	c, mr := newServer(t)
	tr := New(c, fastRetry(3))
	if _, err := tr.Connect(ctx, "standup", "alice"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()
	waitStatus(t, tr, transport.StatusConnected)

	mr.Close()

	waitStatus(t, tr, transport.StatusReconnecting)
	change := waitStatus(t, tr, transport.StatusError)
	if !errors.Is(change.Err, transport.ErrRetriesExhausted) {
		t.Errorf("error status carries %v, want ErrRetriesExhausted", change.Err)
	}
	var connErr *transport.SignalingConnectionError
	if !errors.As(change.Err, &connErr) {
		t.Errorf("error status carries %T, want *SignalingConnectionError", change.Err)
	}

	select {
	case _, ok := <-tr.Receive():
		if ok {
			t.Error("unexpected envelope after giving up")
		}
	case <-time.After(3 * time.Second):
		t.Error("receive channel should close after giving up")
	}
}

func TestRecoveryResyncsUnderSameIdentity(t *testing.T) {
	ctx := context.Background()
	c, mr := newServer(t)

	alice := New(c, fastRetry(50))
	ha, err := alice.Connect(ctx, "standup", "alice")
	if err != nil {
		t.Fatalf("alice connect: %v", err)
	}
	defer alice.Disconnect()
	bob := New(c, fastRetry(50))
	hb, err := bob.Connect(ctx, "standup", "bob")
	if err != nil {
		t.Fatalf("bob connect: %v", err)
	}
	defer bob.Disconnect()
	recv(t, alice) // bob's join

	mr.Close()
	waitStatus(t, alice, transport.StatusReconnecting)
	if err := mr.Restart(); err != nil {
		t.Fatalf("restart redis: %v", err)
	}
	waitStatus(t, alice, transport.StatusConnected)

	var snapshot models.ParticipantsPayload
	for {
		env := recv(t, alice)
		if env.Type != models.SignalTypeParticipants {
			continue
		}
		if err := env.Decode(&snapshot); err != nil {
			t.Fatalf("decode snapshot: %v", err)
		}
		break
	}
	if snapshot.Self.ID != ha.Self.ID {
		t.Errorf("resync self = %s, want unchanged %s", snapshot.Self.ID, ha.Self.ID)
	}
	found := false
	for _, p := range snapshot.Participants {
		found = found || p.ID == hb.Self.ID
	}
	if !found {
		t.Errorf("resync participants = %+v", snapshot.Participants)
	}

	waitStatus(t, bob, transport.StatusConnected)
	chat, _ := models.NewEnvelope(models.SignalTypeChat, "", "", "", models.ChatPayload{ID: "m", Body: "back"})
	if err := bob.Send(ctx, chat); err != nil {
		t.Fatalf("send after recovery: %v", err)
	}
	for {
		env := recv(t, alice)
		if env.Type == models.SignalTypeChat && env.From == hb.Self.ID {
			break
		}
	}
}

func TestSilentParticipantIsEvicted(t *testing.T) {
	ctx := context.Background()
	c, mr := newServer(t)
	presence := rooms.NewPresence(c)

	ghost := models.Participant{ID: "ghost", DisplayName: "crashed", JoinedAt: time.Now().UTC()}
	if _, err := presence.AddParticipant(ctx, "standup", ghost); err != nil {
		t.Fatalf("add ghost: %v", err)
	}

	alice := New(c, fastRetry(3))
	ha, err := alice.Connect(ctx, "standup", "alice")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer alice.Disconnect()
	if len(ha.Participants) != 1 || ha.Participants[0].ID != ghost.ID {
		t.Fatalf("alice sees %+v before expiry", ha.Participants)
	}

	mr.FastForward(rooms.PresenceTTL + time.Second)

	for {
		env := recv(t, alice)
		if env.Type == models.SignalTypeLeave && env.From == ghost.ID {
			break
		}
	}
	list, err := presence.ListParticipants(ctx, "standup")
	if err != nil {
		t.Fatalf("ListParticipants: %v", err)
	}
	if len(list) != 1 || list[0].ID != ha.Self.ID {
		t.Errorf("presence after eviction = %+v, want only alice", list)
	}
}
