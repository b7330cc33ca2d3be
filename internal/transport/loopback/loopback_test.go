package loopback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-rooms/internal/models"
	"github.com/mossy-p/webrtc-rooms/internal/transport"
)

func recv(t *testing.T, tr *Transport) models.SignalEnvelope {
	t.Helper()
	select {
	case env, ok := <-tr.Receive():
		if !ok {
			t.Fatal("receive channel closed")
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
	return models.SignalEnvelope{}
}

func TestJoinPresenceAndOrdering(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()

	alice := bus.Transport()
	ha, err := alice.Connect(ctx, "standup", "alice")
	if err != nil {
		t.Fatalf("alice connect: %v", err)
	}
	if len(ha.Participants) != 0 {
		t.Fatalf("alice sees %d participants", len(ha.Participants))
	}

	bob := bus.Transport()
	hb, err := bob.Connect(ctx, "standup", "bob")
	if err != nil {
		t.Fatalf("bob connect: %v", err)
	}
	if len(hb.Participants) != 1 || hb.Participants[0].ID != ha.Self.ID {
		t.Fatalf("bob handle = %+v", hb.Participants)
	}
	if !ha.Self.Precedes(hb.Self) {
		t.Error("earlier joiner should precede")
	}

	if env := recv(t, alice); env.Type != models.SignalTypeJoin || env.From != hb.Self.ID {
		t.Fatalf("alice got %+v, want join from bob", env)
	}

	for i, body := range []string{"one", "two", "three"} {
		env, _ := models.NewEnvelope(models.SignalTypeChat, "", "", "", models.ChatPayload{ID: body, Body: body})
		if err := bob.Send(ctx, env); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for _, want := range []string{"one", "two", "three"} {
		var chat models.ChatPayload
		if err := recv(t, alice).Decode(&chat); err != nil || chat.Body != want {
			t.Fatalf("chat = %+v, %v, want %s", chat, err, want)
		}
	}

	if err := bob.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if env := recv(t, alice); env.Type != models.SignalTypeLeave || env.From != hb.Self.ID {
		t.Fatalf("alice got %+v, want leave", env)
	}
	if err := bob.Disconnect(); err != nil {
		t.Errorf("second disconnect: %v", err)
	}

	alice.Disconnect()
	if bus.Registry().RoomCount() != 0 {
		t.Error("empty room should be discarded")
	}
}

func TestUnicastStaysInRoom(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()

	a := bus.Transport()
	ha, _ := a.Connect(ctx, "one", "alice")
	b := bus.Transport()
	b.Connect(ctx, "two", "bob")

	offer, _ := models.NewEnvelope(models.SignalTypeOffer, "", "", ha.Self.ID, nil)
	if err := b.Send(ctx, offer); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("cross-room unicast err = %v", err)
	}

	c := bus.Transport()
	hc, _ := c.Connect(ctx, "one", "carol")
	recv(t, a) // carol's join

	offer.To = ha.Self.ID
	if err := c.Send(ctx, offer); err != nil {
		t.Fatalf("unicast: %v", err)
	}
	if env := recv(t, a); env.Type != models.SignalTypeOffer || env.From != hc.Self.ID || env.To != ha.Self.ID {
		t.Errorf("alice got %+v", env)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	tr := NewBus().Transport()
	env, _ := models.NewEnvelope(models.SignalTypeChat, "", "", "", nil)
	if err := tr.Send(context.Background(), env); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestDropReportsError(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	a := bus.Transport()
	ha, _ := a.Connect(ctx, "r", "alice")

	bus.Drop(ha.Self.ID)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case change := <-a.Status():
			if change.Status != transport.StatusError {
				continue
			}
			var connErr *transport.SignalingConnectionError
			if !errors.As(change.Err, &connErr) {
				t.Fatalf("err = %v, want SignalingConnectionError", change.Err)
			}
			return
		case <-deadline:
			t.Fatal("no error status after drop")
		}
	}
}
