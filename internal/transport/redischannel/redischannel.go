// Package redischannel carries room signaling over Redis Pub/Sub, with room
// presence kept in a Redis hash. Envelopes are msgpack-encoded on the wire.
package redischannel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-rooms/internal/models"
	rooms "github.com/mossy-p/webrtc-rooms/internal/redis"
	"github.com/mossy-p/webrtc-rooms/internal/transport"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	receiveBuffer      = 64
	leaveTimeout       = 2 * time.Second
	opTimeout          = 2 * time.Second
	defaultHealthCheck = 5 * time.Second
	defaultHeartbeat   = rooms.PresenceTTL / 3
	defaultMaxRetries  = 5
)

var (
	ErrUnknownPeer = errors.New("unknown peer")

	errPongTimeout = errors.New("no reply to health check")
)

// Options configures a Pub/Sub transport. Zero values use the defaults.
type Options struct {
	// HealthCheck is how long the subscription may stay silent before it
	// is pinged. A ping left unanswered for as long counts as a lost
	// connection.
	HealthCheck time.Duration
	// Heartbeat paces presence refreshes and pruning of silent members.
	// It must stay below rooms.PresenceTTL.
	Heartbeat time.Duration

	// Reconnect policy.
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration

	Logger *zerolog.Logger
}

// Transport is one participant's signaling channel on a shared Redis.
type Transport struct {
	client   *rooms.Client
	presence *rooms.Presence
	opts     Options
	logger   zerolog.Logger

	recv   chan models.SignalEnvelope
	status chan transport.StatusChange
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// sendMu keeps publishes from one sender in call order.
	sendMu sync.Mutex

	mu      sync.Mutex
	sub     *redis.PubSub
	self    models.Participant
	roomID  string
	started bool
	closed  bool
}

var _ transport.Transport = (*Transport)(nil)

func New(client *rooms.Client, opts Options) *Transport {
	if opts.HealthCheck <= 0 {
		opts.HealthCheck = defaultHealthCheck
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		client:   client,
		presence: rooms.NewPresence(client),
		opts:     opts,
		logger:   logger.With().Str("component", "redischannel").Logger(),
		recv:     make(chan models.SignalEnvelope, receiveBuffer),
		status:   make(chan transport.StatusChange, 16),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect subscribes to the room before announcing the join, so no signal
// addressed to the new participant can be published unseen.
func (t *Transport) Connect(ctx context.Context, roomID, displayName string) (transport.Handle, error) {
	t.mu.Lock()
	if t.started || t.closed {
		t.mu.Unlock()
		return transport.Handle{}, transport.NewConnectionError("connect", roomID, errors.New("transport already used"))
	}
	t.started = true
	t.mu.Unlock()

	transport.Notify(t.status, transport.StatusChange{Status: transport.StatusConnecting})

	handle, err := t.join(ctx, roomID, displayName)
	if err != nil {
		connErr := transport.NewConnectionError("connect", roomID, err)
		transport.Notify(t.status, transport.StatusChange{Status: transport.StatusError, Err: connErr})
		close(t.recv)
		return transport.Handle{}, connErr
	}

	transport.Notify(t.status, transport.StatusChange{Status: transport.StatusConnected})
	t.logger.Info().
		Str("roomID", roomID).
		Str("peerID", handle.Self.ID).
		Int("participants", len(handle.Participants)).
		Msg("joined room")
	return handle, nil
}

func (t *Transport) join(ctx context.Context, roomID, displayName string) (transport.Handle, error) {
	sub, err := t.client.Subscribe(ctx, roomID)
	if err != nil {
		return transport.Handle{}, err
	}

	self := models.Participant{
		ID:          uuid.New().String(),
		DisplayName: displayName,
		JoinedAt:    time.Now().UTC(),
	}
	if _, err := t.presence.AddParticipant(ctx, roomID, self); err != nil {
		sub.Close()
		return transport.Handle{}, err
	}
	members, err := t.presence.ListParticipants(ctx, roomID)
	if err != nil {
		t.presence.RemoveParticipant(ctx, roomID, self.ID)
		sub.Close()
		return transport.Handle{}, err
	}

	t.mu.Lock()
	t.sub = sub
	t.self = self
	t.roomID = roomID
	t.mu.Unlock()

	t.wg.Add(2)
	go t.run(sub)
	go t.heartbeat()

	joined, err := models.NewEnvelope(models.SignalTypeJoin, roomID, self.ID, "", self)
	if err == nil {
		err = t.publish(ctx, joined)
	}
	if err != nil {
		t.logger.Warn().Err(err).Msg("failed to announce join")
	}

	return transport.Handle{Self: self, Participants: without(members, self.ID)}, nil
}

// Send publishes env to the room. A unicast target must be present.
func (t *Transport) Send(ctx context.Context, env models.SignalEnvelope) error {
	t.mu.Lock()
	started, closed, self, roomID := t.started, t.closed, t.self, t.roomID
	t.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if !started || self.ID == "" {
		return transport.ErrNotConnected
	}

	if env.To != "" {
		present, err := t.presence.Has(ctx, roomID, env.To)
		if err != nil {
			return transport.NewConnectionError("send", roomID, err)
		}
		if !present {
			return fmt.Errorf("%w: %s", ErrUnknownPeer, env.To)
		}
	}

	env.From = self.ID
	env.RoomID = roomID
	env.Timestamp = time.Now().UTC()
	if err := t.publish(ctx, env); err != nil {
		return transport.NewConnectionError("send", roomID, err)
	}
	return nil
}

func (t *Transport) publish(ctx context.Context, env models.SignalEnvelope) error {
	data, err := msgpack.Marshal(&env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return t.client.Publish(ctx, env.RoomID, data)
}

func (t *Transport) Receive() <-chan models.SignalEnvelope {
	return t.recv
}

func (t *Transport) Status() <-chan transport.StatusChange {
	return t.status
}

// Self returns the participant assigned by Connect.
func (t *Transport) Self() models.Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.self
}

// Disconnect leaves the room: presence is removed, a leave is published if
// anyone remains, and the subscription is closed.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sub, self, roomID := t.sub, t.self, t.roomID
	t.cancel()
	t.mu.Unlock()

	if sub == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()

	var errs []error
	_, empty, err := t.presence.RemoveParticipant(ctx, roomID, self.ID)
	if err != nil {
		errs = append(errs, err)
	} else if !empty {
		left, err := models.NewEnvelope(models.SignalTypeLeave, roomID, self.ID, "", nil)
		if err == nil {
			err = t.publish(ctx, left)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := sub.Close(); err != nil {
		errs = append(errs, err)
	}
	t.wg.Wait()

	transport.Notify(t.status, transport.StatusChange{Status: transport.StatusDisconnected})
	if err := errors.Join(errs...); err != nil {
		return transport.NewConnectionError("disconnect", roomID, err)
	}
	return nil
}

// run drives the subscription. go-redis reconnects a broken subscription on
// the next call without telling anyone, so the loop pings on silence and
// treats any receive error as a lost connection to recover from.
func (t *Transport) run(sub *redis.PubSub) {
	defer t.wg.Done()
	defer close(t.recv)

	self := t.Self().ID
	awaitingPong := false
	for {
		msg, err := sub.ReceiveTimeout(t.ctx, t.opts.HealthCheck)
		if t.ctx.Err() != nil {
			return
		}
		if err != nil {
			if isTimeout(err) {
				if !awaitingPong {
					if err = sub.Ping(t.ctx); err == nil {
						awaitingPong = true
						continue
					}
				} else {
					err = errPongTimeout
				}
			}
			if !t.recover(sub, err) {
				return
			}
			awaitingPong = false
			continue
		}

		awaitingPong = false
		m, ok := msg.(*redis.Message)
		if !ok {
			continue
		}
		var env models.SignalEnvelope
		if err := msgpack.Unmarshal([]byte(m.Payload), &env); err != nil {
			t.logger.Debug().Err(err).Msg("dropping malformed envelope")
			continue
		}
		if env.From == self || !env.AddressedTo(self) {
			continue
		}
		if !t.deliver(env) {
			return
		}
	}
}

// recover reports the outage, then retries until the subscription answers a
// ping and presence is restored. Envelopes published meanwhile are lost, so
// a participants snapshot is delivered for the session to resync from.
func (t *Transport) recover(sub *redis.PubSub, cause error) bool {
	t.logger.Warn().Err(cause).Str("roomID", t.roomID).Msg("redis subscription lost, reconnecting")
	transport.Notify(t.status, transport.StatusChange{Status: transport.StatusReconnecting, Err: cause})

	policy := backoff.NewExponentialBackOff()
	if t.opts.InitialInterval > 0 {
		policy.InitialInterval = t.opts.InitialInterval
	}
	if t.opts.MaxInterval > 0 {
		policy.MaxInterval = t.opts.MaxInterval
	}
	policy.MaxElapsedTime = 0

	var (
		snapshot models.ParticipantsPayload
		attempt  int
	)
	err := backoff.RetryNotify(func() error {
		attempt++
		ctx, cancel := context.WithTimeout(t.ctx, opTimeout)
		defer cancel()
		if err := sub.Ping(ctx); err != nil {
			return err
		}
		var err error
		snapshot, err = t.rejoin(ctx)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, t.opts.MaxRetries), t.ctx),
		func(err error, wait time.Duration) {
			t.logger.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("reconnect attempt failed")
		})
	if t.ctx.Err() != nil {
		return false
	}
	if err != nil {
		connErr := transport.NewConnectionError("reconnect", t.roomID,
			fmt.Errorf("%w after %d attempts: %v", transport.ErrRetriesExhausted, attempt, err))
		t.logger.Error().Err(connErr).Msg("giving up on redis")
		transport.Notify(t.status, transport.StatusChange{Status: transport.StatusError, Err: connErr})
		return false
	}

	resync, err := models.NewEnvelope(models.SignalTypeParticipants, t.roomID, "", snapshot.Self.ID, snapshot)
	if err == nil && !t.deliver(resync) {
		return false
	}
	transport.Notify(t.status, transport.StatusChange{Status: transport.StatusConnected})
	t.logger.Info().Int("participants", len(snapshot.Participants)).Msg("redis subscription recovered")
	return true
}

// rejoin restores this participant's presence under its existing id and
// announces it again; a join for a known id is an update for the others.
func (t *Transport) rejoin(ctx context.Context) (models.ParticipantsPayload, error) {
	self := t.Self()
	if _, err := t.presence.AddParticipant(ctx, t.roomID, self); err != nil {
		return models.ParticipantsPayload{}, err
	}
	members, err := t.presence.ListParticipants(ctx, t.roomID)
	if err != nil {
		return models.ParticipantsPayload{}, err
	}
	joined, err := models.NewEnvelope(models.SignalTypeJoin, t.roomID, self.ID, "", self)
	if err != nil {
		return models.ParticipantsPayload{}, backoff.Permanent(err)
	}
	if err := t.publish(ctx, joined); err != nil {
		return models.ParticipantsPayload{}, err
	}
	return models.ParticipantsPayload{Self: self, Participants: without(members, self.ID)}, nil
}

// heartbeat keeps this participant's presence alive and evicts members that
// stopped refreshing theirs, announcing a leave on their behalf.
func (t *Transport) heartbeat() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.beat()
		}
	}
}

func (t *Transport) beat() {
	ctx, cancel := context.WithTimeout(t.ctx, opTimeout)
	defer cancel()
	self, roomID := t.Self(), t.roomID

	present, err := t.presence.Touch(ctx, roomID, self.ID)
	if err != nil {
		// Outages are reported by the subscription loop.
		t.logger.Debug().Err(err).Msg("presence heartbeat failed")
		return
	}
	if !present {
		t.logger.Warn().Msg("presence expired, registering again")
		if _, err := t.presence.AddParticipant(ctx, roomID, self); err != nil {
			t.logger.Debug().Err(err).Msg("failed to restore presence")
			return
		}
		if joined, err := models.NewEnvelope(models.SignalTypeJoin, roomID, self.ID, "", self); err == nil {
			t.publish(ctx, joined)
		}
	}

	pruned, err := t.presence.Prune(ctx, roomID)
	if err != nil {
		t.logger.Debug().Err(err).Msg("failed to prune presence")
		return
	}
	for _, p := range pruned {
		t.logger.Info().Str("remoteID", p.ID).Msg("evicted silent participant")
		left, err := models.NewEnvelope(models.SignalTypeLeave, roomID, p.ID, "", nil)
		if err != nil {
			continue
		}
		if err := t.publish(ctx, left); err != nil {
			t.logger.Debug().Err(err).Str("remoteID", p.ID).Msg("failed to announce eviction")
		}
	}
}

func (t *Transport) deliver(env models.SignalEnvelope) bool {
	select {
	case t.recv <- env:
		return true
	case <-t.ctx.Done():
		return false
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func without(members []models.Participant, id string) []models.Participant {
	out := make([]models.Participant, 0, len(members))
	for _, p := range members {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}
