// Package wsrelay is the client side of the websocket signaling relay.
package wsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-rooms/internal/models"
	"github.com/mossy-p/webrtc-rooms/internal/transport"
	"github.com/rs/zerolog"
)

const (
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	defaultMaxRetries = 5
	receiveBuffer     = 64
)

// Options configures a relay transport.
type Options struct {
	// URL is the signaling endpoint without the room segment, e.g.
	// ws://localhost:8080/ws/signal.
	URL    string
	Dialer *websocket.Dialer
	Header http.Header

	WriteWait time.Duration
	PongWait  time.Duration

	// Reconnect policy. MaxRetries of zero uses the default.
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration

	Logger *zerolog.Logger
}

// Transport connects to a relay over a websocket and reconnects with
// exponential backoff when the connection drops.
type Transport struct {
	opts   Options
	logger zerolog.Logger

	recv   chan models.SignalEnvelope
	status chan transport.StatusChange
	done   chan struct{}
	wg     sync.WaitGroup

	writeMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	roomID      string
	displayName string
	self        models.Participant
	started     bool
	closed      bool
}

var _ transport.Transport = (*Transport)(nil)

func New(opts Options) *Transport {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Transport{
		opts:   opts,
		logger: logger.With().Str("component", "wsrelay").Logger(),
		recv:   make(chan models.SignalEnvelope, receiveBuffer),
		status: make(chan transport.StatusChange, 16),
		done:   make(chan struct{}),
	}
}

func (t *Transport) Connect(ctx context.Context, roomID, displayName string) (transport.Handle, error) {
	t.mu.Lock()
	if t.started || t.closed {
		t.mu.Unlock()
		return transport.Handle{}, transport.NewConnectionError("connect", roomID, errors.New("transport already used"))
	}
	t.started = true
	t.roomID = roomID
	t.displayName = displayName
	t.mu.Unlock()

	transport.Notify(t.status, transport.StatusChange{Status: transport.StatusConnecting})

	conn, snapshot, err := t.dial(ctx)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Err
		}
		connErr := transport.NewConnectionError("connect", roomID, err)
		transport.Notify(t.status, transport.StatusChange{Status: transport.StatusError, Err: connErr})
		close(t.recv)
		return transport.Handle{}, connErr
	}

	t.attach(conn, snapshot.Self)
	transport.Notify(t.status, transport.StatusChange{Status: transport.StatusConnected})

	t.wg.Add(1)
	go t.run(conn)

	return transport.Handle{Self: snapshot.Self, Participants: snapshot.Participants}, nil
}

// Send writes env to the relay. It fails rather than queueing while the
// connection is down.
func (t *Transport) Send(ctx context.Context, env models.SignalEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	t.mu.Lock()
	conn, closed, roomID := t.conn, t.closed, t.roomID
	t.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if conn == nil {
		return transport.ErrNotConnected
	}

	deadline := time.Now().Add(t.opts.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return transport.NewConnectionError("send", roomID, err)
	}
	return nil
}

func (t *Transport) Receive() <-chan models.SignalEnvelope {
	return t.recv
}

func (t *Transport) Status() <-chan transport.StatusChange {
	return t.status
}

// Self returns the participant identity from the most recent (re)connect.
func (t *Transport) Self() models.Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.self
}

// Disconnect closes the websocket. The relay announces the leave.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	close(t.done)
	t.mu.Unlock()

	var err error
	if conn != nil {
		t.writeMu.Lock()
		werr := conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(t.opts.WriteWait))
		t.writeMu.Unlock()
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			err = transport.NewConnectionError("disconnect", t.roomID, werr)
		}
		conn.Close()
	}
	t.wg.Wait()

	transport.Notify(t.status, transport.StatusChange{Status: transport.StatusDisconnected})
	return err
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) attach(conn *websocket.Conn, self models.Participant) {
	t.mu.Lock()
	t.conn = conn
	t.self = self
	t.mu.Unlock()
}

// dial opens a websocket to the room and reads the relay's participant
// snapshot, which is always the first envelope.
func (t *Transport) dial(ctx context.Context) (*websocket.Conn, models.ParticipantsPayload, error) {
	var snapshot models.ParticipantsPayload

	endpoint, err := t.endpoint()
	if err != nil {
		return nil, snapshot, err
	}

	conn, resp, err := t.opts.Dialer.DialContext(ctx, endpoint, t.opts.Header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, snapshot, backoff.Permanent(models.ErrRoomFull)
		}
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, snapshot, backoff.Permanent(models.ErrRoomNotFound)
		}
		return nil, snapshot, err
	}

	conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))
	var env models.SignalEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		conn.Close()
		return nil, snapshot, fmt.Errorf("read participant snapshot: %w", err)
	}
	if env.Type != models.SignalTypeParticipants {
		conn.Close()
		return nil, snapshot, fmt.Errorf("expected participants envelope, got %q", env.Type)
	}
	if err := env.Decode(&snapshot); err != nil {
		conn.Close()
		return nil, snapshot, fmt.Errorf("decode participant snapshot: %w", err)
	}

	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(t.opts.WriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return conn, snapshot, nil
}

func (t *Transport) endpoint() (string, error) {
	u, err := url.Parse(t.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + t.roomID
	q := u.Query()
	if t.displayName != "" {
		q.Set("displayName", t.displayName)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// run reads until the connection drops, then reconnects. It owns the
// receive channel and closes it when the transport is finished.
func (t *Transport) run(conn *websocket.Conn) {
	defer t.wg.Done()
	defer close(t.recv)

	for {
		err := t.readLoop(conn)
		conn.Close()
		if t.isClosed() {
			return
		}

		t.logger.Warn().Err(err).Str("roomID", t.roomID).Msg("relay connection lost, reconnecting")
		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		transport.Notify(t.status, transport.StatusChange{Status: transport.StatusReconnecting, Err: err})

		next, snapshot, err := t.reconnect()
		if err != nil {
			if t.isClosed() {
				return
			}
			connErr := transport.NewConnectionError("reconnect", t.roomID, err)
			t.logger.Error().Err(connErr).Msg("giving up on relay")
			transport.Notify(t.status, transport.StatusChange{Status: transport.StatusError, Err: connErr})
			return
		}

		t.attach(next, snapshot.Self)
		if t.isClosed() {
			next.Close()
			return
		}

		resync, err := models.NewEnvelope(models.SignalTypeParticipants, t.roomID, "", snapshot.Self.ID, snapshot)
		if err == nil && !t.deliver(resync) {
			next.Close()
			return
		}
		transport.Notify(t.status, transport.StatusChange{Status: transport.StatusConnected})
		t.logger.Info().Str("peerID", snapshot.Self.ID).Msg("reconnected to relay")
		conn = next
	}
}

func (t *Transport) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))

		var env models.SignalEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.logger.Debug().Err(err).Msg("dropping malformed envelope")
			continue
		}
		if env.Type == models.SignalTypeError {
			var payload models.ErrorPayload
			env.Decode(&payload)
			t.logger.Warn().Str("error", payload.Error).Msg("relay rejected envelope")
		}
		if !t.deliver(env) {
			return transport.ErrClosed
		}
	}
}

func (t *Transport) deliver(env models.SignalEnvelope) bool {
	select {
	case t.recv <- env:
		return true
	case <-t.done:
		return false
	}
}

func (t *Transport) reconnect() (*websocket.Conn, models.ParticipantsPayload, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	policy := backoff.NewExponentialBackOff()
	if t.opts.InitialInterval > 0 {
		policy.InitialInterval = t.opts.InitialInterval
	}
	if t.opts.MaxInterval > 0 {
		policy.MaxInterval = t.opts.MaxInterval
	}
	policy.MaxElapsedTime = 0

	var (
		conn     *websocket.Conn
		snapshot models.ParticipantsPayload
		attempt  int
	)
	err := backoff.RetryNotify(func() error {
		attempt++
		var err error
		conn, snapshot, err = t.dial(ctx)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, t.opts.MaxRetries), ctx),
		func(err error, wait time.Duration) {
			t.logger.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("reconnect attempt failed")
		})
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, models.ErrRoomFull) && !errors.Is(err, models.ErrRoomNotFound) {
			err = fmt.Errorf("%w after %d attempts: %v", transport.ErrRetriesExhausted, attempt, err)
		}
		return nil, snapshot, err
	}
	return conn, snapshot, nil
}
