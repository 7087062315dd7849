package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"marketdata/internal/fetcherr"
	"marketdata/internal/retry"
)

// subscription state machine: idle -> subscribing -> active ->
// unsubscribing -> idle. Idle subscriptions do not exist in the map, and
// unsubscribing collapses to removal because the upstream protocol has no
// unsubscribe acknowledgement.
type subState int

const (
	stateSubscribing subState = iota
	stateActive
)

type subscription struct {
	key     Key
	state   subState
	clients map[*Client]struct{}
}

// Mux owns the upstream connections and the subscription fan-out.
type Mux struct {
	log     zerolog.Logger
	backoff retry.Policy

	mu       sync.Mutex
	dialects map[string]Dialect
	ups      map[string]*upstream
	closed   bool
}

func NewMux(log zerolog.Logger, backoff retry.Policy) *Mux {
	return &Mux{
		log:      log.With().Str("component", "stream").Logger(),
		backoff:  backoff,
		dialects: make(map[string]Dialect),
		ups:      make(map[string]*upstream),
	}
}

// RegisterDialect makes a provider's stream protocol available. Call before
// serving subscriptions.
func (m *Mux) RegisterDialect(d Dialect) {
	m.mu.Lock()
	m.dialects[d.Provider()] = d
	m.mu.Unlock()
}

// Subscribe attaches client to the key's logical subscription, opening the
// provider connection and sending the upstream subscribe on first attach.
func (m *Mux) Subscribe(ctx context.Context, client *Client, key Key) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("stream: multiplexer closed")
	}
	d, ok := m.dialects[key.Provider]
	if !ok {
		m.mu.Unlock()
		return fetcherr.Validation("stream", "no stream support for provider %q", key.Provider)
	}
	up, ok := m.ups[key.Provider]
	if !ok {
		up = newUpstream(m, d)
		m.ups[key.Provider] = up
	}
	m.mu.Unlock()

	if err := up.attach(ctx, client, key); err != nil {
		m.reapUpstream(key.Provider, up)
		return err
	}
	return nil
}

// Unsubscribe detaches client from one key. The upstream unsubscribe is
// sent exactly once, when the last client leaves.
func (m *Mux) Unsubscribe(client *Client, key Key) {
	m.mu.Lock()
	up, ok := m.ups[key.Provider]
	m.mu.Unlock()
	if !ok {
		return
	}
	up.detach(client, key)
	m.reapUpstream(key.Provider, up)
}

// DetachClient removes the client from every subscription and closes its
// delivery channel. Called on client disconnect with no grace period.
func (m *Mux) DetachClient(client *Client) {
	m.mu.Lock()
	ups := make(map[string]*upstream, len(m.ups))
	for p, up := range m.ups {
		ups[p] = up
	}
	m.mu.Unlock()

	for p, up := range ups {
		up.detachAll(client)
		m.reapUpstream(p, up)
	}
	client.close()
}

// reapUpstream tears down a provider connection once it carries no
// subscriptions.
func (m *Mux) reapUpstream(providerName string, up *upstream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ups[providerName] == up && up.empty() {
		delete(m.ups, providerName)
		up.shutdown()
	}
}

// Close force-closes every provider connection and waits for the read
// loops to exit, bounded by ctx.
func (m *Mux) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ups := make([]*upstream, 0, len(m.ups))
	for _, up := range m.ups {
		ups = append(ups, up)
	}
	m.ups = make(map[string]*upstream)
	m.mu.Unlock()

	for _, up := range ups {
		up.shutdown()
	}
	for _, up := range ups {
		select {
		case <-up.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// upstream is the single long-lived connection to one provider.
type upstream struct {
	mux     *Mux
	dialect Dialect
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	conn    Conn
	subs    map[Key]*subscription
	running bool
	closed  bool
}

func newUpstream(m *Mux, d Dialect) *upstream {
	ctx, cancel := context.WithCancel(context.Background())
	return &upstream{
		mux:     m,
		dialect: d,
		log:     m.log.With().Str("provider", d.Provider()).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		subs:    make(map[Key]*subscription),
	}
}

func (u *upstream) attach(ctx context.Context, client *Client, key Key) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return fmt.Errorf("stream: provider %s connection closed", key.Provider)
	}

	if sub, ok := u.subs[key]; ok {
		// merge into the live subscription, no upstream frame
		sub.clients[client] = struct{}{}
		u.mu.Unlock()
		return nil
	}

	sub := &subscription{key: key, state: stateSubscribing, clients: map[*Client]struct{}{client: {}}}
	u.subs[key] = sub

	if u.running {
		// the run loop owns connection establishment. A nil conn means a
		// reconnect is in flight; the resubscribe picks this key up.
		var werr error
		if u.conn != nil {
			if werr = u.conn.WriteJSON(u.dialect.SubscribeFrame([]string{u.dialect.Param(key)})); werr == nil {
				// no subscribe acknowledgement in the protocol
				sub.state = stateActive
			}
		}
		u.mu.Unlock()
		if werr != nil {
			// the read loop notices the broken connection and resubscribes
			// this key after reconnecting
			u.log.Warn().Err(werr).Str("param", u.dialect.Param(key)).Msg("subscribe write failed")
		}
		return nil
	}

	// first subscription: claim connection ownership, then dial without
	// holding the lock
	u.running = true
	u.mu.Unlock()

	conn, err := u.dialect.Dial(ctx)
	if err != nil {
		u.undial(client, key)
		return fetcherr.Transient(key.Provider, err, "stream dial")
	}

	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		_ = conn.Close()
		close(u.done)
		return fmt.Errorf("stream: provider %s connection closed", key.Provider)
	}
	u.conn = conn
	params := make([]string, 0, len(u.subs))
	for k, s := range u.subs {
		params = append(params, u.dialect.Param(k))
		s.state = stateActive
	}
	werr := conn.WriteJSON(u.dialect.SubscribeFrame(params))
	u.mu.Unlock()

	go u.run()
	if werr != nil {
		// the read loop notices the broken connection and resubscribes
		// after reconnecting
		u.log.Warn().Err(werr).Str("param", u.dialect.Param(key)).Msg("subscribe write failed")
	}
	return nil
}

// undial releases connection ownership after a failed first dial. Keys
// registered by racing subscribers while the dial was in flight are handed
// to the run loop, which establishes the connection for them.
func (u *upstream) undial(client *Client, key Key) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if sub, ok := u.subs[key]; ok {
		delete(sub.clients, client)
		if len(sub.clients) == 0 {
			delete(u.subs, key)
		}
	}
	if u.closed {
		close(u.done)
		return
	}
	if len(u.subs) > 0 {
		go u.run()
		return
	}
	u.running = false
}

func (u *upstream) detach(client *Client, key Key) {
	u.mu.Lock()
	defer u.mu.Unlock()
	sub, ok := u.subs[key]
	if !ok {
		return
	}
	delete(sub.clients, client)
	if len(sub.clients) > 0 {
		return
	}
	delete(u.subs, key)
	if u.conn != nil {
		if err := u.conn.WriteJSON(u.dialect.UnsubscribeFrame([]string{u.dialect.Param(key)})); err != nil {
			u.log.Warn().Err(err).Str("param", u.dialect.Param(key)).Msg("unsubscribe write failed")
		}
	}
}

func (u *upstream) detachAll(client *Client) {
	u.mu.Lock()
	keys := make([]Key, 0, len(u.subs))
	for k, sub := range u.subs {
		if _, ok := sub.clients[client]; ok {
			keys = append(keys, k)
		}
	}
	u.mu.Unlock()
	for _, k := range keys {
		u.detach(client, k)
	}
}

func (u *upstream) empty() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.subs) == 0
}

func (u *upstream) shutdown() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	conn := u.conn
	running := u.running
	u.mu.Unlock()

	u.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	if !running {
		close(u.done)
	}
}

// run reads the provider connection for its whole life, reconnecting with
// retry-shaped backoff. Clients stay attached across a reconnect; their
// subscriptions are paused and re-established.
func (u *upstream) run() {
	defer close(u.done)
	for {
		u.mu.Lock()
		conn := u.conn
		u.mu.Unlock()
		if conn != nil {
			u.readLoop(conn)
		}
		if u.ctx.Err() != nil || u.isClosed() {
			return
		}

		u.pauseAll()
		if !u.reconnect() {
			return
		}
	}
}

func (u *upstream) isClosed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}

func (u *upstream) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if u.ctx.Err() == nil && !u.isClosed() {
				u.log.Warn().Err(err).Msg("provider connection dropped")
			}
			return
		}
		events, err := u.dialect.Parse(data)
		if err != nil {
			u.log.Warn().Err(err).Msg("unparseable provider message")
			continue
		}
		for _, ev := range events {
			u.deliver(ev)
		}
	}
}

// deliver fans one event out to every client attached to a matching active
// subscription. Per-client queues are non-blocking, so one stalled client
// cannot hold up the rest.
func (u *upstream) deliver(ev Event) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for key, sub := range u.subs {
		if sub.state != stateActive || !ev.matches(key) {
			continue
		}
		msg := Message{Record: ev.Record}
		for c := range sub.clients {
			c.push(msg)
		}
	}
}

// pauseAll moves every subscription back to subscribing while the
// connection is down.
func (u *upstream) pauseAll() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.conn = nil
	for _, sub := range u.subs {
		sub.state = stateSubscribing
	}
}

// reconnect re-dials with backoff and re-subscribes every key. Returns
// false when the upstream was shut down while waiting.
func (u *upstream) reconnect() bool {
	for attempt := 0; ; attempt++ {
		delay := u.mux.backoff.Delay(attempt)
		u.log.Info().Dur("delay", delay).Int("attempt", attempt).Msg("reconnecting")
		select {
		case <-u.ctx.Done():
			return false
		case <-time.After(delay):
		}

		conn, err := u.dialect.Dial(u.ctx)
		if err != nil {
			if u.ctx.Err() != nil {
				return false
			}
			u.log.Warn().Err(err).Msg("reconnect dial failed")
			continue
		}

		u.mu.Lock()
		if u.closed {
			u.mu.Unlock()
			_ = conn.Close()
			return false
		}
		u.conn = conn
		params := make([]string, 0, len(u.subs))
		for key, sub := range u.subs {
			params = append(params, u.dialect.Param(key))
			sub.state = stateActive
		}
		var werr error
		if len(params) > 0 {
			werr = conn.WriteJSON(u.dialect.SubscribeFrame(params))
		}
		u.mu.Unlock()

		if werr != nil {
			u.log.Warn().Err(werr).Msg("resubscribe write failed")
			_ = conn.Close()
			u.pauseAll()
			continue
		}
		u.log.Info().Int("subscriptions", len(params)).Msg("reconnected")
		return true
	}
}
