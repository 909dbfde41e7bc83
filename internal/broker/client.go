// Package broker owns the single upstream broker websocket connection: its
// session state, auto-reconnect with exponential backoff, subscription set,
// and the translation of wire frames into domain.NormalizedTick published to
// the Tick Bus. It also exposes a REST client for quote/candle fallbacks.
package broker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/papertrader/core/internal/domain"
	"github.com/papertrader/core/internal/events"
	"github.com/papertrader/core/internal/instruments"
	"github.com/papertrader/core/internal/ticks"
)

// SessionState is the adapter's connection state machine.
type SessionState string

const (
	Disconnected    SessionState = "DISCONNECTED"
	Connecting      SessionState = "CONNECTING"
	Connected       SessionState = "CONNECTED"
	ExpectedSilence SessionState = "EXPECTED_SILENCE"
	Failed          SessionState = "FAILED"
)

const (
	writeWait            = 10 * time.Second
	dialTimeout          = 10 * time.Second
	baseReconnectDelay   = 1 * time.Second
	maxReconnectDelay    = 30 * time.Second
	maxConsecutiveFailures = 20
)

// TokenSource retrieves the current bearer token for the websocket upgrade,
// refreshing transparently when the underlying credential has rotated.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Adapter owns exactly one outbound broker websocket connection per process.
type Adapter struct {
	url          string
	tokens       TokenSource
	store        *instruments.Store
	bus          *ticks.Bus
	eventBus     *events.Bus
	log          zerolog.Logger
	httpClient   *http.Client

	mu          sync.RWMutex
	conn        *websocket.Conn
	connCtx     context.Context
	connCancel  context.CancelFunc
	state       SessionState
	stopped     bool
	stopCh      chan struct{}
	consecutiveFailures int

	subMu      sync.Mutex
	subRefCount map[string]int

	decodeErrors  uint64
	unresolved    uint64
}

// NewAdapter constructs a broker adapter. Call Start to begin connecting.
func NewAdapter(url string, tokens TokenSource, store *instruments.Store, bus *ticks.Bus, eventBus *events.Bus, log zerolog.Logger) *Adapter {
	return &Adapter{
		url:         url,
		tokens:      tokens,
		store:       store,
		bus:         bus,
		eventBus:    eventBus,
		log:         log.With().Str("component", "broker.Adapter").Logger(),
		httpClient:  http1Client(),
		state:       Disconnected,
		stopCh:      make(chan struct{}),
		subRefCount: make(map[string]int),
	}
}

// http1Client forces HTTP/1.1 via ALPN so the websocket upgrade handshake
// works behind TLS-terminating proxies that would otherwise negotiate
// HTTP/2.
func http1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig:   &tls.Config{NextProtos: []string{"http/1.1"}},
			ForceAttemptHTTP2: false,
		},
	}
}

// Start begins the connection and background reconnect supervision.
func (a *Adapter) Start() {
	if err := a.connect(); err != nil {
		a.log.Warn().Err(err).Msg("initial broker connect failed, entering reconnect loop")
		go a.reconnectLoop()
		return
	}
	a.mu.RLock()
	conn := a.conn
	a.mu.RUnlock()
	go a.readLoop(conn)
}

// Stop gracefully shuts down the adapter, part of the cooperative shutdown
// sequence.
func (a *Adapter) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	close(a.stopCh)
	conn := a.conn
	cancel := a.connCancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
}

// State returns the current session state.
func (a *Adapter) State() SessionState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Adapter) setState(s SessionState) {
	a.mu.Lock()
	prev := a.state
	a.state = s
	a.mu.Unlock()
	if prev != s {
		a.eventBus.Emit(events.BrokerSessionState, "broker.Adapter", map[string]any{"from": string(prev), "to": string(s)})
	}
}

func (a *Adapter) connect() error {
	a.setState(Connecting)

	ctx := context.Background()
	token, err := a.tokens.Token(ctx)
	if err != nil {
		a.setState(Failed)
		return fmt.Errorf("UPSTOX_TOKEN_MISSING: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, a.url, &websocket.DialOptions{
		HTTPClient: a.httpClient,
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		a.bumpFailure()
		return fmt.Errorf("dial failed: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())

	a.mu.Lock()
	a.conn = conn
	a.connCtx = connCtx
	a.connCancel = connCancel
	a.consecutiveFailures = 0
	a.mu.Unlock()

	a.setState(Connected)

	if err := a.resubscribeAll(connCtx); err != nil {
		a.log.Warn().Err(err).Msg("resubscribe after connect failed")
	}

	return nil
}

func (a *Adapter) bumpFailure() {
	a.mu.Lock()
	a.consecutiveFailures++
	failures := a.consecutiveFailures
	a.mu.Unlock()
	if failures >= maxConsecutiveFailures {
		a.setState(Failed)
	}
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	a.mu.RLock()
	ctx := a.connCtx
	if ctx == nil {
		ctx = context.Background()
	}
	a.mu.RUnlock()

	defer func() {
		a.mu.RLock()
		stopped := a.stopped
		a.mu.RUnlock()
		if !stopped {
			a.setState(Disconnected)
			go a.reconnectLoop()
		}
	}()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				a.log.Info().Msg("broker websocket closed normally")
			} else if ctx.Err() == nil {
				a.log.Debug().Err(err).Msg("broker websocket read error")
			}
			return
		}

		if err := a.handleFrame(message); err != nil {
			a.decodeErrors++
		}
	}
}

// handleFrame decodes one wire frame and, if it resolves to a known
// instrument, publishes a NormalizedTick to the Tick Bus. Unknown or
// malformed frames are counted and dropped, never logged at error level
// under steady state.
func (a *Adapter) handleFrame(raw []byte) error {
	records, err := decodeRecords(raw)
	if err != nil {
		return err
	}

	for _, rec := range records {
		inst, err := a.store.Resolve(rec.ISIN)
		if err != nil {
			a.unresolved++
			continue
		}

		tick := domain.NormalizedTick{
			InstrumentKey: inst.InstrumentKey,
			Symbol:        inst.TradingSymbol,
			Price:         rec.LastPrice,
			Volume:        rec.Volume,
			Timestamp:     time.Unix(rec.TimestampUnix, 0),
			Exchange:      rec.Exchange,
			PrevClose:     rec.PrevClose,
		}
		a.bus.Publish(tick)
	}
	return nil
}

func (a *Adapter) reconnectLoop() {
	attempt := 0
	for {
		select {
		case <-a.stopCh:
			return
		default:
		}

		attempt++
		delay := backoff(attempt)

		select {
		case <-time.After(delay):
		case <-a.stopCh:
			return
		}

		if err := a.connect(); err != nil {
			a.log.Warn().Err(err).Int("attempt", attempt).Msg("broker reconnect failed")
			continue
		}

		a.mu.RLock()
		conn := a.conn
		a.mu.RUnlock()
		go a.readLoop(conn)
		return
	}
}

// backoff returns exponential backoff capped at 30s with +/-20% jitter.
func backoff(attempt int) time.Duration {
	d := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if d > float64(maxReconnectDelay) {
		d = float64(maxReconnectDelay)
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(d * jitter)
}

// Subscribe increments the reference count for each instrument key and, if
// connected, sends a subscribe upstream only for keys whose count went from
// zero to one.
func (a *Adapter) Subscribe(keys []string) error {
	a.subMu.Lock()
	newly := make([]string, 0, len(keys))
	for _, k := range keys {
		a.subRefCount[k]++
		if a.subRefCount[k] == 1 {
			newly = append(newly, k)
		}
	}
	a.subMu.Unlock()

	if len(newly) == 0 {
		return nil
	}
	return a.sendSubscribe(newly)
}

// Unsubscribe decrements reference counts and only sends an unsubscribe
// upstream for keys whose count reaches zero.
func (a *Adapter) Unsubscribe(keys []string) error {
	a.subMu.Lock()
	removed := make([]string, 0, len(keys))
	for _, k := range keys {
		if a.subRefCount[k] <= 1 {
			delete(a.subRefCount, k)
			removed = append(removed, k)
		} else {
			a.subRefCount[k]--
		}
	}
	a.subMu.Unlock()

	if len(removed) == 0 {
		return nil
	}
	return a.sendUnsubscribe(removed)
}

func (a *Adapter) resubscribeAll(ctx context.Context) error {
	a.subMu.Lock()
	keys := make([]string, 0, len(a.subRefCount))
	for k := range a.subRefCount {
		keys = append(keys, k)
	}
	a.subMu.Unlock()

	if len(keys) == 0 {
		return nil
	}
	return a.writeJSON(ctx, []any{"subscribe", keys})
}

func (a *Adapter) sendSubscribe(keys []string) error {
	return a.writeJSON(context.Background(), []any{"subscribe", keys})
}

func (a *Adapter) sendUnsubscribe(keys []string) error {
	return a.writeJSON(context.Background(), []any{"unsubscribe", keys})
}

func (a *Adapter) writeJSON(ctx context.Context, v any) error {
	a.mu.RLock()
	conn := a.conn
	a.mu.RUnlock()
	if conn == nil {
		return nil // queued implicitly: resubscribeAll replays the full set on reconnect
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
