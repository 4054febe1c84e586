package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"perp-market-sdk/internal/metrics"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	BackingOff
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case BackingOff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Observer receives price updates for one feed id. It runs on the read
// goroutine and must not block.
type Observer func(PriceUpdate)

// Handle identifies one registered observer.
type Handle uuid.UUID

func (h Handle) String() string {
	return uuid.UUID(h).String()
}

type Options struct {
	URL          string
	HTTPURL      string
	BaseDelay    time.Duration
	MaxAttempts  int
	PingInterval time.Duration
	Timeout      time.Duration

	Dialer     Dialer
	Scheduler  Scheduler
	HTTPClient *http.Client

	// OnClose runs when the server closes the stream, OnError on any other
	// failure, including ErrReconnectExhausted.
	OnClose func(error)
	OnError func(error)

	Log     *zap.Logger
	Metrics *metrics.Metrics
}

type observer struct {
	handle Handle
	fn     Observer
}

type Client struct {
	opts Options
	log  *zap.Logger
	m    *metrics.Metrics

	mu        sync.Mutex
	state     State
	conn      Conn
	stopLoops context.CancelFunc
	gen       uint64
	attempts  int
	timer     Timer
	closed    bool
	observers map[string][]observer
	pairFeeds map[string]string
}

func New(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.Scheduler == nil {
		opts.Scheduler = realScheduler{}
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		opts:      opts,
		log:       log,
		m:         metrics.OrNoop(opts.Metrics),
		observers: make(map[string][]observer),
		pairFeeds: make(map[string]string),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the stream and subscribes to every observed feed. It is a
// no-op while connected or connecting. A failed explicit Connect does not
// schedule retries.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.stopTimerLocked()
	c.attempts = 0
	c.state = Connecting
	c.mu.Unlock()
	return c.open(ctx)
}

func (c *Client) open(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	conn, err := c.opts.Dialer.Dial(dialCtx, c.opts.URL)
	if err != nil {
		c.setState(Disconnected)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.state = Disconnected
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.gen++
	gen := c.gen
	loopCtx, stop := context.WithCancel(context.Background())
	c.conn = conn
	c.stopLoops = stop
	c.state = Connected
	c.attempts = 0
	ids := c.feedIDsLocked()
	c.mu.Unlock()

	if len(ids) > 0 {
		if err := c.send(dialCtx, conn, "subscribe", ids); err != nil {
			c.mu.Lock()
			var stale Conn
			if c.gen == gen {
				stale = c.detachLocked()
				c.state = Disconnected
			}
			c.mu.Unlock()
			closeConn(stale)
			return err
		}
	}
	c.log.Info("price feed connected", zap.String("url", c.opts.URL), zap.Int("feeds", len(ids)))

	go c.readLoop(loopCtx, conn, gen)
	go c.pingLoop(loopCtx, conn)
	return nil
}

// Close tears the stream down without reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.stopTimerLocked()
	conn := c.detachLocked()
	c.state = Disconnected
	c.attempts = 0
	c.mu.Unlock()
	closeConn(conn)
	return nil
}

// Register adds an observer for feedID. It does not touch the wire; call
// Subscribe or reconnect to start receiving a new feed.
func (c *Client) Register(feedID string, fn Observer) Handle {
	id := NormalizeID(feedID)
	h := Handle(uuid.New())
	c.mu.Lock()
	c.observers[id] = append(c.observers[id], observer{handle: h, fn: fn})
	c.mu.Unlock()
	return h
}

func (c *Client) Unregister(feedID string, h Handle) bool {
	id := NormalizeID(feedID)
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.observers[id]
	for i, o := range list {
		if o.handle != h {
			continue
		}
		rest := append(append([]observer(nil), list[:i]...), list[i+1:]...)
		if len(rest) == 0 {
			delete(c.observers, id)
		} else {
			c.observers[id] = rest
		}
		return true
	}
	return false
}

// SetPairFeeds replaces the pair name to feed id table.
func (c *Client) SetPairFeeds(feeds map[string]string) {
	table := make(map[string]string, len(feeds))
	for name, id := range feeds {
		table[name] = NormalizeID(id)
	}
	c.mu.Lock()
	c.pairFeeds = table
	c.mu.Unlock()
}

func (c *Client) FeedIDForPair(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.pairFeeds[name]
	return id, ok
}

func (c *Client) RegisterPair(name string, fn Observer) (Handle, error) {
	id, ok := c.FeedIDForPair(name)
	if !ok {
		return Handle{}, ErrUnknownPair
	}
	return c.Register(id, fn), nil
}

// Subscribe sends a subscribe for every observed feed on the open stream.
func (c *Client) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	ids := c.feedIDsLocked()
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if len(ids) == 0 {
		return nil
	}
	return c.send(ctx, conn, "subscribe", ids)
}

func (c *Client) Unsubscribe(ctx context.Context, feedIDs ...string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	ids := make([]string, 0, len(feedIDs))
	for _, id := range feedIDs {
		ids = append(ids, NormalizeID(id))
	}
	return c.send(ctx, conn, "unsubscribe", ids)
}

type subscription struct {
	Type string   `json:"type"`
	IDs  []string `json:"ids"`
}

func (c *Client) send(ctx context.Context, conn Conn, kind string, ids []string) error {
	data, err := json.Marshal(subscription{Type: kind, IDs: ids})
	if err != nil {
		return err
	}
	return conn.Write(ctx, data)
}

func (c *Client) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.dropped(gen, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn Conn) {
	if c.opts.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn("price feed ping failed", zap.Error(err))
					_ = conn.Close()
				}
				return
			}
		}
	}
}

func (c *Client) dispatch(data []byte) {
	update, err := ParseMessage(data)
	if err != nil {
		if errors.Is(err, ErrIgnoredMessage) {
			return
		}
		c.m.FeedMessagesDropped.Inc()
		c.log.Debug("dropping price message", zap.Error(err))
		return
	}
	c.mu.Lock()
	list := append([]observer(nil), c.observers[update.FeedID]...)
	c.mu.Unlock()
	for _, o := range list {
		o.fn(update)
	}
}

// dropped handles the end of a connection's read loop. Stale generations
// and deliberate closes are ignored.
func (c *Client) dropped(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.closed || c.state != Connected {
		c.mu.Unlock()
		return
	}
	conn := c.detachLocked()
	c.state = Disconnected
	c.mu.Unlock()
	closeConn(conn)

	if websocket.CloseStatus(err) != -1 {
		c.log.Info("price feed closed by server", zap.Error(err))
		c.hook(c.opts.OnClose, err)
	} else {
		c.log.Warn("price feed connection lost", zap.Error(err))
		c.hook(c.opts.OnError, err)
	}
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.attempts++
	attempt := c.attempts
	if attempt > c.opts.MaxAttempts {
		c.state = Disconnected
		c.mu.Unlock()
		c.m.FeedReconnectsExhausted.Inc()
		c.log.Error("price feed reconnect attempts exhausted", zap.Int("max_attempts", c.opts.MaxAttempts))
		c.hook(c.opts.OnError, ErrReconnectExhausted)
		return
	}
	delay := Backoff(c.opts.BaseDelay, attempt)
	c.state = BackingOff
	c.timer = c.opts.Scheduler.AfterFunc(delay, c.reconnect)
	c.mu.Unlock()
	c.m.FeedReconnects.Inc()
	c.log.Info("price feed reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
}

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.closed || c.state != BackingOff {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.state = Connecting
	c.mu.Unlock()

	err := c.open(context.Background())
	if err == nil {
		return
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.log.Warn("price feed reconnect failed", zap.Error(err))
	c.hook(c.opts.OnError, err)
	c.scheduleReconnect()
}

func (c *Client) hook(fn func(error), err error) {
	if fn != nil {
		fn(err)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// detachLocked stops the loops and hands back the open connection. The
// caller closes it after releasing c.mu; a websocket close waits on the
// peer's handshake.
func (c *Client) detachLocked() Conn {
	if c.stopLoops != nil {
		c.stopLoops()
		c.stopLoops = nil
	}
	conn := c.conn
	c.conn = nil
	return conn
}

func closeConn(conn Conn) {
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) feedIDsLocked() []string {
	ids := make([]string, 0, len(c.observers))
	for id, list := range c.observers {
		if len(list) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
