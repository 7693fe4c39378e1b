package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bep/debounce"
	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
)

const (
	defaultInitializeTimeout = 10 * time.Second
	defaultPingInterval      = 30 * time.Second
	defaultMaxRetry          = 16
	defaultNamespace         = "default"

	// statusUpdateInterval spaces routine status updates; job-count
	// changes go out immediately instead.
	statusUpdateInterval = 2 * time.Second

	writeTimeout           = 10 * time.Second
	disconnectFlushTimeout = 2 * time.Second
	replacementPoll        = 20 * time.Millisecond
)

var (
	// ErrRegistrationRejected means the registry answered the register
	// handshake with success=false. Retrying will not help.
	ErrRegistrationRejected = errors.New("registry rejected registration")

	// ErrMaxRetries means the reconnect loop gave up.
	ErrMaxRetries = errors.New("registry unreachable")
)

// Handler receives inbound registry messages. Calls arrive on the read
// goroutine, so implementations must not block; replies go through the
// client's send methods, never directly to the socket.
type Handler interface {
	OnAvailabilityRequest(req *AvailabilityRequest)
	OnJobAssignment(job *JobAssignment)
	OnJobTermination(term *JobTermination)
}

// Options configures a registry client.
type Options struct {
	// URL is the full ws:// or wss:// registry endpoint.
	URL   string
	Token string

	AgentName     string
	Namespace     string
	Version       string
	Capabilities  []string
	LoadThreshold float64
	MaxProcesses  int

	// InitializeTimeout bounds the dial plus register handshake.
	InitializeTimeout time.Duration
	PingInterval      time.Duration

	// MaxRetry caps consecutive reconnect attempts before the client
	// gives up and reports a fatal error.
	MaxRetry int

	Logger *slog.Logger
}

type statusSnapshot struct {
	status   WorkerStatus
	load     float64
	jobCount int
}

// Client is the worker side of the registry protocol. All socket writes
// funnel through one writer goroutine draining a FIFO queue; the read
// goroutine dispatches inbound messages to the Handler and drives
// reconnection when the transport drops.
type Client struct {
	opts    Options
	log     *slog.Logger
	handler Handler
	queue   *sendQueue
	backoff func(attempt int) time.Duration

	mu        sync.RWMutex
	started   bool
	conn      *websocket.Conn
	connReady chan struct{}
	workerID  string
	fatalErr  error

	statusMu  sync.Mutex
	status    statusSnapshot
	debounced func(func())

	lastPong atomic.Int64

	runCtx    context.Context
	runCancel context.CancelFunc
	shutdown  core.Fuse
	done      chan struct{}
	wg        sync.WaitGroup
}

// New validates opts and builds a client. Connect starts the link.
func New(opts Options, handler Handler) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("registry URL is required")
	}
	if opts.Token == "" {
		return nil, errors.New("registry token is required")
	}
	if opts.AgentName == "" {
		return nil, errors.New("agent name is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if opts.Namespace == "" {
		opts.Namespace = defaultNamespace
	}
	if opts.InitializeTimeout <= 0 {
		opts.InitializeTimeout = defaultInitializeTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = defaultMaxRetry
	}
	if opts.Capabilities == nil {
		opts.Capabilities = []string{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	return &Client{
		opts:      opts,
		log:       opts.Logger.With(slog.String("agent", opts.AgentName)),
		handler:   handler,
		queue:     newSendQueue(),
		backoff:   backoffDelay,
		connReady: make(chan struct{}),
		debounced: debounce.New(statusUpdateInterval),
		runCtx:    runCtx,
		runCancel: runCancel,
		done:      make(chan struct{}),
	}, nil
}

// Connect dials the registry and performs the register handshake. On
// success it starts the read, write, and ping loops; afterwards the
// client reconnects on its own until Disconnect or a fatal error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("registry client already started")
	}
	c.started = true
	c.mu.Unlock()

	c.log.Info("connecting to registry", slog.String("url", c.opts.URL))
	conn, err := c.dialAndRegister(ctx)
	if err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return err
	}
	c.installConn(conn)
	c.log.Info("registered with registry", slog.String("worker_id", c.WorkerID()))

	c.wg.Add(3)
	go c.run(conn)
	go c.writeLoop()
	go c.pingLoop()
	return nil
}

// Disconnect flushes a best-effort offline status update, closes the
// connection, and stops all loops. It must not be called from a Handler
// callback. Safe to call more than once.
func (c *Client) Disconnect() error {
	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()

	if started && !c.shutdown.IsBroken() {
		c.UpdateStatusImmediate(StatusOffline, 0, 0)
		c.queue.close()
		select {
		case <-c.queue.drainedCh():
		case <-time.After(disconnectFlushTimeout):
		}
	}
	c.stop(nil)
	c.wg.Wait()
	return nil
}

// Done closes once the client has stopped, either through Disconnect or
// a fatal error. Err reports which.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the fatal error that stopped the client, or nil after a
// clean Disconnect.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fatalErr
}

// WorkerID returns the identity assigned by the registry, empty before
// the first successful registration.
func (c *Client) WorkerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workerID
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// LastPong returns when the registry last answered a ping, or the zero
// time if it never has.
func (c *Client) LastPong() time.Time {
	ms := c.lastPong.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// UpdateStatus records the latest worker status and schedules a
// debounced status update so bursts collapse into one message.
func (c *Client) UpdateStatus(status WorkerStatus, load float64, jobCount int) {
	c.setStatus(status, load, jobCount)
	c.debounced(c.flushStatus)
}

// UpdateStatusImmediate sends a status update right away, bypassing the
// debounce. Used when the job count changes so the registry's view of
// capacity never lags.
func (c *Client) UpdateStatusImmediate(status WorkerStatus, load float64, jobCount int) {
	c.setStatus(status, load, jobCount)
	c.flushStatus()
}

// RespondAvailability answers an availability request.
func (c *Client) RespondAvailability(jobID string, available bool, token, errMsg string) {
	c.enqueue(MessageAvailabilityResponse, &AvailabilityResponse{
		Type:      MessageAvailabilityResponse,
		JobID:     jobID,
		Available: available,
		Token:     token,
		Error:     errMsg,
	})
}

// SendJobUpdate reports a job lifecycle transition.
func (c *Client) SendJobUpdate(jobID string, status JobStatus, errMsg string) {
	c.enqueue(MessageJobUpdate, &JobUpdate{
		Type:   MessageJobUpdate,
		JobID:  jobID,
		Status: status,
		Error:  errMsg,
	})
}

func (c *Client) setStatus(status WorkerStatus, load float64, jobCount int) {
	c.statusMu.Lock()
	c.status = statusSnapshot{status: status, load: load, jobCount: jobCount}
	c.statusMu.Unlock()
}

// flushStatus enqueues a status update built from the latest snapshot,
// so a delayed debounce callback still reports current state.
func (c *Client) flushStatus() {
	c.statusMu.Lock()
	snap := c.status
	c.statusMu.Unlock()
	c.enqueue(MessageStatusUpdate, &StatusUpdate{
		Type:      MessageStatusUpdate,
		WorkerID:  c.WorkerID(),
		AgentName: c.opts.AgentName,
		Status:    snap.status,
		Load:      snap.load,
		JobCount:  snap.jobCount,
	})
}

func (c *Client) enqueue(kind MessageType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("marshal registry message",
			slog.String("type", string(kind)),
			slog.String("error", err.Error()))
		return
	}
	if !c.queue.push(outbound{kind: kind, data: data}) {
		c.log.Debug("registry queue closed, dropping message",
			slog.String("type", string(kind)))
	}
}

func (c *Client) dialAndRegister(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.InitializeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial registry: %w", err)
	}
	if err := c.register(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// register runs the handshake on a fresh connection: send the register
// request, then wait for the ack within the initialize timeout.
func (c *Client) register(conn *websocket.Conn) error {
	req := &RegisterRequest{
		Type:          MessageRegister,
		WorkerID:      storedWorkerID(c.opts.AgentName),
		AgentName:     c.opts.AgentName,
		Namespace:     c.opts.Namespace,
		Version:       c.opts.Version,
		Capabilities:  c.opts.Capabilities,
		LoadThreshold: c.opts.LoadThreshold,
		MaxProcesses:  c.opts.MaxProcesses,
		Token:         c.opts.Token,
	}

	conn.SetWriteDeadline(time.Now().Add(c.opts.InitializeTimeout))
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send register: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})

	conn.SetReadDeadline(time.Now().Add(c.opts.InitializeTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await register ack: %w", err)
		}
		typ, err := messageType(data)
		if err != nil {
			c.log.Warn("dropping malformed message during handshake",
				slog.String("error", err.Error()))
			continue
		}
		if typ != MessageRegister {
			c.log.Debug("skipping message before register ack",
				slog.String("type", string(typ)))
			continue
		}

		var ack RegisterAck
		if err := json.Unmarshal(data, &ack); err != nil {
			return fmt.Errorf("decode register ack: %w", err)
		}
		if !ack.Success {
			if ack.Message != "" {
				return fmt.Errorf("%w: %s", ErrRegistrationRejected, ack.Message)
			}
			return ErrRegistrationRejected
		}

		workerID := ack.WorkerID
		if workerID == "" {
			workerID = fallbackWorkerID()
		}
		rememberWorkerID(c.opts.AgentName, workerID)
		c.mu.Lock()
		c.workerID = workerID
		c.mu.Unlock()

		conn.SetReadDeadline(time.Time{})
		return nil
	}
}

// run reads the connection until it drops, then reconnects with capped
// exponential backoff. The attempt counter resets after each successful
// registration.
func (c *Client) run(conn *websocket.Conn) {
	defer c.wg.Done()

	attempt := 0
	for {
		err := c.readLoop(conn)
		if c.shutdown.IsBroken() {
			return
		}
		c.log.Warn("registry connection lost", slog.String("error", err.Error()))
		c.clearConn(conn)
		conn.Close()

		for {
			attempt++
			if attempt > c.opts.MaxRetry {
				c.fail(fmt.Errorf("%w: gave up after %d attempts", ErrMaxRetries, c.opts.MaxRetry))
				return
			}
			delay := c.backoff(attempt)
			c.log.Info("reconnecting to registry",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-c.shutdown.Watch():
				return
			}

			next, err := c.dialAndRegister(c.runCtx)
			if err != nil {
				if errors.Is(err, ErrRegistrationRejected) {
					c.fail(err)
					return
				}
				c.log.Warn("registry reconnect failed",
					slog.Int("attempt", attempt),
					slog.String("error", err.Error()))
				continue
			}

			conn = next
			c.installConn(next)
			attempt = 0
			c.log.Info("registry reconnected", slog.String("worker_id", c.WorkerID()))
			break
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	typ, err := messageType(data)
	if err != nil {
		c.log.Warn("dropping malformed registry message", slog.String("error", err.Error()))
		return
	}

	switch typ {
	case MessageAvailabilityRequest:
		var req AvailabilityRequest
		if !c.decode(data, typ, &req) {
			return
		}
		c.handler.OnAvailabilityRequest(&req)

	case MessageJobAssignment:
		var job JobAssignment
		if !c.decode(data, typ, &job) {
			return
		}
		c.handler.OnJobAssignment(&job)

	case MessageJobTermination:
		var term JobTermination
		if !c.decode(data, typ, &term) {
			return
		}
		c.handler.OnJobTermination(&term)

	case MessagePong:
		var pong Pong
		if !c.decode(data, typ, &pong) {
			return
		}
		now := time.Now()
		c.lastPong.Store(now.UnixMilli())
		if pong.Timestamp > 0 {
			rtt := time.Duration(now.UnixMilli()-pong.Timestamp) * time.Millisecond
			c.log.Debug("registry pong", slog.Duration("rtt", rtt))
		}

	case MessageRegister:
		c.log.Debug("ignoring register ack outside handshake")

	default:
		c.log.Warn("unknown registry message type", slog.String("type", string(typ)))
	}
}

func (c *Client) decode(data []byte, typ MessageType, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		c.log.Warn("dropping malformed registry message",
			slog.String("type", string(typ)),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

// writeLoop is the only goroutine that writes to the socket after the
// handshake. It drains the queue in order, holding frames across
// reconnects rather than dropping them.
func (c *Client) writeLoop() {
	defer c.wg.Done()

	for {
		msg, ok := c.queue.pop()
		if !ok {
			if c.queue.isClosing() {
				return
			}
			select {
			case <-c.queue.wakeCh():
				continue
			case <-c.shutdown.Watch():
				return
			}
		}

		conn, ready := c.connState()
		if conn == nil {
			c.queue.pushFront(msg)
			select {
			case <-ready:
				continue
			case <-c.shutdown.Watch():
				return
			}
		}

		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
			if c.shutdown.IsBroken() {
				return
			}
			c.log.Warn("registry write failed",
				slog.String("type", string(msg.kind)),
				slog.String("error", err.Error()))
			c.queue.pushFront(msg)
			conn.Close()
			c.awaitReplacement(conn)
		}
	}
}

// awaitReplacement blocks until the failed connection has been cleared
// or replaced, so the writer does not hammer a dead socket.
func (c *Client) awaitReplacement(failed *websocket.Conn) {
	for {
		conn, ready := c.connState()
		if conn == nil {
			select {
			case <-ready:
			case <-c.shutdown.Watch():
			}
			return
		}
		if conn != failed {
			return
		}
		select {
		case <-time.After(replacementPoll):
		case <-c.shutdown.Watch():
			return
		}
	}
}

func (c *Client) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.enqueue(MessagePing, &Ping{Type: MessagePing, Timestamp: time.Now().UnixMilli()})
		case <-c.shutdown.Watch():
			return
		}
	}
}

func (c *Client) connState() (*websocket.Conn, <-chan struct{}) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn, c.connReady
}

func (c *Client) installConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	close(c.connReady)
	c.mu.Unlock()
}

// clearConn detaches a dead connection and renews the ready channel the
// writer waits on. No-op if a newer connection is already installed.
func (c *Client) clearConn(old *websocket.Conn) {
	c.mu.Lock()
	if c.conn == old {
		c.conn = nil
		c.connReady = make(chan struct{})
	}
	c.mu.Unlock()
}

func (c *Client) fail(err error) {
	c.log.Error("registry link failed", slog.String("error", err.Error()))
	c.stop(err)
}

func (c *Client) stop(fatal error) {
	c.shutdown.Once(func() {
		c.runCancel()
		c.mu.Lock()
		c.fatalErr = fatal
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		c.queue.close()
		close(c.done)
	})
}

// backoffDelay returns min(2^(attempt-1), 30) seconds.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(math.Min(math.Pow(2, float64(attempt-1)), 30)) * time.Second
}
