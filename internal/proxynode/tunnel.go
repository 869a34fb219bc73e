package proxynode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/storage"
)

const (
	sendTimeout       = 10 * time.Second // writer congestion cutoff
	headerWaitTimeout = 60 * time.Second
	bodyGapTimeout    = 60 * time.Second
	maxStreamsPerConn = 2048
	bodyChunkSize     = 32 << 10
	maxStreamID       = 0xFFFFFFFE
)

var (
	errConnClosed     = errors.New("tunnel: connection closed")
	errStreamsBusy    = errors.New("tunnel: connection at stream capacity")
	errNoLiveConn     = errors.New("tunnel: node has no live connection")
	errHeaderDeadline = errors.New("tunnel: response headers timed out")
	errBodyStall      = errors.New("tunnel: response body stalled")
)

// requestEnvelope is the REQUEST_HEADERS payload.
type requestEnvelope struct {
	Method  string              `json:"method"`
	URL     string              `json:"url"`
	Headers map[string][]string `json:"headers,omitempty"`
}

// responseEnvelope is the RESPONSE_HEADERS payload.
type responseEnvelope struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers,omitempty"`
}

// heartbeatEnvelope is the HEARTBEAT payload from the node.
type heartbeatEnvelope struct {
	Stats gateway.NodeStats `json:"stats"`
}

// heartbeatAck carries pending config back on the same stream.
type heartbeatAck struct {
	ConfigVersion int             `json:"config_version"`
	RemoteConfig  json.RawMessage `json:"remote_config,omitempty"`
}

// tunnelStream is one in-flight exchange over a Conn.
type tunnelStream struct {
	id      uint32
	headers chan *responseEnvelope
	body    chan []byte // closed on END_STREAM
	errc    chan error
}

// Conn is one multiplexed tunnel connection to a node agent.
type Conn struct {
	nodeID string
	raw    net.Conn
	logger *slog.Logger
	mgr    *Manager

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[uint32]*tunnelStream
	nextID  uint32
	closed  bool
	done    chan struct{}
}

// Load reports in-flight streams, used by the pool's least-loaded pick.
func (c *Conn) Load() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// Alive reports whether the read loop is still running.
func (c *Conn) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close tears the connection down and fails every in-flight stream.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	streams := c.streams
	c.streams = map[uint32]*tunnelStream{}
	c.mu.Unlock()

	for _, s := range streams {
		select {
		case s.errc <- errConnClosed:
		default:
		}
	}
	return c.raw.Close()
}

// openStream allocates the next even stream id, wrapping at the cap and
// skipping ids still in flight.
func (c *Conn) openStream() (*tunnelStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errConnClosed
	}
	if len(c.streams) >= maxStreamsPerConn {
		return nil, errStreamsBusy
	}
	for {
		c.nextID += 2
		if c.nextID > maxStreamID || c.nextID == 0 {
			c.nextID = 2
		}
		if _, busy := c.streams[c.nextID]; !busy {
			break
		}
	}
	s := &tunnelStream{
		id:      c.nextID,
		headers: make(chan *responseEnvelope, 1),
		body:    make(chan []byte, 16),
		errc:    make(chan error, 1),
	}
	c.streams[s.id] = s
	return s, nil
}

func (c *Conn) closeStream(id uint32) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

func (c *Conn) lookupStream(id uint32) *tunnelStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

// send writes one frame under the write lock with the congestion deadline.
func (c *Conn) send(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.raw.SetWriteDeadline(time.Now().Add(sendTimeout))
	err := writeFrame(c.raw, f)
	c.raw.SetWriteDeadline(time.Time{})
	return err
}

// readLoop dispatches inbound frames until the connection dies.
func (c *Conn) readLoop() {
	defer c.Close()
	defer c.mgr.dropConn(c)
	for {
		f, err := readFrame(c.raw)
		if err != nil {
			if !errors.Is(err, io.EOF) && c.Alive() {
				c.logger.Warn("tunnel read failed", "node_id", c.nodeID, "error", err)
			}
			return
		}
		switch f.typ {
		case FrameResponseHeaders:
			if s := c.lookupStream(f.stream); s != nil {
				var env responseEnvelope
				if err := json.Unmarshal(f.payload, &env); err != nil {
					s.errc <- fmt.Errorf("tunnel: bad response headers: %w", err)
					continue
				}
				s.headers <- &env
			}
		case FrameResponseBody:
			if s := c.lookupStream(f.stream); s != nil {
				buf := make([]byte, len(f.payload))
				copy(buf, f.payload)
				select {
				case s.body <- buf:
				case <-c.done:
					return
				}
			}
		case FrameEndStream:
			if s := c.lookupStream(f.stream); s != nil {
				close(s.body)
			}
		case FrameError:
			if s := c.lookupStream(f.stream); s != nil {
				s.errc <- fmt.Errorf("tunnel: node error: %s", f.payload)
			}
		case FrameHeartbeat:
			c.mgr.handleHeartbeat(c, f)
		case FramePing:
			if err := c.send(frame{typ: FramePong, stream: f.stream}); err != nil {
				return
			}
		case FramePong:
			// keepalive reply, nothing to deliver
		default:
			c.logger.Warn("tunnel frame ignored", "node_id", c.nodeID, "type", f.typ.String())
		}
	}
}

// Manager owns tunnel connections and picks conns for outbound requests.
type Manager struct {
	store  storage.NodeStore
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string][]*Conn // node id -> live conns
}

// NewManager returns a tunnel manager.
func NewManager(store storage.NodeStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		logger: logger.With("component", "tunnel"),
		conns:  map[string][]*Conn{},
	}
}

// Adopt takes ownership of a hijacked connection for the node and starts
// its read loop.
func (m *Manager) Adopt(nodeID string, raw net.Conn) *Conn {
	c := &Conn{
		nodeID:  nodeID,
		raw:     raw,
		logger:  m.logger,
		mgr:     m,
		streams: map[uint32]*tunnelStream{},
		done:    make(chan struct{}),
	}
	m.mu.Lock()
	m.conns[nodeID] = append(m.conns[nodeID], c)
	m.mu.Unlock()
	go c.readLoop()
	return c
}

// Connected reports whether the node has at least one live connection. This
// in-process view is authoritative for tunnel liveness.
func (m *Manager) Connected(nodeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.conns[nodeID] {
		if c.Alive() {
			return true
		}
	}
	return false
}

// dropConn removes a dead connection from the pool.
func (m *Manager) dropConn(dead *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool := m.conns[dead.nodeID]
	for i, c := range pool {
		if c == dead {
			m.conns[dead.nodeID] = append(pool[:i], pool[i+1:]...)
			break
		}
	}
	if len(m.conns[dead.nodeID]) == 0 {
		delete(m.conns, dead.nodeID)
	}
}

// pick returns the least-loaded live connection for the node.
func (m *Manager) pick(nodeID string) (*Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *Conn
	bestLoad := -1
	for _, c := range m.conns[nodeID] {
		if !c.Alive() {
			continue
		}
		if load := c.Load(); best == nil || load < bestLoad {
			best, bestLoad = c, load
		}
	}
	if best == nil {
		return nil, errNoLiveConn
	}
	return best, nil
}

// handleHeartbeat records node stats fire-and-forget and ACKs with any
// pending remote config.
func (m *Manager) handleHeartbeat(c *Conn, f frame) {
	var hb heartbeatEnvelope
	if err := json.Unmarshal(f.payload, &hb); err != nil {
		m.logger.Warn("bad heartbeat payload", "node_id", c.nodeID, "error", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.store.UpdateNodeHeartbeat(ctx, c.nodeID, hb.Stats, time.Now().UTC()); err != nil {
			m.logger.Warn("heartbeat persist failed", "node_id", c.nodeID, "error", err)
		}
	}()

	ack := heartbeatAck{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if node, err := m.store.GetNode(ctx, c.nodeID); err == nil {
		ack.ConfigVersion = node.ConfigVersion
		ack.RemoteConfig = node.RemoteConfig
	}
	cancel()
	payload, _ := json.Marshal(ack)
	if err := c.send(frame{typ: FrameHeartbeat, stream: f.stream, payload: payload}); err != nil {
		m.logger.Warn("heartbeat ack failed", "node_id", c.nodeID, "error", err)
	}
}

// RoundTrip proxies one HTTP exchange through the node's tunnel.
func (m *Manager) RoundTrip(ctx context.Context, nodeID string, req *http.Request) (*http.Response, error) {
	c, err := m.pick(nodeID)
	if err != nil {
		return nil, err
	}
	s, err := c.openStream()
	if err != nil {
		return nil, err
	}

	env := requestEnvelope{
		Method:  req.Method,
		URL:     req.URL.String(),
		Headers: req.Header,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		c.closeStream(s.id)
		return nil, err
	}
	if err := c.send(frame{typ: FrameRequestHeaders, stream: s.id, payload: payload}); err != nil {
		c.closeStream(s.id)
		return nil, err
	}

	if req.Body != nil {
		buf := make([]byte, bodyChunkSize)
		for {
			n, rerr := req.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if err := c.send(frame{typ: FrameRequestBody, stream: s.id, payload: chunk}); err != nil {
					c.closeStream(s.id)
					return nil, err
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				c.closeStream(s.id)
				return nil, rerr
			}
		}
		req.Body.Close()
	}
	if err := c.send(frame{typ: FrameEndStream, stream: s.id}); err != nil {
		c.closeStream(s.id)
		return nil, err
	}

	headerTimer := time.NewTimer(headerWaitTimeout)
	defer headerTimer.Stop()
	select {
	case env := <-s.headers:
		return &http.Response{
			StatusCode: env.Status,
			Status:     http.StatusText(env.Status),
			Proto:      "HTTP/1.1",
			ProtoMajor: 1,
			ProtoMinor: 1,
			Header:     http.Header(env.Headers),
			Body:       &streamBody{conn: c, stream: s},
			Request:    req,
		}, nil
	case err := <-s.errc:
		c.closeStream(s.id)
		return nil, err
	case <-headerTimer.C:
		c.closeStream(s.id)
		return nil, errHeaderDeadline
	case <-ctx.Done():
		c.closeStream(s.id)
		return nil, ctx.Err()
	}
}

// streamBody adapts RESPONSE_BODY frames into an io.ReadCloser with the
// inter-chunk stall deadline.
type streamBody struct {
	conn   *Conn
	stream *tunnelStream
	rest   bytes.Reader
	done   bool
}

func (b *streamBody) Read(p []byte) (int, error) {
	if b.rest.Len() > 0 {
		return b.rest.Read(p)
	}
	if b.done {
		return 0, io.EOF
	}
	gap := time.NewTimer(bodyGapTimeout)
	defer gap.Stop()
	select {
	case chunk, ok := <-b.stream.body:
		if !ok {
			b.done = true
			b.conn.closeStream(b.stream.id)
			return 0, io.EOF
		}
		b.rest.Reset(chunk)
		return b.rest.Read(p)
	case err := <-b.stream.errc:
		b.done = true
		b.conn.closeStream(b.stream.id)
		return 0, err
	case <-gap.C:
		b.done = true
		b.conn.closeStream(b.stream.id)
		return 0, errBodyStall
	}
}

func (b *streamBody) Close() error {
	if !b.done {
		b.done = true
		b.conn.closeStream(b.stream.id)
	}
	return nil
}
