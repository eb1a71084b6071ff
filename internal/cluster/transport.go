package cluster

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/finnhauser/quorumdb/internal/errkind"
	"github.com/finnhauser/quorumdb/internal/wire"
)

var transportLog = logger.GetLogger("cluster/transport")

// Backoff parameters for peer reconnect, spec.md §9 Open Questions
// ("base 250ms, factor 2, cap at seconds-scale, +-10% jitter").
const (
	backoffBase   = 250 * time.Millisecond
	backoffFactor = 2
	backoffCap    = 5 * time.Second
)

// backoffFor computes the reconnect delay after the given number of
// consecutive failures, grounded on rpc/transport/base/client.go's retry
// loop (doubling backoffMs, +-10% jitter via math/rand — that file's own
// idiom, not a third-party rand library).
func backoffFor(failures uint64) time.Duration {
	ms := float64(backoffBase.Milliseconds())
	for i := uint64(0); i < failures && ms < float64(backoffCap.Milliseconds()); i++ {
		ms *= backoffFactor
	}
	if ms > float64(backoffCap.Milliseconds()) {
		ms = float64(backoffCap.Milliseconds())
	}
	jitter := ms * (0.9 + 0.2*rand.Float64())
	return time.Duration(jitter) * time.Millisecond
}

// conn is one peer's live socket plus the buffer state needed to frame
// messages on it. The Peer type itself deliberately holds none of this
// (see peer.go's doc comment) — connections live here, keyed by peer name,
// per spec.md §9's ownership redesign.
type conn struct {
	mu     sync.Mutex
	nc     net.Conn
	readBuf []byte
}

// Transport owns every peer socket and the accept loop for inbound peer
// connections. Grounded on rpc/transport/base/client.go's clientTransport
// (connection table + reconnect) generalized from a client/server RPC
// shape to a symmetric fixed-peer-set replication link, and
// rpc/transport/tcp for the net.Listener accept-loop shape.
type Transport struct {
	self string

	mu    sync.RWMutex
	conns map[string]*conn

	dispatch func(from string, m *wire.Message)

	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewTransport creates a Transport bound to no listener yet; call Listen to
// accept inbound peer connections.
func NewTransport(self string, dispatch func(from string, m *wire.Message)) *Transport {
	return &Transport{
		self:     self,
		conns:    make(map[string]*conn),
		dispatch: dispatch,
		stopCh:   make(chan struct{}),
	}
}

// Listen starts accepting inbound peer connections on addr. The first
// message on each accepted connection must be LOGIN identifying the peer
// (spec.md §6); the connection is then registered under that peer's name.
func (t *Transport) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errkind.Wrap(errkind.TransientIO, err, "listen on %s", addr)
	}
	t.listener = ln
	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		nc, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				transportLog.Warningf("accept failed: %v", err)
				continue
			}
		}
		go t.serveInbound(nc)
	}
}

// serveInbound waits for the peer's LOGIN before it can be attributed to a
// name, then hands the connection to readLoop under that name.
func (t *Transport) serveInbound(nc net.Conn) {
	m, _, err := wire.ReadMessage(nc, nil)
	if err != nil || m.Method != wire.Login {
		transportLog.Warningf("rejecting inbound connection from %s: bad login (%v)", nc.RemoteAddr(), err)
		nc.Close()
		return
	}
	peerName := m.Get(wire.HeaderName)
	if peerName == "" {
		nc.Close()
		return
	}
	c := &conn{nc: nc}
	t.mu.Lock()
	if old, ok := t.conns[peerName]; ok {
		old.nc.Close()
	}
	t.conns[peerName] = c
	t.mu.Unlock()

	t.dispatch(peerName, m)
	t.readLoop(peerName, c)
}

// Connect dials addr and performs the LOGIN handshake as this node,
// registering the resulting connection under peerName.
func (t *Transport) Connect(peerName, addr string, login *wire.Message) error {
	nc, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return errkind.Wrap(errkind.TransientIO, err, "dial %s", addr)
	}
	if err := wire.WriteMessage(nc, login); err != nil {
		nc.Close()
		return errkind.Wrap(errkind.TransientIO, err, "send LOGIN to %s", peerName)
	}
	c := &conn{nc: nc}
	t.mu.Lock()
	if old, ok := t.conns[peerName]; ok {
		old.nc.Close()
	}
	t.conns[peerName] = c
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readLoop(peerName, c)
	}()
	return nil
}

func (t *Transport) readLoop(peerName string, c *conn) {
	for {
		m, buf, err := wire.ReadMessage(c.nc, c.readBuf)
		c.readBuf = buf
		if err != nil {
			t.disconnect(peerName, c)
			return
		}
		t.dispatch(peerName, m)
	}
}

// Send writes m to peerName's connection under that connection's own
// mutex, giving per-peer FIFO ordering (spec.md §5 "FIFO per peer
// connection"). It is a no-op (with a log line) if the peer is not
// currently connected, matching spec.md §4.1's sendMessage semantics.
func (t *Transport) Send(peerName string, m *wire.Message) error {
	t.mu.RLock()
	c, ok := t.conns[peerName]
	t.mu.RUnlock()
	if !ok {
		transportLog.Debugf("dropping %s to disconnected peer %s", m.Method, peerName)
		return errkind.New(errkind.TransientIO, "peer %s not connected", peerName)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wire.WriteMessage(c.nc, m); err != nil {
		go t.disconnect(peerName, c)
		return errkind.Wrap(errkind.TransientIO, err, "send %s to %s", m.Method, peerName)
	}
	return nil
}

// Broadcast sends m to every currently-connected peer, per spec.md §4.1
// "broadcast". Send failures are logged, not returned, since a broadcast
// has no single caller waiting on a specific peer's delivery.
func (t *Transport) Broadcast(m *wire.Message) {
	t.mu.RLock()
	names := make([]string, 0, len(t.conns))
	for name := range t.conns {
		names = append(names, name)
	}
	t.mu.RUnlock()
	for _, name := range names {
		if err := t.Send(name, m); err != nil {
			transportLog.Debugf("broadcast %s to %s failed: %v", m.Method, name, err)
		}
	}
}

// IsConnected reports whether peerName currently has a live connection.
func (t *Transport) IsConnected(peerName string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.conns[peerName]
	return ok
}

func (t *Transport) disconnect(peerName string, c *conn) {
	c.nc.Close()
	t.mu.Lock()
	if cur, ok := t.conns[peerName]; ok && cur == c {
		delete(t.conns, peerName)
	}
	t.mu.Unlock()
}

// Disconnect forcibly closes and removes peerName's connection, if any.
func (t *Transport) Disconnect(peerName string) {
	t.mu.Lock()
	c, ok := t.conns[peerName]
	if ok {
		delete(t.conns, peerName)
	}
	t.mu.Unlock()
	if ok {
		c.nc.Close()
	}
}

// Close stops accepting new connections and closes every live peer
// connection.
func (t *Transport) Close() error {
	close(t.stopCh)
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.Lock()
	for name, c := range t.conns {
		c.nc.Close()
		delete(t.conns, name)
	}
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}
