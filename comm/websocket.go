package comm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Frame kinds; the first byte of every binary frame
const (
	frameData  byte = 0
	frameAbort byte = 1
)

// RankPath is the coordinator endpoint peers dial, suffixed with the rank
const RankPath = "/v1/ranks/"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1 << 20,
	WriteBufferSize: 1 << 20,
}

// peer is one websocket link with its inbound queue
type peer struct {
	conn  *websocket.Conn
	wmu   sync.Mutex
	inbox chan []byte
}

func (p *peer) write(kind byte, payload []byte) error {
	frame := make([]byte, 1+len(payload))
	frame[0] = kind
	copy(frame[1:], payload)
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// WSTransport connects ranks in separate processes in a star around the
// coordinator. Non-root ranks can only exchange messages with rank 0.
type WSTransport struct {
	rank, size int
	logger     *slog.Logger

	mu    sync.Mutex
	peers []*peer // indexed by rank; nil for self and unreachable ranks

	abortOnce sync.Once
	aborted   chan struct{}
	reason    error

	server *http.Server
}

func newWSTransport(rank, size int, logger *slog.Logger) *WSTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSTransport{
		rank:    rank,
		size:    size,
		peers:   make([]*peer, size),
		logger:  logger,
		aborted: make(chan struct{}),
	}
}

func (t *WSTransport) Rank() int { return t.rank }
func (t *WSTransport) Size() int { return t.size }

func (t *WSTransport) abortErr() error {
	return fmt.Errorf("%w: %v", ErrAborted, t.reason)
}

// linked returns a copy of the peer table
func (t *WSTransport) linked() []*peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*peer(nil), t.peers...)
}

// attach records the link to rank r and reports false if r already has
// one. A link attached after an abort is told about it at once.
func (t *WSTransport) attach(r int, p *peer) bool {
	t.mu.Lock()
	if t.peers[r] != nil {
		t.mu.Unlock()
		return false
	}
	t.peers[r] = p
	t.mu.Unlock()

	select {
	case <-t.aborted:
		if err := p.write(frameAbort, []byte(t.reason.Error())); err != nil {
			t.logger.Warn("abort notification failed", "peer", r, "error", err)
		}
	default:
	}
	return true
}

func (t *WSTransport) route(r int) (*peer, error) {
	if r < 0 || r >= t.size {
		return nil, fmt.Errorf("rank %d: %w", r, ErrRankOutOfRange)
	}
	t.mu.Lock()
	p := t.peers[r]
	t.mu.Unlock()
	if p == nil {
		return nil, fmt.Errorf("rank %d to %d: %w", t.rank, r, ErrNoRoute)
	}
	return p, nil
}

func (t *WSTransport) Send(ctx context.Context, dst int, payload []byte) error {
	p, err := t.route(dst)
	if err != nil {
		return err
	}
	select {
	case <-t.aborted:
		return t.abortErr()
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := p.write(frameData, payload); err != nil {
		return fmt.Errorf("send to %d: %w", dst, err)
	}
	return nil
}

func (t *WSTransport) Recv(ctx context.Context, src int) ([]byte, error) {
	p, err := t.route(src)
	if err != nil {
		return nil, err
	}
	select {
	case buf, ok := <-p.inbox:
		if !ok {
			select {
			case <-t.aborted:
				return nil, t.abortErr()
			default:
			}
			return nil, fmt.Errorf("recv from %d: connection closed", src)
		}
		return buf, nil
	case <-t.aborted:
		return nil, t.abortErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Abort notifies every reachable peer; the coordinator forwards an abort
// received from one peer to all others.
func (t *WSTransport) Abort(reason error) {
	t.abortLocal(reason, true)
}

func (t *WSTransport) abortLocal(reason error, notify bool) {
	t.abortOnce.Do(func() {
		t.reason = reason
		close(t.aborted)
		if !notify {
			return
		}
		msg := []byte(reason.Error())
		for r, p := range t.linked() {
			if p == nil {
				continue
			}
			if err := p.write(frameAbort, msg); err != nil {
				t.logger.Warn("abort notification failed", "peer", r, "error", err)
			}
		}
	})
}

// readLoop pumps frames from one peer into its inbox
func (t *WSTransport) readLoop(src int, p *peer) {
	defer close(p.inbox)
	for {
		kind, frame, err := p.conn.ReadMessage()
		if err != nil {
			t.logger.Debug("rank link closed", "peer", src, "error", err)
			return
		}
		if kind != websocket.BinaryMessage || len(frame) == 0 {
			continue
		}
		switch frame[0] {
		case frameData:
			select {
			case p.inbox <- frame[1:]:
			case <-t.aborted:
				return
			}
		case frameAbort:
			reason := fmt.Errorf("rank %d: %s", src, frame[1:])
			// the coordinator relays so that every rank unblocks
			t.abortLocal(reason, t.rank == Root)
			return
		}
	}
}

func (t *WSTransport) Close() error {
	var errs []error
	for _, p := range t.linked() {
		if p == nil {
			continue
		}
		p.wmu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		p.wmu.Unlock()
		if err := p.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Hub is the coordinator's listener that waits for every peer rank
type Hub struct {
	t        *WSTransport
	listener net.Listener

	mu      sync.Mutex // serializes rank registration
	pending int
	ready   chan struct{}
	errc    chan error
}

// Listen binds the coordinator endpoint for a world of size ranks
func Listen(addr string, size int, logger *slog.Logger) (*Hub, error) {
	if size < 1 {
		return nil, fmt.Errorf("world size %d: %w", size, ErrRankOutOfRange)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	h := &Hub{
		t:        newWSTransport(Root, size, logger),
		listener: ln,
		pending:  size - 1,
		ready:    make(chan struct{}),
		errc:     make(chan error, 1),
	}
	if h.pending == 0 {
		close(h.ready)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET(RankPath+":rank", h.handleRank)

	h.t.server = &http.Server{Handler: router}
	go func() {
		if err := h.t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case h.errc <- err:
			default:
			}
		}
	}()
	return h, nil
}

// Addr is the bound listen address
func (h *Hub) Addr() string { return h.listener.Addr().String() }

func (h *Hub) handleRank(c *gin.Context) {
	rank, err := strconv.Atoi(c.Param("rank"))
	if err != nil || rank <= Root || rank >= h.t.size {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid rank %q", c.Param("rank"))})
		return
	}
	if size := c.Query("size"); size != strconv.Itoa(h.t.size) {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("world size %s, coordinator has %d", size, h.t.size)})
		return
	}

	h.mu.Lock()
	if h.t.linked()[rank] != nil {
		h.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("rank %d already connected", rank)})
		return
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.mu.Unlock()
		h.t.logger.Error("failed to upgrade rank link", "peer", rank, "error", err)
		return
	}
	p := &peer{conn: ws, inbox: make(chan []byte, linkDepth)}
	h.t.attach(rank, p)
	h.pending--
	if h.pending == 0 {
		close(h.ready)
	}
	h.mu.Unlock()

	h.t.logger.Info("rank connected", "peer", rank, "remote", c.Request.RemoteAddr)
	go h.t.readLoop(rank, p)
}

// Wait blocks until every peer rank has connected
func (h *Hub) Wait(ctx context.Context) (*WSTransport, error) {
	select {
	case <-h.ready:
		return h.t, nil
	case err := <-h.errc:
		return nil, fmt.Errorf("coordinator endpoint: %w", err)
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for ranks: %w", ctx.Err())
	}
}

// Dial connects rank to the coordinator at url (ws://host:port), retrying
// until the coordinator is up or ctx ends.
func Dial(ctx context.Context, url string, rank, size int, logger *slog.Logger) (*WSTransport, error) {
	if rank <= Root || rank >= size {
		return nil, fmt.Errorf("dial as rank %d of %d: %w", rank, size, ErrRankOutOfRange)
	}
	t := newWSTransport(rank, size, logger)
	endpoint := fmt.Sprintf("%s%s%d?size=%d", url, RankPath, rank, size)

	backoff := 50 * time.Millisecond
	for {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
		if err == nil {
			p := &peer{conn: conn, inbox: make(chan []byte, linkDepth)}
			t.attach(Root, p)
			go t.readLoop(Root, p)
			t.logger.Info("connected to coordinator", "rank", rank, "url", url)
			return t, nil
		}
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fmt.Errorf("coordinator refused rank %d: %s", rank, resp.Status)
		}
		t.logger.Debug("coordinator not reachable yet", "rank", rank, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial coordinator: %w", ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
}
