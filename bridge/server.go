package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/olserra/meshclaw/core"
)

// Per-connection request limits.
const (
	requestRate  = 50
	requestBurst = 200
)

const writeTimeout = 10 * time.Second

// Memory is the document view the bridge reads and writes.
type Memory interface {
	GetText(key string) (string, bool)
	InsertText(key, value string)
	ApplyUpdate(update []byte) error
	Keys() []string
}

// PeerLister reports the peers discovered so far.
type PeerLister interface {
	IDs() []string
}

// Request is a gateway call. ID is echoed back verbatim.
type Request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result"`
}

// Health is the body of GET /healthz.
type Health struct {
	PeerID string `json:"peer_id"`
	Peers  int    `json:"peers"`
	Keys   int    `json:"keys"`
}

// Config holds the collaborators of a Server.
type Config struct {
	Self    string
	Hub     *Hub
	Memory  Memory
	Peers   PeerLister
	Inbound chan<- *core.ProtocolMessage
}

// Server accepts gateway websocket connections.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	limiter  *limiter.TokenBucket
	http     *http.Server

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	conns     map[*websocket.Conn]struct{}
}

// NewServer creates a Server. Nothing listens until Serve.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Hub == nil {
		cfg.Hub = NewHub()
	}
	tb, err := limiter.NewTokenBucket(
		limiter.Config{Rate: requestRate, Duration: time.Second, Burst: requestBurst},
		store.NewMemoryStore(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("bridge: rate limiter: %w", err)
	}
	s := &Server{
		cfg: cfg,
		// Only loopback clients reach the listener, so any origin is accepted.
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		limiter:  tb,
		done:     make(chan struct{}),
		conns:    make(map[*websocket.Conn]struct{}),
	}
	s.http = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

// Hub returns the push hub.
func (s *Server) Hub() *Hub { return s.cfg.Hub }

// Handler serves the websocket endpoint on / and health on /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/", s.handleWebSocket)
	return mux
}

// Serve accepts connections on ln until Close.
func (s *Server) Serve(ln net.Listener) error {
	log.Infof("websocket bridge listening on ws://%s", ln.Addr())
	err := s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close stops the listener and drops every open connection.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.http.Shutdown(ctx)

		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	})
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{PeerID: s.cfg.Self, Keys: len(s.cfg.Memory.Keys())}
	if s.cfg.Peers != nil {
		h.Peers = len(s.cfg.Peers.IDs())
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("websocket upgrade: %v", err)
		return
	}
	s.track(conn, true)
	defer s.track(conn, false)
	defer conn.Close()

	log.Infof("gateway connected from %s", r.RemoteAddr)
	c := s.cfg.Hub.join()
	defer s.cfg.Hub.leave(c)

	quit := make(chan struct{})
	writerDone := make(chan struct{})
	go s.writeLoop(conn, c, quit, writerDone)
	defer close(quit)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("websocket read: %v", err)
			}
			return
		}
		if !s.limiter.Allow(r.RemoteAddr) {
			log.Debugf("rate limit exceeded for %s", r.RemoteAddr)
			continue
		}

		reply := s.handle(data)
		if reply == nil {
			continue
		}
		select {
		case c.send <- reply:
		case <-writerDone:
			return
		}
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, c *client, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case data := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debugf("websocket write: %v", err)
				conn.Close()
				return
			}
		case <-quit:
			return
		}
	}
}

// handle processes one text frame and returns the encoded reply, or nil
// when none is due.
func (s *Server) handle(data []byte) []byte {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Debugf("ignoring non-JSON frame: %v", err)
		return nil
	}

	switch req.Method {
	case "query":
		var params struct {
			Key string `json:"key"`
		}
		_ = json.Unmarshal(req.Params, &params)
		text, ok := s.cfg.Memory.GetText(params.Key)
		if !ok {
			text = "null"
		}
		return s.reply(req.ID, text)

	case "peers":
		ids := []string{}
		if s.cfg.Peers != nil {
			ids = append(ids, s.cfg.Peers.IDs()...)
		}
		return s.reply(req.ID, ids)

	case "keys", "mesh:keys":
		return s.reply(req.ID, s.cfg.Memory.Keys())

	case "broadcast":
		if msg, err := core.DecodeMessage(req.Params); err == nil {
			s.forward(msg)
		} else {
			log.Debugf("broadcast params: %v", err)
		}
		if hasID(req.ID) {
			return s.reply(req.ID, "ok")
		}
		return nil
	}

	msg, err := core.DecodeMessage(data)
	if err != nil {
		return nil
	}
	switch msg.Type {
	case core.TypeKnowledgeUpdate:
		s.cfg.Memory.InsertText(msg.KnowledgeUpdate.Key, msg.KnowledgeUpdate.Value)
	case core.TypeMemorySync:
		if err := s.cfg.Memory.ApplyUpdate(msg.MemorySync.Delta); err != nil {
			log.Warnf("gateway memory update: %v", err)
		}
	}
	s.forward(msg)
	return nil
}

func (s *Server) forward(msg *core.ProtocolMessage) {
	select {
	case s.cfg.Inbound <- msg:
	case <-s.done:
	}
}

func (s *Server) reply(id json.RawMessage, result any) []byte {
	if !hasID(id) {
		id = json.RawMessage("null")
	}
	data, err := json.Marshal(Response{ID: id, Result: result})
	if err != nil {
		log.Warnf("reply encode: %v", err)
		return nil
	}
	return data
}

func (s *Server) track(conn *websocket.Conn, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func hasID(id json.RawMessage) bool {
	return len(id) > 0 && string(id) != "null"
}
