// Package server is the agent's WebSocket hub. Content subscribers register
// their tab id, the popup registers as a popup, and every request envelope
// is handed to a Handler whose result is written back with the request id.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/lotas/readeasy/internal/applog"
)

// ErrNoReceiver is returned by Send when no live connection is registered for
// the tab.
var ErrNoReceiver = errors.New("no receiver for tab")

// Handler serves one request. The returned value is flattened into the
// response envelope.
type Handler interface {
	Handle(ctx context.Context, req Request) any
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) any

func (f HandlerFunc) Handle(ctx context.Context, req Request) any { return f(ctx, req) }

type conn struct {
	ws    *websocket.Conn
	ctx   context.Context
	mu    sync.Mutex
	role  string
	tabID int
}

func (c *conn) identity() (string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role, c.tabID
}

// Server tracks every open connection and the tab each one belongs to.
type Server struct {
	addr         string
	handler      Handler
	writeTimeout time.Duration

	mu    sync.Mutex
	conns map[*conn]struct{}
	tabs  map[int]*conn
}

// New creates a hub serving h. An empty addr means the caller manages the
// listener.
func New(addr string, h Handler) *Server {
	return &Server{
		addr:         addr,
		handler:      h,
		writeTimeout: 5 * time.Second,
		conns:        make(map[*conn]struct{}),
		tabs:         make(map[int]*conn),
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Tabs returns the ids of tabs with a live subscriber, in ascending order.
func (s *Server) Tabs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.tabs))
	for id := range s.tabs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Connections returns the number of open connections of any role.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Send pushes msg to the subscriber of tabID.
func (s *Server) Send(ctx context.Context, tabID int, msg any) error {
	s.mu.Lock()
	c := s.tabs[tabID]
	s.mu.Unlock()
	if c == nil {
		return ErrNoReceiver
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.write(ctx, c, data)
}

func (s *Server) write(ctx context.Context, c *conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (s *Server) register(c *conn, role string, tabID int) {
	if role == "" {
		role = RoleTab
	}
	if role != RoleTab {
		tabID = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c.mu.Lock()
	if c.role == RoleTab && s.tabs[c.tabID] == c {
		delete(s.tabs, c.tabID)
	}
	c.role, c.tabID = role, tabID
	c.mu.Unlock()

	if role == RoleTab && tabID != 0 {
		if old := s.tabs[tabID]; old != nil && old != c {
			applog.Info("ws.replaced", "tab", tabID)
			old.ws.CloseNow()
		}
		s.tabs[tabID] = c
	}
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
	role, tabID := c.identity()
	if role == RoleTab && s.tabs[tabID] == c {
		delete(s.tabs, tabID)
	}
}

// Handler returns an http.Handler that accepts WebSocket upgrades.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			log.Printf("websocket accept: %v", err)
			applog.Error("ws.accept", err)
			return
		}
		ws.SetReadLimit(4 << 20) // page text for simplifyText can be large

		c := &conn{ws: ws, ctx: r.Context()}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		applog.Info("ws.connected", "remote", r.RemoteAddr)

		defer func() {
			s.unregister(c)
			ws.CloseNow()
			role, tabID := c.identity()
			applog.Info("ws.disconnected", "role", role, "tab", tabID)
		}()

		for {
			_, data, err := ws.Read(c.ctx)
			if err != nil {
				return
			}
			req, err := ParseRequest(data)
			if err != nil {
				applog.Error("ws.parse", err)
				continue
			}
			applog.Info("ws.recv", "action", req.Action, "id", req.ID)

			if req.Action == ActionHello {
				s.register(c, req.Role, req.TabID)
				if req.ID != "" {
					s.reply(c, req.ID, map[string]bool{"ok": true})
				}
				continue
			}

			req.Role, req.TabID = c.identity()
			go s.serve(c, req)
		}
	})
}

func (s *Server) serve(c *conn, req Request) {
	var result any
	if s.handler != nil {
		result = s.handler.Handle(c.ctx, req)
	} else {
		result = map[string]string{"error": "unknown action"}
	}
	if req.ID == "" {
		return
	}
	s.reply(c, req.ID, result)
}

func (s *Server) reply(c *conn, id string, v any) {
	data, err := EncodeResponse(id, v)
	if err != nil {
		applog.Error("ws.encode", err, "id", id)
		return
	}
	if err := s.write(c.ctx, c, data); err != nil {
		applog.Warn("ws.reply", err, "id", id)
	}
}

// ListenAndServe starts the hub on the configured address and stops when ctx
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/", s.Handler())

	applog.Info("server.start", "addr", s.addr)
	srv := &http.Server{Addr: s.addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
