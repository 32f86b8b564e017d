// Package testing provides a fake Pixcore backend for end-to-end tests:
// a real gorilla/websocket progress endpoint plus the task status route.
package testing

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pixcore/taskstream/progress"
)

// TaskServer is an httptest server speaking the progress protocol.
// Automatically closed via t.Cleanup().
type TaskServer struct {
	*httptest.Server

	t        testing.TB
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     map[*serverConn]struct{}
	clientIDs []string
	controls  []progress.ControlMessage
	tasks     map[string]progress.Event
	reject    int
}

type serverConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]bool
}

func (c *serverConn) write(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(v)
}

func (c *serverConn) subscribed(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[taskID]
}

// NewTaskServer starts a fake backend.
func NewTaskServer(t testing.TB) *TaskServer {
	t.Helper()

	s := &TaskServer{
		t:        t,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(map[*serverConn]struct{}),
		tasks:    make(map[string]progress.Event),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(progress.EndpointPath, s.handleWS)
	mux.HandleFunc("/api/generation/tasks/", s.handleTask)
	s.Server = httptest.NewServer(mux)

	t.Cleanup(func() {
		s.DropConnections()
		s.Server.Close()
	})
	return s
}

// RejectNext makes the next n handshakes fail with 503.
func (s *TaskServer) RejectNext(n int) {
	s.mu.Lock()
	s.reject += n
	s.mu.Unlock()
}

func (s *TaskServer) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.reject > 0 {
		s.reject--
		s.mu.Unlock()
		http.Error(w, "backend starting", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.t.Logf("websocket upgrade failed: %v", err)
		return
	}

	clientID := r.Header.Get(progress.ClientIDHeader)
	conn := &serverConn{ws: ws, subs: make(map[string]bool)}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.clientIDs = append(s.clientIDs, clientID)
	s.mu.Unlock()

	payload, _ := json.Marshal(map[string]string{"client_id": clientID})
	_ = conn.write(progress.Envelope{
		Type:      progress.TypeConnectionEstablished,
		Payload:   payload,
		Timestamp: progress.Timestamp{Time: time.Now()},
	})

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		var msg progress.ControlMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		s.mu.Lock()
		s.controls = append(s.controls, msg)
		s.mu.Unlock()

		switch msg.Type {
		case progress.TypeSubscribe:
			conn.mu.Lock()
			conn.subs[msg.TaskID] = true
			conn.mu.Unlock()
		case progress.TypeUnsubscribe:
			conn.mu.Lock()
			delete(conn.subs, msg.TaskID)
			conn.mu.Unlock()
		case progress.TypePing:
			_ = conn.write(progress.Envelope{Type: progress.TypePong, Timestamp: progress.Timestamp{Time: time.Now()}})
		}
	}
}

func (s *TaskServer) handleTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimPrefix(r.URL.Path, "/api/generation/tasks/")

	s.mu.Lock()
	ev, ok := s.tasks[taskID]
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"Task not found"}`))
		return
	}
	_ = json.NewEncoder(w).Encode(ev)
}

// SetTask stores the state served by the status route.
func (s *TaskServer) SetTask(ev progress.Event) {
	s.mu.Lock()
	s.tasks[ev.TaskID] = ev
	s.mu.Unlock()
}

// Publish sends ev to every connection subscribed to its task and records
// it as the task's current state. It returns the number of recipients.
func (s *TaskServer) Publish(msgType progress.MessageType, ev progress.Event) int {
	s.SetTask(ev)
	return s.send(msgType, ev, false)
}

// Broadcast sends ev to every connection regardless of subscriptions.
func (s *TaskServer) Broadcast(msgType progress.MessageType, ev progress.Event) int {
	return s.send(msgType, ev, true)
}

func (s *TaskServer) send(msgType progress.MessageType, ev progress.Event, all bool) int {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.t.Fatalf("failed to encode event: %v", err)
	}
	env := progress.Envelope{Type: msgType, Payload: payload, Timestamp: progress.Timestamp{Time: time.Now()}}

	sent := 0
	for _, c := range s.snapshot() {
		if !all && !c.subscribed(ev.TaskID) {
			continue
		}
		if err := c.write(env); err == nil {
			sent++
		}
	}
	return sent
}

// SendRaw writes an arbitrary text frame to every connection.
func (s *TaskServer) SendRaw(data []byte) {
	for _, c := range s.snapshot() {
		c.writeMu.Lock()
		_ = c.ws.WriteMessage(websocket.TextMessage, data)
		c.writeMu.Unlock()
	}
}

// DropConnections closes every connection without a close handshake,
// which the client sees as an unexpected closure.
func (s *TaskServer) DropConnections() {
	for _, c := range s.snapshot() {
		_ = c.ws.Close()
	}
}

func (s *TaskServer) snapshot() []*serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Connections returns the number of open connections.
func (s *TaskServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Subscribed reports whether any connection subscribed to taskID.
func (s *TaskServer) Subscribed(taskID string) bool {
	for _, c := range s.snapshot() {
		if c.subscribed(taskID) {
			return true
		}
	}
	return false
}

// Controls returns every control message received, in order.
func (s *TaskServer) Controls() []progress.ControlMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]progress.ControlMessage, len(s.controls))
	copy(out, s.controls)
	return out
}

// ClientIDs returns the client id header of every accepted handshake.
func (s *TaskServer) ClientIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.clientIDs))
	copy(out, s.clientIDs)
	return out
}
