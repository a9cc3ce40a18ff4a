package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"doctranslate/internal/events"
)

const (
	wsWriteWait        = 10 * time.Second
	wsPongWait         = 60 * time.Second
	wsPingPeriod       = wsPongWait * 9 / 10
	wsMaxMessageSize   = 4096
	wsHandshakeTimeout = 10 * time.Second
	wsOutboundBuffer   = 32
)

// WebSocket message types.
const (
	msgSubscribe   = "subscribe-job"
	msgUnsubscribe = "unsubscribe-job"
	msgProgress    = "job-progress"
	msgError       = "error"
)

type wsRequest struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

type wsEvent struct {
	Type  string        `json:"type"`
	JobID string        `json:"job_id,omitempty"`
	Data  *progressView `json:"data,omitempty"`
	Error *apiError     `json:"error,omitempty"`
}

func newUpgrader(allowed []string) websocket.Upgrader {
	origins := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		origins[o] = struct{}{}
	}
	return websocket.Upgrader{
		HandshakeTimeout: wsHandshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(origins) == 0 {
				return true
			}
			_, ok := origins[origin]
			return ok
		},
	}
}

// Events upgrades to a WebSocket. Clients send subscribe-job and
// unsubscribe-job messages; the server answers every subscription with the
// current snapshot and then pushes job-progress snapshots as the job moves.
func (a *App) Events(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		a.Logger.Debug().Err(err).Msg("ws: upgrade failed")
		return
	}
	s := &wsSession{
		app:  a,
		conn: conn,
		out:  make(chan wsEvent, wsOutboundBuffer),
		quit: make(chan struct{}),
		subs: make(map[string]*events.Subscription),
	}
	s.serve(r.Context())
}

type wsSession struct {
	app  *App
	conn *websocket.Conn
	out  chan wsEvent
	quit chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu   sync.Mutex
	subs map[string]*events.Subscription
}

func (s *wsSession) stop() {
	s.once.Do(func() { close(s.quit) })
}

func (s *wsSession) serve(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writeLoop()
	}()

	s.readLoop(ctx)

	s.stop()
	s.mu.Lock()
	for jobID, sub := range s.subs {
		s.app.Broker.Unsubscribe(sub)
		delete(s.subs, jobID)
	}
	s.mu.Unlock()
	s.wg.Wait()
	_ = s.conn.Close()
}

func (s *wsSession) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(wsMaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		var msg wsRequest
		if err := s.conn.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				s.app.Logger.Debug().Err(err).Msg("ws: read ended")
			}
			return
		}
		switch msg.Type {
		case msgSubscribe:
			s.subscribe(ctx, msg.JobID)
		case msgUnsubscribe:
			s.unsubscribe(msg.JobID)
		default:
			s.send(wsEvent{Type: msgError, Error: &apiError{Code: "bad_request", Message: "unknown message type " + msg.Type}})
		}
	}
}

func (s *wsSession) subscribe(ctx context.Context, jobID string) {
	if jobID == "" {
		s.send(wsEvent{Type: msgError, Error: &apiError{Code: "bad_request", Message: "job_id is required"}})
		return
	}
	s.mu.Lock()
	if _, ok := s.subs[jobID]; ok {
		s.mu.Unlock()
		return
	}
	// Subscribe before reading the snapshot so no change is missed.
	sub := s.app.Broker.Subscribe(jobID)
	s.subs[jobID] = sub
	s.mu.Unlock()

	status, err := s.app.Jobs.Status(ctx, jobID)
	if err != nil {
		s.unsubscribe(jobID)
		_, code := errorStatus(err)
		s.send(wsEvent{Type: msgError, JobID: jobID, Error: &apiError{Code: code, Message: err.Error()}})
		return
	}
	view := viewProgress(status)
	s.send(wsEvent{Type: msgProgress, JobID: jobID, Data: &view})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for p := range sub.C {
			view := viewProgress(p)
			if !s.send(wsEvent{Type: msgProgress, JobID: jobID, Data: &view}) {
				return
			}
		}
	}()
}

func (s *wsSession) unsubscribe(jobID string) {
	s.mu.Lock()
	sub, ok := s.subs[jobID]
	delete(s.subs, jobID)
	s.mu.Unlock()
	if ok {
		s.app.Broker.Unsubscribe(sub)
	}
}

// send queues an event for the writer. It reports false once the session
// is shutting down.
func (s *wsSession) send(ev wsEvent) bool {
	select {
	case s.out <- ev:
		return true
	case <-s.quit:
		return false
	}
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteJSON(ev); err != nil {
				s.abort(err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.abort(err)
				return
			}
		case <-s.quit:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		}
	}
}

// abort ends the session after a write failure; closing the connection
// unblocks the reader.
func (s *wsSession) abort(err error) {
	s.app.Logger.Debug().Err(err).Msg("ws: write failed")
	s.stop()
	_ = s.conn.Close()
}
