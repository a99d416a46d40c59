// Package websocket provides a live diagnostics feed for tickd.
//
// Clients open a WebSocket connection to:
//
//	GET /api/ws[?interval=<ms>]
//
// The server samples the App every interval (default 500 ms, minimum 50 ms)
// and pushes a snapshot frame whenever the state changed since the last one.
// Clients may send job control frames; each gets a result frame back.
//
// Server → client frames:
//
//	{"type":"snapshot","snapshot":{...}}
//	{"type":"result","op":"stop","job":"blink","error":""}
//
// Client → server control frames:
//
//	{"type":"stop",   "job":"blink"}
//	{"type":"start",  "job":"blink"}
//	{"type":"period", "job":"blink", "period":500}
package websocket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/snehjoshi/tickq/internal/app"
)

const (
	defaultInterval = 500 * time.Millisecond
	minInterval     = 50 * time.Millisecond
	writeTimeout    = 5 * time.Second
)

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin upgrade requests. Requests without an
	// Origin header (native clients, curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Handler serves the live feed for one App.
type Handler struct {
	App *app.App
	Log zerolog.Logger
}

// ServerFrame is a frame sent to the client.
type ServerFrame struct {
	Type     string        `json:"type"` // "snapshot" | "result"
	Snapshot *app.Snapshot `json:"snapshot,omitempty"`
	Op       string        `json:"op,omitempty"`
	Job      string        `json:"job,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// ClientFrame is a control frame sent by the client.
type ClientFrame struct {
	Type   string `json:"type"` // "stop" | "start" | "period"
	Job    string `json:"job"`
	Period uint32 `json:"period,omitempty"`
}

// ServeHTTP upgrades the connection and starts the push loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	interval := defaultInterval
	if v := r.URL.Query().Get("interval"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			http.Error(w, `{"error":"interval must be a positive number of milliseconds"}`, http.StatusBadRequest)
			return
		}
		interval = max(time.Duration(ms)*time.Millisecond, minInterval)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	controlCh := make(chan ClientFrame, 16)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(controlCh)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cf ClientFrame
			if err := json.Unmarshal(raw, &cf); err != nil {
				continue
			}
			select {
			case controlCh <- cf:
			case <-done:
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last []byte
	push := func() bool {
		snap := h.App.Snapshot()
		data, err := json.Marshal(ServerFrame{Type: "snapshot", Snapshot: &snap})
		if err != nil {
			h.Log.Error().Err(err).Msg("encode snapshot")
			return false
		}
		if bytes.Equal(data, last) {
			return true
		}
		last = data
		return h.write(conn, data)
	}

	if !push() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return

		case cf, ok := <-controlCh:
			if !ok {
				return
			}
			res := ServerFrame{Type: "result", Op: cf.Type, Job: cf.Job}
			if err := h.control(cf); err != nil {
				res.Error = err.Error()
			}
			data, _ := json.Marshal(res)
			if !h.write(conn, data) {
				return
			}

		case <-ticker.C:
			if !push() {
				return
			}
		}
	}
}

func (h *Handler) control(cf ClientFrame) error {
	switch cf.Type {
	case "stop":
		return h.App.StopJob(cf.Job)
	case "start":
		return h.App.StartJob(cf.Job)
	case "period":
		return h.App.SetPeriod(cf.Job, cf.Period)
	default:
		return fmt.Errorf("unknown frame type %q", cf.Type)
	}
}

func (h *Handler) write(conn *gorillaws.Conn, data []byte) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
		h.Log.Debug().Err(err).Msg("websocket write failed")
		return false
	}
	return true
}
