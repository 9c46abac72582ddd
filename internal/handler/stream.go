package handler

import (
	"net/http"
	"sync/atomic"
	"time"

	"signal-desk/internal/logger"
	"signal-desk/internal/snapshot"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = 30 * time.Second
)

// Hub pushes every published snapshot to connected websocket clients and counts them as users
// online.
type Hub struct {
	bus      *snapshot.Bus
	upgrader websocket.Upgrader
	online   atomic.Int64
}

func NewHub(bus *snapshot.Bus, allowedOrigins []string) *Hub {
	h := &Hub{bus: bus}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// Online implements the metrics presence counter.
func (h *Hub) Online() int {
	if h == nil {
		return 0
	}
	return int(h.online.Load())
}

// Serve godoc
// @Summary      Snapshot stream
// @Description  Websocket that sends the latest snapshot on connect and every new one after
// @Tags         stream
// @Router       /ws/snapshots [get]
func (h *Hub) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("websocket upgrade: %v", err)
		return
	}
	h.online.Add(1)
	defer h.online.Add(-1)
	defer conn.Close()

	updates, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()

	closed := make(chan struct{})
	go h.readPump(conn, closed)

	if latest, ok := h.bus.Latest(); ok {
		if err := writeJSON(conn, latest); err != nil {
			return
		}
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := writeJSON(conn, snap); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames and signals when the peer goes away.
func (h *Hub) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
