package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/forecastrun/internal/domain"
	"github.com/sawpanic/forecastrun/internal/metrics"
)

const (
	wsWriteWait  = 5 * time.Second
	wsSendBuffer = 16
)

// ForecastHub fans emitted ensemble forecasts out to websocket
// subscribers. Slow clients are dropped rather than allowed to block
// the broadcast path.
type ForecastHub struct {
	mu       sync.RWMutex
	clients  map[*wsClient]struct{}
	upgrader websocket.Upgrader
	metrics  *metrics.MetricsRegistry
	closed   bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan domain.EnsembleForecast
}

func NewForecastHub(m *metrics.MetricsRegistry) *ForecastHub {
	return &ForecastHub{
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		metrics: m,
	}
}

// Serve upgrades the request and registers the client until it
// disconnects.
func (h *ForecastHub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan domain.EnsembleForecast, wsSendBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.setClientGauge(n)
	log.Info().Str("remote", r.RemoteAddr).Int("clients", n).Msg("forecast subscriber connected")

	go h.writeLoop(client)
	h.readLoop(client)
}

func (h *ForecastHub) readLoop(c *wsClient) {
	defer h.drop(c)
	for {
		// Subscribers do not send payloads; the read loop exists to
		// detect disconnects and service control frames.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *ForecastHub) writeLoop(c *wsClient) {
	for fc := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteJSON(fc); err != nil {
			h.drop(c)
			return
		}
	}
}

// Broadcast delivers a forecast to every connected client. Clients
// whose send buffer is full are disconnected.
func (h *ForecastHub) Broadcast(fc domain.EnsembleForecast) {
	h.mu.RLock()
	var full []*wsClient
	for c := range h.clients {
		select {
		case c.send <- fc:
		default:
			full = append(full, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range full {
		log.Warn().Msg("dropping slow forecast subscriber")
		h.drop(c)
	}
}

func (h *ForecastHub) drop(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	close(c.send)
	c.conn.Close()
	h.setClientGauge(n)
}

// Close disconnects every client and rejects new registrations.
func (h *ForecastHub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
		c.conn.Close()
	}
	h.setClientGauge(0)
}

func (h *ForecastHub) setClientGauge(n int) {
	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(n))
	}
}
