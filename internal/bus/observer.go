package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// DefaultObserverPort is the default port for the WebSocket observer.
	DefaultObserverPort = 8765

	// WebSocketEndpoint is the path for WebSocket connections.
	WebSocketEndpoint = "/workflow-events"

	// HealthEndpoint is the path for health checks.
	HealthEndpoint = "/health"

	// WriteWait is the timeout for writing to a WebSocket.
	WriteWait = 10 * time.Second

	// PongWait is the timeout for pong responses.
	PongWait = 60 * time.Second

	// PingPeriod is how often to send ping frames.
	PingPeriod = (PongWait * 9) / 10

	// MaxMessageSize is the maximum inbound message size allowed.
	MaxMessageSize = 512
)

// Observer is a WebSocket server that exposes workflow events to external
// monitoring clients. It subscribes to all bus events and forwards them to
// connected clients; a slow client is disconnected rather than allowed to
// back-pressure the bus.
type Observer struct {
	bus      *Bus
	port     int
	upgrader websocket.Upgrader
	server   *http.Server
	log      zerolog.Logger

	// Client management
	clients    map[*Client]bool
	clientsMu  sync.RWMutex
	register   chan *Client
	unregister chan *Client

	// Control
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.RWMutex
}

// Client represents a single WebSocket connection.
type Client struct {
	conn *websocket.Conn
	send chan []byte

	replayHistory bool
	historyCount  int
}

// ObserverConfig configures the WebSocket observer.
type ObserverConfig struct {
	Port          int
	ReplayHistory bool
	HistoryCount  int
}

// DefaultObserverConfig returns the default observer configuration.
func DefaultObserverConfig() ObserverConfig {
	return ObserverConfig{
		Port:          DefaultObserverPort,
		ReplayHistory: true,
		HistoryCount:  100,
	}
}

// NewObserver creates a new WebSocket observer attached to the given bus.
func NewObserver(bus *Bus, config ObserverConfig, log zerolog.Logger) *Observer {
	ctx, cancel := context.WithCancel(context.Background())

	return &Observer{
		bus:  bus,
		port: config.Port,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Monitoring is served on localhost; restrict origins
				// before exposing this beyond the loopback interface.
				return true
			},
		},
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins the WebSocket observer.
func (o *Observer) Start() error {
	o.runningMu.Lock()
	if o.running {
		o.runningMu.Unlock()
		return fmt.Errorf("observer already running")
	}
	o.running = true
	o.runningMu.Unlock()

	// Subscribe to all bus events
	o.bus.Subscribe(EventType(""), o.handleBusEvent)

	o.wg.Add(1)
	go o.runClientManager()

	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketEndpoint, o.handleWebSocket)
	mux.HandleFunc(HealthEndpoint, o.handleHealth)

	o.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", o.port),
		Handler: mux,
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.log.Info().Int("port", o.port).Msg("observer listening")
		if err := o.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			o.log.Error().Err(err).Msg("observer server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the observer.
func (o *Observer) Stop() error {
	o.runningMu.Lock()
	if !o.running {
		o.runningMu.Unlock()
		return nil
	}
	o.running = false
	o.runningMu.Unlock()

	o.cancel()

	o.clientsMu.Lock()
	for client := range o.clients {
		close(client.send)
		delete(o.clients, client)
	}
	o.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := o.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	o.wg.Wait()

	o.log.Info().Msg("observer stopped")
	return nil
}

// ClientCount returns the number of connected WebSocket clients.
func (o *Observer) ClientCount() int {
	o.clientsMu.RLock()
	defer o.clientsMu.RUnlock()
	return len(o.clients)
}

// runClientManager handles client registration/unregistration.
func (o *Observer) runClientManager() {
	defer o.wg.Done()

	for {
		select {
		case client := <-o.register:
			o.clientsMu.Lock()
			o.clients[client] = true
			total := len(o.clients)
			o.clientsMu.Unlock()
			o.log.Debug().Int("total", total).Msg("observer client connected")

			if client.replayHistory {
				o.replayHistoryToClient(client, client.historyCount)
			}

		case client := <-o.unregister:
			o.clientsMu.Lock()
			if _, ok := o.clients[client]; ok {
				delete(o.clients, client)
				close(client.send)
				client.conn.Close()
			}
			remaining := len(o.clients)
			o.clientsMu.Unlock()
			o.log.Debug().Int("remaining", remaining).Msg("observer client disconnected")

		case <-o.ctx.Done():
			return
		}
	}
}

// replayHistoryToClient sends recent events to a newly connected client.
func (o *Observer) replayHistoryToClient(client *Client, count int) {
	history := o.bus.GetHistorySlice(count)
	for _, event := range history {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}

		select {
		case client.send <- data:
		default:
			// Client channel full, skip the rest
			return
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket.
func (o *Observer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	replay := r.URL.Query().Get("replay") != "false"
	count := 100
	if n := r.URL.Query().Get("count"); n != "" {
		fmt.Sscanf(n, "%d", &count)
	}

	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		conn:          conn,
		send:          make(chan []byte, 256),
		replayHistory: replay,
		historyCount:  count,
	}

	o.register <- client

	o.wg.Add(2)
	go o.writePump(client)
	go o.readPump(client)
}

// writePump handles sending messages to the WebSocket client.
func (o *Observer) writePump(client *Client) {
	defer o.wg.Done()

	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := client.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Drain queued messages into the same frame
			n := len(client.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-client.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-o.ctx.Done():
			return
		}
	}
}

// readPump handles reading messages from the WebSocket client.
func (o *Observer) readPump(client *Client) {
	defer o.wg.Done()
	defer func() {
		o.unregister <- client
	}()

	client.conn.SetReadLimit(MaxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(PongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				o.log.Warn().Err(err).Msg("websocket read error")
			}
			break
		}
		// Inbound messages are ignored; the observer is broadcast-only.
	}
}

// handleBusEvent is called for every event published to the bus.
func (o *Observer) handleBusEvent(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		o.log.Warn().Err(err).Msg("failed to marshal event")
		return
	}

	o.clientsMu.RLock()
	clients := make([]*Client, 0, len(o.clients))
	for client := range o.clients {
		clients = append(clients, client)
	}
	o.clientsMu.RUnlock()

	for _, client := range clients {
		select {
		case client.send <- data:
		default:
			// Client channel full, disconnect it
			o.unregister <- client
		}
	}
}

// handleHealth responds to health check requests.
func (o *Observer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := struct {
		Status      string `json:"status"`
		Service     string `json:"service"`
		Port        int    `json:"port"`
		Clients     int    `json:"clients"`
		BusSubs     int    `json:"bus_subscriptions"`
		HistorySize int    `json:"history_size"`
	}{
		Status:      "healthy",
		Service:     "conductor-observer",
		Port:        o.port,
		Clients:     o.ClientCount(),
		BusSubs:     o.bus.SubscriptionsCount(),
		HistorySize: len(o.bus.GetHistory()),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}
