// Package channel connects user-facing transports to the chat panel.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"claudechat/internal/bus"
	"claudechat/internal/metrics"
	"claudechat/internal/panel"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsMaxFrameSize = 16 << 20 // attachments arrive base64 encoded in one frame
)

// WSConfig configures the WebSocket bridge.
type WSConfig struct {
	Host        string
	Port        int
	Path        string // WebSocket endpoint path (default: /ws)
	MetricsPath string // empty disables the metrics endpoint
	Registry    *panel.Registry
	Version     string
	Logger      *slog.Logger
}

// WebSocketServer relays panel commands from browser clients and broadcasts
// panel events back. Every client shares the registry's single panel.
type WebSocketServer struct {
	host        string
	port        int
	path        string
	metricsPath string
	registry    *panel.Registry
	version     string
	logger      *slog.Logger
	server      *http.Server

	mu      sync.RWMutex
	clients map[string]*wsClient
	nextID  int
}

// wsClient tracks a connected WebSocket client.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // served on loopback by default
	},
}

func NewWebSocketServer(cfg WSConfig) *WebSocketServer {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Port == 0 {
		cfg.Port = 8787
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebSocketServer{
		host:        cfg.Host,
		port:        cfg.Port,
		path:        cfg.Path,
		metricsPath: cfg.MetricsPath,
		registry:    cfg.Registry,
		version:     cfg.Version,
		logger:      cfg.Logger,
		clients:     make(map[string]*wsClient),
	}
}

func (ws *WebSocketServer) Name() string { return "websocket" }

// Handler returns the mux serving the socket, /status and optionally metrics.
func (ws *WebSocketServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ws.path, ws.handleUpgrade)
	mux.HandleFunc("GET /status", ws.handleStatus)
	if ws.metricsPath != "" {
		mux.Handle("GET "+ws.metricsPath, metrics.Collector.Handler())
	}
	return mux
}

// Start serves until ctx is cancelled.
func (ws *WebSocketServer) Start(ctx context.Context) error {
	addr := net.JoinHostPort(ws.host, strconv.Itoa(ws.port))
	ws.server = &http.Server{
		Addr:              addr,
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	ws.logger.Info("websocket server starting", "addr", addr, "path", ws.path)

	errCh := make(chan error, 1)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		ws.closeAllClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ws.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("websocket server: %w", err)
	}
}

func (ws *WebSocketServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, release, err := ws.registry.Acquire(ctx)
	if err != nil {
		ws.logger.Error("failed to open panel", "err", err)
		http.Error(w, "panel unavailable", http.StatusServiceUnavailable)
		return
	}
	// The last client to leave disposes the panel.
	defer release(context.WithoutCancel(ctx))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(wsMaxFrameSize)

	client := &wsClient{conn: conn}
	ws.mu.Lock()
	ws.nextID++
	clientID := "ws-" + strconv.Itoa(ws.nextID)
	ws.clients[clientID] = client
	ws.mu.Unlock()
	metrics.PanelClients.Inc()

	unsubscribe := p.Subscribe(func(e bus.Event) {
		if err := client.send(e); err != nil {
			ws.logger.Debug("websocket write failed", "client_id", clientID, "err", err)
		}
	})

	ws.logger.Info("websocket client connected", "client_id", clientID, "remote", r.RemoteAddr)

	defer func() {
		unsubscribe()
		ws.mu.Lock()
		delete(ws.clients, clientID)
		ws.mu.Unlock()
		metrics.PanelClients.Dec()
		conn.Close()
		ws.logger.Info("websocket client disconnected", "client_id", clientID)
	}()

	// Show the client where the panel currently is.
	if conv, err := p.Current(ctx); err == nil {
		client.send(bus.Event{Command: bus.EventChatLoaded, Chat: conv, ChatID: conv.ID})
	} else {
		ws.logger.Warn("failed to load current conversation", "err", err)
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Error("websocket read error", "client_id", clientID, "err", err)
			}
			return
		}

		var cmd panel.Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			ws.logger.Warn("invalid websocket message", "client_id", clientID, "err", err)
			client.send(bus.Event{Command: bus.EventError, Message: "Invalid message"})
			continue
		}
		p.Handle(ctx, cmd)
	}
}

func (ws *WebSocketServer) handleStatus(rw http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":  "ok",
		"version": ws.version,
		"clients": ws.ClientCount(),
		"uptime":  metrics.Collector.Uptime().Round(time.Second).String(),
		"time":    time.Now().Format(time.RFC3339),
	}
	if p := ws.registry.Active(); p != nil {
		status["currentChat"] = p.CurrentID()
	}
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(status)
}

// ClientCount returns the number of connected clients.
func (ws *WebSocketServer) ClientCount() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.clients)
}

func (c *wsClient) send(e bus.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (ws *WebSocketServer) closeAllClients() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, client := range ws.clients {
		client.conn.Close()
	}
}
