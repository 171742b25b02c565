// Package moonraker speaks the Moonraker JSON-RPC API: a client that
// drives a real printer through it, and a small compatible server that
// exposes a Printer (the simulator, in dry runs) the same way.
package moonraker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"gantry-twist-go/pkg/log"
)

// Printer is what the server exposes.
type Printer interface {
	// GetObjectsList returns the queryable object names.
	GetObjectsList() []string

	// GetObjectStatus returns the status of an object, or nil if unknown.
	// A nil attrs means every attribute.
	GetObjectStatus(name string, attrs []string) map[string]any

	// ExecuteGCode runs a script and returns once it has completed.
	ExecuteGCode(script string) error

	EmergencyStop()

	// GetKlippyState is one of "startup", "ready", "error", "shutdown".
	GetKlippyState() string
}

// Config holds server configuration.
type Config struct {
	// Addr is the listen address, e.g. ":7125".
	Addr string

	Printer Printer
	Logger  *log.Logger

	// StatusInterval is the subscription push period. Zero means 250ms.
	StatusInterval time.Duration
}

// Server is a Moonraker-compatible API server.
type Server struct {
	printer Printer
	log     *log.Logger
	addr    string

	httpServer *http.Server
	listener   net.Listener

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*WSClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	// client id -> object -> attributes
	subscriptions map[int64]map[string][]string
	subMu         sync.RWMutex

	interval  time.Duration
	running   atomic.Bool
	stop      chan struct{}
	startTime time.Time
}

// NewServer creates a server for cfg.Printer.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.GetLogger("moonraker")
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 250 * time.Millisecond
	}
	return &Server{
		printer:       cfg.Printer,
		log:           cfg.Logger,
		addr:          cfg.Addr,
		wsClients:     make(map[int64]*WSClient),
		subscriptions: make(map[int64]map[string][]string),
		interval:      cfg.StatusInterval,
		stop:          make(chan struct{}),
		startTime:     time.Now(),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler of every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/websocket", s.handleWebSocket)
	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)
	mux.HandleFunc("/server/info", s.handleREST(func(map[string]any) (any, error) { return s.methodServerInfo() }))
	mux.HandleFunc("/printer/info", s.handleREST(func(map[string]any) (any, error) { return s.methodPrinterInfo() }))
	mux.HandleFunc("/printer/objects/list", s.handleREST(func(map[string]any) (any, error) { return s.methodObjectsList() }))
	mux.HandleFunc("/printer/objects/query", s.handleREST(s.methodObjectsQuery))
	mux.HandleFunc("/printer/gcode/script", s.handleREST(s.methodGCodeScript))
	mux.HandleFunc("/printer/emergency_stop", s.handleREST(func(map[string]any) (any, error) { return s.methodEmergencyStop() }))
	return s.corsMiddleware(mux)
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.running.Store(true)
	s.log.Info("API server listening on %s", ln.Addr())

	go s.statusBroadcastLoop()

	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes every client and the listener.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	close(s.stop)

	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.Close()
	}
	s.wsClients = make(map[int64]*WSClient)
	s.wsClientMu.Unlock()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// JSON-RPC 2.0 structures

type jsonRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id,omitempty"`
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, jsonRPCResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "Parse error"}})
		return
	}
	writeJSON(w, http.StatusOK, s.respond(req, nil))
}

func (s *Server) respond(req jsonRPCRequest, client *WSClient) jsonRPCResponse {
	result, err := s.dispatchMethod(req.Method, req.Params, client)
	if err != nil {
		return jsonRPCResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32000, Message: err.Error()}, ID: req.ID}
	}
	return jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID}
}

func (s *Server) dispatchMethod(method string, params map[string]any, client *WSClient) (any, error) {
	switch method {
	case "server.info":
		return s.methodServerInfo()
	case "printer.info":
		return s.methodPrinterInfo()
	case "printer.objects.list":
		return s.methodObjectsList()
	case "printer.objects.query":
		return s.methodObjectsQuery(params)
	case "printer.objects.subscribe":
		return s.methodObjectsSubscribe(params, client)
	case "printer.gcode.script":
		return s.methodGCodeScript(params)
	case "printer.emergency_stop":
		return s.methodEmergencyStop()
	case "server.connection.identify":
		return s.methodIdentify(params, client)
	default:
		return nil, fmt.Errorf("method not found: %s", method)
	}
}

func (s *Server) klippyState() string {
	if s.printer == nil {
		return "disconnected"
	}
	return s.printer.GetKlippyState()
}

func (s *Server) methodServerInfo() (any, error) {
	s.wsClientMu.RLock()
	clients := len(s.wsClients)
	s.wsClientMu.RUnlock()

	state := s.klippyState()
	return map[string]any{
		"klippy_connected":   state != "disconnected",
		"klippy_state":       state,
		"components":         []string{"klippy_apis"},
		"failed_components":  []string{},
		"warnings":           []string{},
		"websocket_count":    clients,
		"moonraker_version":  "v0.8.0-twistcal",
		"api_version":        []int{1, 5, 0},
		"api_version_string": "1.5.0",
	}, nil
}

func (s *Server) methodPrinterInfo() (any, error) {
	hostname, _ := os.Hostname()
	state := s.klippyState()
	message := "Printer is ready"
	if state != "ready" {
		message = "Printer is not ready"
	}
	return map[string]any{
		"state":            state,
		"state_message":    message,
		"hostname":         hostname,
		"software_version": "twistcal-sim",
	}, nil
}

func (s *Server) methodObjectsList() (any, error) {
	objects := []string{}
	if s.printer != nil {
		objects = s.printer.GetObjectsList()
	}
	return map[string]any{"objects": objects}, nil
}

// parseObjects reads {"objects": {name: null | [attr, ...]}}.
func parseObjects(params map[string]any) (map[string][]string, error) {
	raw, ok := params["objects"]
	if !ok {
		return nil, fmt.Errorf("missing 'objects' parameter")
	}
	objects, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("'objects' must be an object")
	}
	out := make(map[string][]string, len(objects))
	for name, attrsVal := range objects {
		var attrs []string
		if list, ok := attrsVal.([]any); ok {
			for _, a := range list {
				if str, ok := a.(string); ok {
					attrs = append(attrs, str)
				}
			}
		}
		out[name] = attrs
	}
	return out, nil
}

func (s *Server) collectStatus(objects map[string][]string) map[string]any {
	result := make(map[string]any, len(objects))
	if s.printer == nil {
		return result
	}
	for name, attrs := range objects {
		if status := s.printer.GetObjectStatus(name, attrs); status != nil {
			result[name] = status
		}
	}
	return result
}

func (s *Server) eventtime() float64 {
	return time.Since(s.startTime).Seconds()
}

func (s *Server) methodObjectsQuery(params map[string]any) (any, error) {
	objects, err := parseObjects(params)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"eventtime": s.eventtime(),
		"status":    s.collectStatus(objects),
	}, nil
}

func (s *Server) methodObjectsSubscribe(params map[string]any, client *WSClient) (any, error) {
	if client == nil {
		return nil, fmt.Errorf("subscription requires WebSocket connection")
	}
	objects, err := parseObjects(params)
	if err != nil {
		return nil, err
	}
	s.subMu.Lock()
	s.subscriptions[client.id] = objects
	s.subMu.Unlock()
	return s.methodObjectsQuery(params)
}

func (s *Server) methodGCodeScript(params map[string]any) (any, error) {
	script, ok := params["script"].(string)
	if !ok {
		return nil, fmt.Errorf("missing 'script' parameter")
	}
	if s.printer == nil {
		return nil, fmt.Errorf("Printer is not ready")
	}
	if err := s.printer.ExecuteGCode(script); err != nil {
		return nil, err
	}
	return "ok", nil
}

func (s *Server) methodEmergencyStop() (any, error) {
	s.log.Warn("emergency stop requested")
	if s.printer != nil {
		s.printer.EmergencyStop()
	}
	return "ok", nil
}

func (s *Server) methodIdentify(params map[string]any, client *WSClient) (any, error) {
	name, _ := params["client_name"].(string)
	if name == "" {
		name = "unknown"
	}
	var id int64
	if client != nil {
		id = client.id
	}
	s.log.Info("client %d identified as %s", id, name)
	return map[string]any{"connection_id": id}, nil
}

// handleREST adapts a method to a REST endpoint. GET query parameters
// and POST JSON bodies are both accepted.
func (s *Server) handleREST(method func(map[string]any) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := map[string]any{}
		if r.Method == http.MethodPost && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": rpcError{Code: -32700, Message: err.Error()}})
				return
			}
		} else {
			for k, v := range r.URL.Query() {
				if len(v) > 0 {
					params[k] = v[0]
				}
			}
		}
		result, err := method(params)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": rpcError{Code: -32000, Message: err.Error()}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": result})
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// WSClient is one websocket connection to the server.
type WSClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	once   sync.Once
}

func (s *Server) newWSClient(conn *websocket.Conn) *WSClient {
	return &WSClient{
		id:     atomic.AddInt64(&s.nextWSID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan any, 64),
		done:   make(chan struct{}),
	}
}

// Send queues msg. Messages to a client whose queue is full are dropped.
func (c *WSClient) Send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.log.Warn("dropping message to client %d (queue full)", c.id)
	}
}

// Close closes the connection once.
func (c *WSClient) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *WSClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.server.log.WithError(err).Warn("websocket read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var req jsonRPCRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.Send(jsonRPCResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "Parse error"}})
			continue
		}
		// requests run in order; a long G-code script blocks later ones
		// exactly as it would on a real host
		c.Send(c.server.respond(req, c))
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.log.WithError(err).Warn("websocket write error")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := s.newWSClient(conn)
	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()
	s.log.Debug("websocket client %d connected", client.id)

	go client.writePump()

	client.Send(map[string]any{"jsonrpc": "2.0", "method": "notify_klippy_connected"})
	if s.klippyState() == "ready" {
		client.Send(map[string]any{"jsonrpc": "2.0", "method": "notify_klippy_ready"})
	}

	client.readPump()
}

func (s *Server) removeClient(client *WSClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, client.id)
	s.wsClientMu.Unlock()

	s.subMu.Lock()
	delete(s.subscriptions, client.id)
	s.subMu.Unlock()

	s.log.Debug("websocket client %d disconnected", client.id)
}

func (s *Server) statusBroadcastLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.broadcastStatusUpdates()
		case <-s.stop:
			return
		}
	}
}

// broadcastStatusUpdates pushes notify_status_update to every subscriber.
func (s *Server) broadcastStatusUpdates() {
	s.subMu.RLock()
	subs := make(map[int64]map[string][]string, len(s.subscriptions))
	for id, objects := range s.subscriptions {
		subs[id] = objects
	}
	s.subMu.RUnlock()

	eventtime := s.eventtime()
	for id, objects := range subs {
		s.wsClientMu.RLock()
		client, ok := s.wsClients[id]
		s.wsClientMu.RUnlock()
		if !ok {
			continue
		}
		status := s.collectStatus(objects)
		if len(status) == 0 {
			continue
		}
		client.Send(map[string]any{
			"jsonrpc": "2.0",
			"method":  "notify_status_update",
			"params":  []any{status, eventtime},
		})
	}
}
