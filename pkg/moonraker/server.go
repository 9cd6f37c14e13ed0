// Package moonraker serves a calibration session over a Moonraker-style
// API, so web frontends and scripts can send G29/G31/G32 and follow runs
// as they happen.
package moonraker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"delta-calibration/pkg/errors"
	"delta-calibration/pkg/log"
)

// Executor runs one line of G-code and returns its response.
type Executor interface {
	Execute(line string) (string, error)
}

// StatusSource reports the state of the printer objects clients can query
// and subscribe to.
type StatusSource interface {
	// Objects lists the available object names.
	Objects() []string

	// Status returns the attributes of one object, all of them when attrs
	// is empty. Unknown objects return nil.
	Status(name string, attrs []string) map[string]any
}

// Config holds server configuration.
type Config struct {
	// Address to listen on, e.g. ":7125"
	Address string

	Executor Executor
	Status   StatusSource

	// History serves the run log; nil disables the history endpoints.
	History HistorySource

	// GCodeStoreSize is how many G-code commands and responses are kept
	// for server.gcode_store.
	GCodeStoreSize int

	Logger *log.Logger
}

// DefaultConfig listens on Moonraker's usual port.
func DefaultConfig() Config {
	return Config{Address: ":7125", GCodeStoreSize: 1000}
}

// Server is the API server. It also implements calibrate.Observer and
// forwards run progress to websocket clients.
type Server struct {
	cfg  Config
	log  *log.Logger
	http *http.Server

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*wsClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	// clientID -> object -> attributes
	subscriptions map[int64]map[string][]string
	subMu         sync.RWMutex

	// one script at a time
	scriptMu sync.Mutex
	store    *gcodeStore

	mu        sync.Mutex
	listener  net.Listener
	startTime time.Time
}

// New creates a server. It does not listen until Start.
func New(cfg Config) *Server {
	if cfg.GCodeStoreSize <= 0 {
		cfg.GCodeStoreSize = DefaultConfig().GCodeStoreSize
	}
	if cfg.Logger == nil {
		cfg.Logger = log.GetLogger("moonraker")
	}
	s := &Server{
		cfg:           cfg,
		log:           cfg.Logger,
		wsClients:     make(map[int64]*wsClient),
		subscriptions: make(map[int64]map[string][]string),
		store:         newGCodeStore(cfg.GCodeStoreSize),
		startTime:     time.Now(),
	}
	s.wsUpgrader = websocket.Upgrader{
		// frontends are served from another origin
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)
	mux.HandleFunc("/websocket", s.handleWebSocket)
	mux.HandleFunc("/server/info", s.restHandler(func(r *http.Request) (any, error) {
		return s.methodServerInfo()
	}))
	mux.HandleFunc("/server/gcode_store", s.restHandler(func(r *http.Request) (any, error) {
		return s.methodGCodeStore(queryParams(r))
	}))
	mux.HandleFunc("/printer/info", s.restHandler(func(r *http.Request) (any, error) {
		return s.methodPrinterInfo()
	}))
	mux.HandleFunc("/printer/objects/list", s.restHandler(func(r *http.Request) (any, error) {
		return s.methodObjectsList()
	}))
	mux.HandleFunc("/printer/objects/query", s.handleObjectsQuery)
	mux.HandleFunc("/printer/gcode/script", s.handleGCodeScript)
	mux.HandleFunc("/printer/gcode/help", s.restHandler(func(r *http.Request) (any, error) {
		return s.methodGCodeHelp()
	}))
	mux.HandleFunc("/server/history/list", s.restHandler(func(r *http.Request) (any, error) {
		return s.methodHistoryList(r.Context(), queryParams(r))
	}))
	mux.HandleFunc("/server/history/job", s.restHandler(func(r *http.Request) (any, error) {
		return s.methodHistoryJob(r.Context(), queryParams(r))
	}))

	s.http = &http.Server{Handler: corsMiddleware(mux)}
	return s
}

// Handler returns the server's routes, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return errors.ResourceError("API listener "+s.cfg.Address, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.startTime = time.Now()
	s.mu.Unlock()
	s.log.Info("API server listening on %s", ln.Addr())
	go func() { _ = s.http.Serve(ln) }()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Address
}

// Shutdown disconnects websocket clients and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsClientMu.Lock()
	for _, c := range s.wsClients {
		c.close()
	}
	s.wsClients = make(map[int64]*wsClient)
	s.wsClientMu.Unlock()

	s.mu.Lock()
	running := s.listener != nil
	s.listener = nil
	s.mu.Unlock()
	if !running {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// JSON-RPC 2.0

type jsonRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
	ID      any           `json:"id,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

const (
	codeParse          = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServer         = -32000
)

// rpcError carries a JSON-RPC error code through a method's error return.
type rpcError struct {
	code int
	msg  string
}

func (e *rpcError) Error() string { return e.msg }

func invalidParams(format string, args ...any) error {
	return &rpcError{code: codeInvalidParams, msg: fmt.Sprintf(format, args...)}
}

func toRPCError(err error) *jsonRPCError {
	if re, ok := err.(*rpcError); ok {
		return &jsonRPCError{Code: re.code, Message: re.msg}
	}
	return &jsonRPCError{Code: codeServer, Message: err.Error()}
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, jsonRPCResponse{JSONRPC: "2.0", Error: &jsonRPCError{Code: codeParse, Message: "parse error"}})
		return
	}
	writeJSON(w, http.StatusOK, s.call(r.Context(), req, nil))
}

func (s *Server) call(ctx context.Context, req jsonRPCRequest, client *wsClient) jsonRPCResponse {
	result, err := s.dispatchMethod(ctx, req.Method, req.Params, client)
	if err != nil {
		return jsonRPCResponse{JSONRPC: "2.0", Error: toRPCError(err), ID: req.ID}
	}
	return jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID}
}

func (s *Server) dispatchMethod(ctx context.Context, method string, params map[string]any, client *wsClient) (any, error) {
	switch method {
	case "server.info":
		return s.methodServerInfo()
	case "server.connection.identify":
		return s.methodIdentify(params, client)
	case "server.gcode_store":
		return s.methodGCodeStore(params)
	case "server.history.list":
		return s.methodHistoryList(ctx, params)
	case "server.history.get_job":
		return s.methodHistoryJob(ctx, params)
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
	case "printer.gcode.help":
		return s.methodGCodeHelp()
	default:
		return nil, &rpcError{code: codeMethodNotFound, msg: "method not found: " + method}
	}
}

func (s *Server) methodServerInfo() (any, error) {
	components := []string{"klippy_apis", "gcode_store"}
	if s.cfg.History != nil {
		components = append(components, "history")
	}
	s.wsClientMu.RLock()
	n := len(s.wsClients)
	s.wsClientMu.RUnlock()
	hostname, _ := os.Hostname()
	return map[string]any{
		"klippy_connected":   true,
		"klippy_state":       s.klippyState(),
		"components":         components,
		"failed_components":  []string{},
		"warnings":           []string{},
		"websocket_count":    n,
		"moonraker_version":  "deltacal",
		"api_version":        []int{1, 5, 0},
		"api_version_string": "1.5.0",
		"hostname":           hostname,
	}, nil
}

func (s *Server) methodPrinterInfo() (any, error) {
	hostname, _ := os.Hostname()
	state := s.klippyState()
	msg := "Printer is ready"
	if state != "ready" {
		msg = "Calibration in progress"
	}
	return map[string]any{
		"state":            state,
		"state_message":    msg,
		"hostname":         hostname,
		"software_version": "deltacal",
	}, nil
}

// klippyState is "ready", or "busy" while a calibration runs.
func (s *Server) klippyState() string {
	if s.cfg.Status == nil {
		return "ready"
	}
	if st := s.cfg.Status.Status("webhooks", []string{"state"}); st != nil {
		if v, ok := st["state"].(string); ok {
			return v
		}
	}
	return "ready"
}

func (s *Server) methodIdentify(params map[string]any, client *wsClient) (any, error) {
	if client == nil {
		return nil, errors.New(errors.ErrRuntime, "identify requires a websocket connection")
	}
	name, _ := params["client_name"].(string)
	if name == "" {
		name = "unknown"
	}
	s.log.Debug("websocket client %d identified as %s", client.id, name)
	return map[string]any{"connection_id": client.id}, nil
}

func (s *Server) methodObjectsList() (any, error) {
	objects := []string{}
	if s.cfg.Status != nil {
		objects = s.cfg.Status.Objects()
	}
	return map[string]any{"objects": objects}, nil
}

// parseObjects reads {"objects": {"name": null | ["attr", ...]}}.
func parseObjects(params map[string]any) (map[string][]string, error) {
	raw, ok := params["objects"]
	if !ok {
		return nil, invalidParams("missing 'objects' parameter")
	}
	objects, ok := raw.(map[string]any)
	if !ok {
		return nil, invalidParams("'objects' must be an object")
	}
	out := make(map[string][]string, len(objects))
	for name, v := range objects {
		var attrs []string
		if list, ok := v.([]any); ok {
			for _, a := range list {
				if as, ok := a.(string); ok {
					attrs = append(attrs, as)
				}
			}
		}
		out[name] = attrs
	}
	return out, nil
}

func (s *Server) eventtime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.startTime).Seconds()
}

func (s *Server) queryStatus(objects map[string][]string) map[string]any {
	status := make(map[string]any)
	if s.cfg.Status == nil {
		return status
	}
	for name, attrs := range objects {
		if st := s.cfg.Status.Status(name, attrs); st != nil {
			status[name] = st
		}
	}
	return status
}

func (s *Server) methodObjectsQuery(params map[string]any) (any, error) {
	objects, err := parseObjects(params)
	if err != nil {
		return nil, err
	}
	return map[string]any{"eventtime": s.eventtime(), "status": s.queryStatus(objects)}, nil
}

func (s *Server) methodObjectsSubscribe(params map[string]any, client *wsClient) (any, error) {
	if client == nil {
		return nil, errors.New(errors.ErrRuntime, "subscription requires a websocket connection")
	}
	objects, err := parseObjects(params)
	if err != nil {
		return nil, err
	}
	s.subMu.Lock()
	s.subscriptions[client.id] = objects
	s.subMu.Unlock()
	return map[string]any{"eventtime": s.eventtime(), "status": s.queryStatus(objects)}, nil
}

func (s *Server) methodGCodeScript(params map[string]any) (any, error) {
	script, ok := params["script"].(string)
	if !ok {
		return nil, invalidParams("missing 'script' parameter")
	}
	if s.cfg.Executor == nil {
		return nil, errors.New(errors.ErrRuntime, "no G-code executor")
	}
	if err := s.runScript(script); err != nil {
		return nil, err
	}
	return "ok", nil
}

// runScript executes script line by line, publishing every response. The
// first failing line stops the script.
func (s *Server) runScript(script string) error {
	s.scriptMu.Lock()
	defer s.scriptMu.Unlock()
	defer s.broadcastStatus()

	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.store.add(line, "command")
		out, err := s.cfg.Executor.Execute(line)
		for _, resp := range strings.Split(out, "\n") {
			if resp != "" {
				s.respond(resp)
			}
		}
		if err != nil {
			s.respond("!! " + err.Error())
			return err
		}
	}
	return nil
}

// respond records a G-code response and sends it to every client.
func (s *Server) respond(msg string) {
	s.store.add(msg, "response")
	s.broadcast(notification{JSONRPC: "2.0", Method: "notify_gcode_response", Params: []any{msg}})
}

func (s *Server) methodGCodeHelp() (any, error) {
	return map[string]string{
		"G28":  "Home all towers",
		"G29":  "Probe repeatability test",
		"G31":  "Simulated annealing calibration and depth map",
		"G32":  "Iterative endstop and radius calibration",
		"M665": "Set delta geometry",
		"M666": "Set endstop trim",
		"M667": "Set surface transform state",
		"M500": "Report surface transform state",
		"M503": "Report surface transform state",
	}, nil
}

func (s *Server) methodGCodeStore(params map[string]any) (any, error) {
	count, err := intParam(params, "count", 100)
	if err != nil {
		return nil, err
	}
	return map[string]any{"gcode_store": s.store.last(count)}, nil
}

// intParam reads a numeric parameter that may arrive as a JSON number or,
// from a query string, as text.
func intParam(params map[string]any, name string, fallback int) (int, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return fallback, nil
	}
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, invalidParams("'%s' must be an integer", name)
		}
		return i, nil
	default:
		return 0, invalidParams("'%s' must be an integer", name)
	}
}

// REST handlers

func queryParams(r *http.Request) map[string]any {
	params := make(map[string]any)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}

func (s *Server) restHandler(fn func(r *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := fn(r)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": result})
	}
}

// bodyParams decodes a JSON body, falling back to the query string.
func bodyParams(r *http.Request) (map[string]any, error) {
	params := queryParams(r)
	if r.Body == nil || r.ContentLength == 0 {
		return params, nil
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, invalidParams("invalid JSON body: %v", err)
	}
	for k, v := range body {
		params[k] = v
	}
	return params, nil
}

func (s *Server) handleObjectsQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	params, err := bodyParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.restHandler(func(*http.Request) (any, error) { return s.methodObjectsQuery(params) })(w, r)
}

func (s *Server) handleGCodeScript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	params, err := bodyParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.restHandler(func(*http.Request) (any, error) { return s.methodGCodeScript(params) })(w, r)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps calibration errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, errors.ErrConfigValidation), errors.Is(err, errors.ErrDepthMap):
		status = http.StatusBadRequest
	default:
		if _, ok := err.(*rpcError); ok {
			status = http.StatusBadRequest
		}
	}
	rpc := toRPCError(err)
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": status, "message": rpc.Message}})
}
