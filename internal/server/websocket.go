// Package server exposes a script runtime over HTTP and a WebSocket console.
package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/dop251/goja"
	"github.com/gorilla/websocket"
	"github.com/zot/jsbridge/internal/config"
	"github.com/zot/jsbridge/internal/events"
	"github.com/zot/jsbridge/internal/js"
	"github.com/zot/jsbridge/internal/module"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// connection is one console client. Everything written to conn goes through svc.
type connection struct {
	id            string
	conn          *websocket.Conn
	svc           ChanSvc
	subscriptions map[string]events.Token // notification name -> center observation
}

// WebSocketEndpoint serves the runtime console at /ws.
type WebSocketEndpoint struct {
	config      *config.Config
	runtime     *js.Runtime
	connections map[string]*connection
	mu          sync.RWMutex
}

// NewWebSocketEndpoint creates a console endpoint for runtime.
func NewWebSocketEndpoint(cfg *config.Config, runtime *js.Runtime) *WebSocketEndpoint {
	return &WebSocketEndpoint{
		config:      cfg,
		runtime:     runtime,
		connections: make(map[string]*connection),
	}
}

// Log logs a message via the config.
func (ws *WebSocketEndpoint) Log(level int, format string, args ...any) {
	ws.config.Log(level, format, args...)
}

// HandleWebSocket upgrades the request and serves the connection until it closes.
func (ws *WebSocketEndpoint) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.Log(0, "WebSocket upgrade failed: %v", err)
		return
	}

	c := &connection{
		id:            generateConnectionID(),
		conn:          conn,
		svc:           make(ChanSvc),
		subscriptions: make(map[string]events.Token),
	}
	RunSvc(c.svc)

	ws.mu.Lock()
	ws.connections[c.id] = c
	ws.mu.Unlock()
	ws.Log(1, "WebSocket connected: conn=%s", c.id)

	go ws.readPump(c)
}

func (ws *WebSocketEndpoint) readPump(c *connection) {
	defer func() {
		ws.onDisconnect(c)
		c.conn.Close()
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				ws.Log(0, "WebSocket error: %v", err)
			}
			break
		}
		SvcSync(c.svc, func() (struct{}, error) {
			ws.processMessage(c, message)
			return struct{}{}, nil
		})
	}
}

// processMessage answers one request or a batch of them, in order.
func (ws *WebSocketEndpoint) processMessage(c *connection, message []byte) {
	defer func() {
		if r := recover(); r != nil {
			ws.Log(0, "PANIC in processMessage: %v", r)
			ws.write(c, &Response{Error: fmt.Sprintf("internal error: %v", r)})
		}
	}()

	ws.Log(4, "[IN] conn=%s data=%s", c.id, message)
	reqs, err := ParseRequests(message)
	if err != nil {
		ws.Log(1, "Failed to parse message: %v", err)
		ws.write(c, &Response{Error: err.Error()})
		return
	}
	for _, req := range reqs {
		ws.write(c, ws.handle(c, req))
	}
}

// requestError is a malformed request, as opposed to a failure of the script work.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg} }

// handle runs req against the runtime.
func (ws *WebSocketEndpoint) handle(c *connection, req *Request) *Response {
	resp := &Response{ID: req.ID}
	result, err := ws.dispatch(c, req)
	if err != nil {
		resp.Error = err.Error()
		if !errors.As(err, new(*requestError)) {
			resp.Code = module.ErrorCode(err)
		}
		return resp
	}
	resp.Result = result
	return resp
}

func (ws *WebSocketEndpoint) dispatch(c *connection, req *Request) (any, error) {
	rt := ws.runtime
	switch req.Op {
	case OpEval:
		return rt.Eval(req.Code)
	case OpRequire:
		return rt.Require(req.Spec)
	case OpResolve:
		path, ok := rt.Resolve(req.Spec)
		if !ok {
			return nil, &module.NotFoundError{Specifier: req.Spec}
		}
		return path, nil
	case OpInvalidate:
		return rt.Invalidate(req.Path), nil
	case OpClear:
		rt.ClearCache()
		return true, nil
	case OpModules:
		return rt.Modules(), nil
	case OpPost:
		if req.Name == "" {
			return nil, badRequest("post requires a name")
		}
		return rt.PostNotification(req.Name, req.Object, req.UserInfo)
	case OpSubscribe, OpUnsubscribe:
		if c == nil {
			return nil, badRequest(string(req.Op) + " is only available over the WebSocket console")
		}
		if req.Op == OpSubscribe {
			return ws.subscribe(c, req.Name)
		}
		return ws.unsubscribe(c, req.Name), nil
	default:
		return nil, badRequest(fmt.Sprintf("unknown op %q", req.Op))
	}
}

// subscribe relays notifications called name to c. It runs on c's service, which
// owns c.subscriptions.
func (ws *WebSocketEndpoint) subscribe(c *connection, name string) (bool, error) {
	if name == "" {
		return false, badRequest("subscribe requires a name")
	}
	if _, ok := c.subscriptions[name]; ok {
		return false, nil
	}
	rt := ws.runtime
	c.subscriptions[name] = rt.Center().Observe(name, events.Func(func(args ...any) error {
		// Observers run on the runtime's executor, where script values can be exported.
		n := &Notification{Event: name}
		if len(args) > 1 {
			n.Object = exportArg(rt, args[1])
		}
		if len(args) > 2 {
			n.UserInfo = exportArg(rt, args[2])
		}
		Svc(c.svc, func() { ws.write(c, n) })
		return nil
	}))
	ws.Log(2, "conn=%s subscribed to %s", c.id, name)
	return true, nil
}

func (ws *WebSocketEndpoint) unsubscribe(c *connection, name string) bool {
	token, ok := c.subscriptions[name]
	if !ok {
		return false
	}
	delete(c.subscriptions, name)
	return ws.runtime.Center().Unobserve(token)
}

func exportArg(rt *js.Runtime, arg any) any {
	if v, ok := arg.(goja.Value); ok {
		return rt.Export(v)
	}
	return arg
}

// write sends msg to c. It must run on c's service.
func (ws *WebSocketEndpoint) write(c *connection, msg any) {
	if ws.config.Verbosity() >= 4 {
		if data, err := json.Marshal(msg); err == nil {
			ws.Log(4, "[OUT] conn=%s data=%s", c.id, data)
		}
	} else {
		ws.Log(2, "[OUT] conn=%s", c.id)
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		ws.Log(1, "WebSocket write to %s failed: %v", c.id, err)
	}
}

func (ws *WebSocketEndpoint) onDisconnect(c *connection) {
	ws.mu.Lock()
	delete(ws.connections, c.id)
	ws.mu.Unlock()

	SvcSync(c.svc, func() (struct{}, error) {
		for name := range c.subscriptions {
			ws.unsubscribe(c, name)
		}
		return struct{}{}, nil
	})
	close(c.svc)
	ws.Log(1, "WebSocket disconnected: conn=%s", c.id)
}

// Connections returns the number of open console connections.
func (ws *WebSocketEndpoint) Connections() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.connections)
}

// Close closes every open connection.
func (ws *WebSocketEndpoint) Close() {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	for _, c := range ws.connections {
		c.conn.Close()
	}
}

func generateConnectionID() string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	return "conn-" + hex.EncodeToString(bytes)
}
