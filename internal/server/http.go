package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/zot/jsbridge/internal/js"
)

// maxRequestBody bounds the size of a POST /api body.
const maxRequestBody = 4 << 20

// HTTPEndpoint routes HTTP requests: the console at /ws and one-shot requests at /api.
type HTTPEndpoint struct {
	runtime    *js.Runtime
	wsEndpoint *WebSocketEndpoint
	mux        *http.ServeMux
}

// NewHTTPEndpoint creates the HTTP routes for runtime.
func NewHTTPEndpoint(runtime *js.Runtime, wsEndpoint *WebSocketEndpoint) *HTTPEndpoint {
	h := &HTTPEndpoint{
		runtime:    runtime,
		wsEndpoint: wsEndpoint,
		mux:        http.NewServeMux(),
	}
	h.setupRoutes()
	return h
}

func (h *HTTPEndpoint) setupRoutes() {
	h.mux.HandleFunc("/ws", h.wsEndpoint.HandleWebSocket)
	h.mux.HandleFunc("/api", h.handleAPI)
	h.mux.HandleFunc("/api/modules", h.handleModules)
	h.mux.HandleFunc("/api/resolve", h.handleResolve)
	h.mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
}

// ServeHTTP implements http.Handler.
func (h *HTTPEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// handleAPI answers a POSTed request, or batch of requests, like the console does.
func (h *HTTPEndpoint) handleAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}
	reqs, err := ParseRequests(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &Response{Error: err.Error()})
		return
	}
	resps := make([]*Response, len(reqs))
	for i, req := range reqs {
		resps[i] = h.wsEndpoint.handle(nil, req)
	}
	if !bytes.HasPrefix(bytes.TrimSpace(body), []byte("[")) {
		writeJSON(w, http.StatusOK, resps[0])
		return
	}
	writeJSON(w, http.StatusOK, resps)
}

func (h *HTTPEndpoint) handleModules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &Response{Result: h.runtime.Modules()})
}

func (h *HTTPEndpoint) handleResolve(w http.ResponseWriter, r *http.Request) {
	spec := r.URL.Query().Get("spec")
	if spec == "" {
		writeJSON(w, http.StatusBadRequest, &Response{Error: "spec is required"})
		return
	}
	writeJSON(w, http.StatusOK, h.wsEndpoint.handle(nil, &Request{Op: OpResolve, Spec: spec}))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
