package server

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Op names a console request.
type Op string

const (
	OpEval        Op = "eval"
	OpRequire     Op = "require"
	OpResolve     Op = "resolve"
	OpInvalidate  Op = "invalidate"
	OpClear       Op = "clear"
	OpModules     Op = "modules"
	OpPost        Op = "post"
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
)

// Request is one console request.
type Request struct {
	ID       int64          `json:"id,omitempty"`
	Op       Op             `json:"op"`
	Code     string         `json:"code,omitempty"`
	Spec     string         `json:"spec,omitempty"`
	Path     string         `json:"path,omitempty"`
	Name     string         `json:"name,omitempty"`
	Object   any            `json:"object,omitempty"`
	UserInfo map[string]any `json:"userInfo,omitempty"`
}

// Response answers a Request with the same ID.
type Response struct {
	ID     int64  `json:"id,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}

// Notification relays an EventCenter notification to a subscribed connection.
type Notification struct {
	Event    string `json:"event"`
	Object   any    `json:"object,omitempty"`
	UserInfo any    `json:"userInfo,omitempty"`
}

// ParseRequests parses a single request or a batched array of requests.
func ParseRequests(data []byte) ([]*Request, error) {
	if trimmed := bytes.TrimLeft(data, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
		var reqs []*Request
		if err := json.Unmarshal(data, &reqs); err != nil {
			return nil, fmt.Errorf("parsing request batch: %w", err)
		}
		return reqs, nil
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parsing request: %w", err)
	}
	return []*Request{&req}, nil
}
