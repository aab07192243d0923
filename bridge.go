// bridge.go: Host side of the isolated-unit message protocol
//
// The isolated unit talks to the host over line-delimited JSON on its stdio.
// Each capability request carries a correlation id; the host dispatches
// requests concurrently and answers by id, so responses may arrive out of
// order relative to each other while each request/response pair stays atomic
// from the plugin's perspective. Errors are carried as strings in the
// response, never thrown across the process boundary.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginexec

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Methods understood on the unit channel.
const (
	bridgeMethodStorageGet    = "storage.get"
	bridgeMethodStorageSet    = "storage.set"
	bridgeMethodStorageDelete = "storage.delete"
	bridgeMethodGatewayExec   = "gateway.execute"
	bridgeMethodResult        = "result"
)

// unitRequest is one framed message from the isolated unit to the host.
// Result is set only when Method is "result" and carries the unit's final
// output.
type unitRequest struct {
	ID     string           `json:"id"`
	Method string           `json:"method"`
	Params json.RawMessage  `json:"params,omitempty"`
	Result *ExecutionResult `json:"result,omitempty"`
}

// unitResponse answers one capability request. Exactly one of Result and
// Error is set.
type unitResponse struct {
	ID     string  `json:"id"`
	Result any     `json:"result,omitempty"`
	Error  *string `json:"error,omitempty"`
}

type storageGetParams struct {
	Key string `json:"key"`
}

type storageSetParams struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	TTLSeconds int64           `json:"ttl_seconds,omitempty"`
}

type storageDeleteParams struct {
	Key string `json:"key"`
}

type gatewayExecuteParams struct {
	GatewayID string         `json:"gateway_id"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
}

// capabilityBridge serves storage and gateway requests from one isolated
// unit. It is created per invocation and must be closed on any terminal
// event so pending dispatches are cancelled rather than leaked.
type capabilityBridge struct {
	storage *StorageAccessor
	gateway *GatewayAccessor
	logger  Logger

	writeMu sync.Mutex
	out     io.Writer

	mu          sync.Mutex
	inflight    map[string]context.CancelFunc
	maxInflight int
	closed      bool

	wg sync.WaitGroup
}

func newCapabilityBridge(out io.Writer, storage *StorageAccessor, gateway *GatewayAccessor, maxInflight int, logger Logger) *capabilityBridge {
	if maxInflight <= 0 {
		maxInflight = 64
	}
	if logger == nil {
		logger = DefaultLogger()
	}
	return &capabilityBridge{
		storage:     storage,
		gateway:     gateway,
		logger:      logger,
		out:         out,
		inflight:    make(map[string]context.CancelFunc),
		maxInflight: maxInflight,
	}
}

// dispatch serves one capability request asynchronously. Requests beyond the
// in-flight bound, and requests reusing a still-pending correlation id, are
// answered immediately with an error response.
func (b *capabilityBridge) dispatch(ctx context.Context, req unitRequest) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.inflight) >= b.maxInflight {
		b.mu.Unlock()
		b.respondError(req.ID, NewBridgeOverflowError(b.maxInflight))
		return
	}
	if _, exists := b.inflight[req.ID]; exists {
		b.mu.Unlock()
		b.respondError(req.ID, NewBridgeProtocolError("duplicate request id: "+req.ID, nil))
		return
	}
	reqCtx, cancel := context.WithCancel(ctx)
	b.inflight[req.ID] = cancel
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer func() {
			b.mu.Lock()
			if pending, ok := b.inflight[req.ID]; ok {
				pending()
				delete(b.inflight, req.ID)
			}
			b.mu.Unlock()
			b.wg.Done()
		}()
		b.handle(reqCtx, req)
	}()
}

func (b *capabilityBridge) handle(ctx context.Context, req unitRequest) {
	switch req.Method {
	case bridgeMethodStorageGet:
		var params storageGetParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			b.respondError(req.ID, NewBridgeProtocolError("malformed storage.get params", err))
			return
		}
		value, ok, err := b.storage.Get(ctx, params.Key)
		if err != nil {
			b.respondError(req.ID, err)
			return
		}
		if !ok {
			b.respond(req.ID, nil)
			return
		}
		b.respond(req.ID, json.RawMessage(value))

	case bridgeMethodStorageSet:
		var params storageSetParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			b.respondError(req.ID, NewBridgeProtocolError("malformed storage.set params", err))
			return
		}
		ttl := time.Duration(params.TTLSeconds) * time.Second
		if err := b.storage.Set(ctx, params.Key, params.Value, ttl); err != nil {
			b.respondError(req.ID, err)
			return
		}
		b.respond(req.ID, true)

	case bridgeMethodStorageDelete:
		var params storageDeleteParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			b.respondError(req.ID, NewBridgeProtocolError("malformed storage.delete params", err))
			return
		}
		if err := b.storage.Delete(ctx, params.Key); err != nil {
			b.respondError(req.ID, err)
			return
		}
		b.respond(req.ID, true)

	case bridgeMethodGatewayExec:
		var params gatewayExecuteParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			b.respondError(req.ID, NewBridgeProtocolError("malformed gateway.execute params", err))
			return
		}
		result, err := b.gateway.Execute(ctx, params.GatewayID, params.Action, params.Params)
		if err != nil {
			b.respondError(req.ID, err)
			return
		}
		b.respond(req.ID, result)

	default:
		b.respondError(req.ID, NewBridgeProtocolError("unknown method: "+req.Method, nil))
	}
}

func (b *capabilityBridge) respond(id string, result any) {
	b.writeLine(unitResponse{ID: id, Result: result})
}

func (b *capabilityBridge) respondError(id string, err error) {
	msg := err.Error()
	b.writeLine(unitResponse{ID: id, Error: &msg})
}

func (b *capabilityBridge) writeLine(resp unitResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		b.logger.Error("Failed to marshal bridge response", "id", resp.ID, "error", err)
		return
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := b.out.Write(append(data, '\n')); err != nil {
		// The unit may already be gone; terminal handling belongs to the runner.
		b.logger.Debug("Failed to write bridge response", "id", resp.ID, "error", err)
	}
}

// close cancels all in-flight dispatches and waits for their goroutines to
// finish. Safe to call more than once.
func (b *capabilityBridge) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.wg.Wait()
		return
	}
	b.closed = true
	for id, cancel := range b.inflight {
		cancel()
		delete(b.inflight, id)
	}
	b.mu.Unlock()

	b.wg.Wait()
}
