// gateway.go: Authorized-gateway dispatch capability
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginexec

import (
	"context"
	"errors"
)

// errNoGatewayExecutor is returned when an invocation carries authorized
// gateways but the executor was composed without a gateway collaborator.
var errNoGatewayExecutor = errors.New("no gateway executor configured")

// GatewayExecutor is the external collaborator that actually performs gateway
// operations. Failures are returned as errors and are not retried by this
// subsystem.
type GatewayExecutor interface {
	ExecuteGateway(ctx context.Context, gatewayID, action string, params map[string]any) (map[string]any, error)
}

// GatewayAccessor is the narrow gateway capability handed to one plugin
// invocation: a read-only view over the caller's authorized gateways plus a
// single Execute operation that re-validates membership before delegating.
type GatewayAccessor struct {
	executor GatewayExecutor
	byID     map[string]GatewayDescriptor
	ordered  []GatewayDescriptor
}

// NewGatewayAccessor builds an accessor over the invocation's authorized set.
func NewGatewayAccessor(executor GatewayExecutor, descriptors []GatewayDescriptor) *GatewayAccessor {
	byID := make(map[string]GatewayDescriptor, len(descriptors))
	ordered := make([]GatewayDescriptor, len(descriptors))
	copy(ordered, descriptors)
	for _, d := range descriptors {
		byID[d.ID] = d
	}
	return &GatewayAccessor{executor: executor, byID: byID, ordered: ordered}
}

// Gateways returns the authorized gateway descriptors in caller order.
func (a *GatewayAccessor) Gateways() []GatewayDescriptor {
	out := make([]GatewayDescriptor, len(a.ordered))
	copy(out, a.ordered)
	return out
}

// Execute re-validates that gatewayID belongs to the authorized set and then
// delegates to the gateway execution collaborator. Unauthorized ids are
// rejected without ever reaching the collaborator.
func (a *GatewayAccessor) Execute(ctx context.Context, gatewayID, action string, params map[string]any) (map[string]any, error) {
	if _, ok := a.byID[gatewayID]; !ok {
		return nil, NewGatewayNotAuthorizedError(gatewayID)
	}
	if a.executor == nil {
		return nil, NewGatewayExecutionError(gatewayID, errNoGatewayExecutor)
	}

	result, err := a.executor.ExecuteGateway(ctx, gatewayID, action, params)
	if err != nil {
		return nil, NewGatewayExecutionError(gatewayID, err)
	}
	return result, nil
}
