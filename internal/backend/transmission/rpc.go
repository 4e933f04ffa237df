// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package transmission

import (
	"context"
	"fmt"

	"github.com/autobrr/tmsync/internal/backend"
)

const endpointRPC = "transmission/rpc"

type rpcRequest struct {
	Method    string         `json:"method"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// RPCError is a non-success result string from the daemon. The method is
// treated as an unavailable source.
type RPCError struct {
	Method string
	Result string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %s: %s", e.Method, e.Result)
}

func (e *RPCError) EndpointUnavailable() bool {
	return true
}

// call posts one RPC and returns its arguments object.
func (a *Adapter) call(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	body, err := a.t.PostJSON(ctx, endpointRPC, rpcRequest{Method: method, Arguments: args})
	if err != nil {
		return nil, err
	}

	resp, err := backend.DecodePayload(body)
	if err != nil {
		return nil, err
	}

	result, _ := backend.SafeString(resp["result"])
	if result != "success" {
		return nil, &RPCError{Method: method, Result: result}
	}

	arguments, ok := resp["arguments"].(map[string]any)
	if !ok {
		return map[string]any{}, nil
	}
	return arguments, nil
}

// torrentList reads the torrents array of a torrent-get response.
func torrentList(method string, args map[string]any) ([]map[string]any, error) {
	raw, ok := args["torrents"]
	if !ok || raw == nil {
		return []map[string]any{}, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, &backend.ValidationError{Section: method, Reason: "torrents is not an array"}
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// idArgs addresses torrents by hash string, which every RPC accepts in ids.
func idArgs(ids []string) map[string]any {
	list := make([]any, 0, len(ids))
	for _, id := range ids {
		list = append(list, id)
	}
	return map[string]any{"ids": list}
}
