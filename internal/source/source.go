// Package source provides the clients for the four external telemetry
// sources: the contract-call RPC endpoint, the Blockscout and GeckoTerminal
// REST services, and the Goldsky GraphQL subgraph. All of them satisfy the
// same raw-payload capability so the aggregation layer can treat sources
// uniformly.
package source

import (
	"context"
	"fmt"
	"net/url"

	"github.com/ethereum/go-ethereum/common"
)

// Source identities, used as circuit breaker and rate limiter scope keys.
const (
	NameRPC        = "rpc"
	NameBlockscout = "blockscout"
	NameGecko      = "gecko"
	NameSubgraph   = "subgraph"
)

// ContractCall is a single eth_call within an RPC request. Optional calls
// may fail (some contract versions revert on them) without failing the
// batch; their frame comes back empty and the parser decides the fallback.
type ContractCall struct {
	To       common.Address
	Data     []byte
	Optional bool
}

// Request identifies one unit of upstream work. Exactly one of the three
// shapes is populated, matching the client kind it is dispatched to.
type Request struct {
	// Contract calls, batched into one JSON-RPC round trip.
	Calls []ContractCall

	// REST path and query, relative to the client's base URL.
	Path  string
	Query url.Values

	// GraphQL document and variables.
	GraphQL   string
	Variables map[string]any
}

// Payload carries the raw response frames: one frame per contract call for
// RPC requests, a single body frame for REST and GraphQL requests.
type Payload struct {
	Frames [][]byte
}

// Client fetches the raw payload for a request against one external source.
type Client interface {
	Name() string
	Fetch(ctx context.Context, req Request) (Payload, error)
}

// TransientError marks a failure worth retrying: timeouts, connection
// resets, 5xx responses, 429 throttling. Anything else is deterministic and
// surfaces immediately.
type TransientError struct {
	Source string
	Err    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Source, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func transient(name string, err error) error {
	return &TransientError{Source: name, Err: err}
}
