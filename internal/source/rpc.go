package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

// RPCOptions parameterise the contract-call client.
type RPCOptions struct {
	URL     string
	Timeout time.Duration
}

// RPC issues eth_call requests against an Ethereum-compatible JSON-RPC
// endpoint. Multiple contract calls in one Request ride a single JSON-RPC
// batch, so a composite metric costs one network round trip.
type RPC struct {
	opts      RPCOptions
	logger    zerolog.Logger
	client    *rpc.Client
	clientMux sync.Mutex
}

// NewRPC builds the contract-call client.
func NewRPC(opts RPCOptions, logger zerolog.Logger) *RPC {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &RPC{opts: opts, logger: logger.With().Str("component", "rpc_source").Logger()}
}

// Name identifies this source.
func (r *RPC) Name() string { return NameRPC }

type ethCallArgs struct {
	To   string `json:"to"`
	Data string `json:"data"`
}

// Fetch executes every contract call in req as one batch and returns the
// raw return data per call, in request order.
func (r *RPC) Fetch(ctx context.Context, req Request) (Payload, error) {
	if r.opts.URL == "" {
		return Payload{}, errors.New("rpc url not configured")
	}
	if len(req.Calls) == 0 {
		return Payload{}, errors.New("rpc request without contract calls")
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	client, err := r.getClient(ctx)
	if err != nil {
		return Payload{}, transient(NameRPC, err)
	}

	batch := make([]rpc.BatchElem, len(req.Calls))
	results := make([]hexutil.Bytes, len(req.Calls))
	for i, call := range req.Calls {
		batch[i] = rpc.BatchElem{
			Method: "eth_call",
			Args: []any{
				ethCallArgs{To: call.To.Hex(), Data: hexutil.Encode(call.Data)},
				"latest",
			},
			Result: &results[i],
		}
	}

	if err := client.BatchCallContext(ctx, batch); err != nil {
		return Payload{}, transient(NameRPC, err)
	}

	frames := make([][]byte, len(batch))
	for i, elem := range batch {
		if elem.Error != nil {
			if req.Calls[i].Optional {
				r.logger.Warn().Err(elem.Error).Str("to", req.Calls[i].To.Hex()).Msg("optional eth_call failed")
				continue
			}
			// Contract reverts are deterministic for the same call; do not
			// mark them retryable.
			return Payload{}, fmt.Errorf("eth_call %d to %s failed: %w", i, req.Calls[i].To.Hex(), elem.Error)
		}
		frames[i] = results[i]
	}

	r.logger.Debug().Int("calls", len(frames)).Msg("batched eth_call succeeded")
	return Payload{Frames: frames}, nil
}

func (r *RPC) getClient(ctx context.Context) (*rpc.Client, error) {
	r.clientMux.Lock()
	defer r.clientMux.Unlock()

	if r.client != nil {
		return r.client, nil
	}

	client, err := rpc.DialContext(ctx, r.opts.URL)
	if err != nil {
		return nil, err
	}
	r.client = client
	return client, nil
}

var _ Client = (*RPC)(nil)
