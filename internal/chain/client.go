package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrNilClient is returned when a read is attempted without a connection.
var ErrNilClient = errors.New("chain client is nil")

// DefaultForwarder is the pool forwarder contract used for isMemberConnected.
const DefaultForwarder = "0x6DA13Bde224A05a288748d857b9e7DDEffd1dE08"

// Options configures a Client.
type Options struct {
	Forwarder common.Address
	RPS       float64
	Burst     int
	Logger    *zap.Logger
}

// Client wraps go-ethereum RPC and provides read helpers.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client
	forwarder common.Address
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// NewClient dials the RPC URL.
func NewClient(ctx context.Context, rpcURL string, opts Options) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return NewClientFromRPC(rpcClient, opts), nil
}

// NewClientFromRPC wraps an existing RPC connection.
func NewClientFromRPC(rpcClient *rpc.Client, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Forwarder == (common.Address{}) {
		opts.Forwarder = common.HexToAddress(DefaultForwarder)
	}
	var limiter *rate.Limiter
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}

	return &Client{
		rpcClient: rpcClient,
		ethClient: ethclient.NewClient(rpcClient),
		forwarder: opts.Forwarder,
		limiter:   limiter,
		logger:    opts.Logger,
	}
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// GetChainID returns the chain ID.
func (c *Client) GetChainID(ctx context.Context) (*big.Int, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.ethClient.ChainID(ctx)
}

// Forwarder returns the pool forwarder address.
func (c *Client) Forwarder() common.Address {
	return c.forwarder
}

// CallContract performs an eth_call for a contract method at the latest block.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	if c == nil || c.ethClient == nil {
		return nil, ErrNilClient
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.ethClient.CallContract(ctx, msg, nil)
}

// Call is one eth_call in a batch.
type Call struct {
	To   common.Address
	Data []byte
}

// CallResult is the outcome of one Call; Err is set per element.
type CallResult struct {
	Data []byte
	Err  error
}

// BatchCall sends calls as a single JSON-RPC batch. The returned error covers
// only transport failure; per-call failures are reported in each CallResult.
func (c *Client) BatchCall(ctx context.Context, calls []Call) ([]CallResult, error) {
	if c == nil || c.rpcClient == nil {
		return nil, ErrNilClient
	}
	if len(calls) == 0 {
		return nil, nil
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	elems := make([]rpc.BatchElem, len(calls))
	outputs := make([]hexutil.Bytes, len(calls))
	for i, call := range calls {
		to := call.To
		elems[i] = rpc.BatchElem{
			Method: "eth_call",
			Args: []interface{}{
				map[string]interface{}{"to": &to, "input": hexutil.Bytes(call.Data)},
				"latest",
			},
			Result: &outputs[i],
		}
	}

	if err := c.rpcClient.BatchCallContext(ctx, elems); err != nil {
		return nil, fmt.Errorf("batch call: %w", err)
	}

	results := make([]CallResult, len(calls))
	for i := range elems {
		results[i] = CallResult{Data: outputs[i], Err: elems[i].Error}
	}
	return results, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}
