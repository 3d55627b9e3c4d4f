package chains

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

// balanceOfSelector is the first four bytes of keccak256("balanceOf(address)").
const balanceOfSelector = "0x70a08231"

// ErrUnknownChain is returned for chains missing from the registry or without an RPC URL.
var ErrUnknownChain = errors.New("chains: unknown chain")

// RPCError is a JSON-RPC error object returned by a node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// RPCReader reads chain state over JSON-RPC.
type RPCReader struct {
	registry *Registry
	client   *fasthttp.Client
	timeout  time.Duration
	nextID   atomic.Uint64
}

// NewRPCReader returns a reader that resolves RPC endpoints through registry.
func NewRPCReader(registry *Registry, timeout time.Duration) *RPCReader {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCReader{
		registry: registry,
		client: &fasthttp.Client{
			Name:                "zuzalu-api",
			MaxConnsPerHost:     32,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
		timeout: timeout,
	}
}

// BalanceOf calls balanceOf(owner) on an ERC-721/ERC-20 contract.
func (r *RPCReader) BalanceOf(ctx context.Context, chain, contract, owner string) (*big.Int, error) {
	if !IsAddress(contract) {
		return nil, fmt.Errorf("balanceOf: invalid contract address %q", contract)
	}
	if !IsAddress(owner) {
		return nil, fmt.Errorf("balanceOf: invalid owner address %q", owner)
	}
	data := balanceOfSelector + strings.Repeat("0", 24) + strings.ToLower(owner[2:])
	call := map[string]string{"to": contract, "data": data}

	var result string
	if err := r.call(ctx, chain, "eth_call", []any{call, "latest"}, &result); err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	return parseQuantity(result)
}

// LatestBlockhash returns the hash of the latest block on chain.
func (r *RPCReader) LatestBlockhash(ctx context.Context, chain string) (string, error) {
	var block struct {
		Hash string `json:"hash"`
	}
	if err := r.call(ctx, chain, "eth_getBlockByNumber", []any{"latest", false}, &block); err != nil {
		return "", fmt.Errorf("latest blockhash: %w", err)
	}
	if block.Hash == "" {
		return "", errors.New("latest blockhash: empty block")
	}
	return block.Hash, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (r *RPCReader) call(ctx context.Context, chain, method string, params []any, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry, ok := r.registry.Lookup(chain)
	if !ok || entry.RPCURL == "" {
		return fmt.Errorf("%w: %q", ErrUnknownChain, chain)
	}

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: r.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(entry.RPCURL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	deadline := time.Now().Add(r.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := r.client.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("%s on %s: %w", method, chain, err)
	}
	if status := resp.StatusCode(); status != fasthttp.StatusOK {
		return fmt.Errorf("%s on %s: http status %d", method, chain, status)
	}

	var decoded rpcResponse
	if err := json.Unmarshal(resp.Body(), &decoded); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func parseQuantity(hexValue string) (*big.Int, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(hexValue, "0x"), "0X")
	if trimmed == "" {
		return new(big.Int), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return nil, fmt.Errorf("invalid quantity %q", hexValue)
	}
	return value, nil
}
