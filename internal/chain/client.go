// Package chain provides the ledger client used to query balances and submit
// signed transfers.
package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// Sentinel errors classify ledger failures for the submission pipeline.
var (
	// ErrNetwork marks transient transport failures; callers may retry.
	ErrNetwork = errors.New("ledger network error")
	// ErrRejected marks permanent rejections; retrying cannot succeed.
	ErrRejected = errors.New("rejected by ledger")
	// ErrNotFound marks unknown receipts/addresses.
	ErrNotFound = errors.New("not found on ledger")
)

// TxStatus is the confirmation state reported by the ledger.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// SignedTransfer is one signed value movement ready for submission. Ref is a
// client-chosen reference echoed back by the ledger, letting resubmissions of
// the same transfer be deduplicated.
type SignedTransfer struct {
	Source      string
	Destination string
	Amount      int64
	Ref         string
	PublicKey   []byte
	Signature   []byte
}

// Client is the ledger surface the engine depends on.
type Client interface {
	GetBalance(ctx context.Context, address string) (int64, error)
	SubmitTransfer(ctx context.Context, tx SignedTransfer) (string, error)
	GetStatus(ctx context.Context, txID string) (TxStatus, error)
}

// Config holds RPC client configuration.
type Config struct {
	RPCURL string
	// Timeout bounds each RPC call; defaults to 30s.
	Timeout time.Duration
	// SubmitPerSecond throttles transfer submissions; 0 disables the limit.
	SubmitPerSecond float64
}

// RPCClient talks JSON-RPC to a ledger node.
type RPCClient struct {
	rpcURL     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

var _ Client = (*RPCClient)(nil)

// NewRPCClient creates a ledger RPC client.
func NewRPCClient(cfg Config) (*RPCClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.SubmitPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SubmitPerSecond), 1)
	}

	return &RPCClient{
		rpcURL: cfg.RPCURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: limiter,
	}, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
	ID      int           `json:"id"`
}

// Call makes a raw RPC call and returns the result payload.
func (c *RPCClient) Call(ctx context.Context, method string, params []interface{}) ([]byte, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Dial failures, resets and client timeouts are all transient from
		// the pipeline's point of view.
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrNetwork, err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: node returned %d", ErrNetwork, resp.StatusCode)
	}

	if rpcErr := gjson.GetBytes(respBody, "error"); rpcErr.Exists() {
		code := rpcErr.Get("code").Int()
		message := rpcErr.Get("message").String()
		return nil, fmt.Errorf("%w: rpc error %d: %s", ErrRejected, code, message)
	}

	result := gjson.GetBytes(respBody, "result")
	if !result.Exists() {
		return nil, fmt.Errorf("%w: missing result", ErrRejected)
	}
	return []byte(result.Raw), nil
}

// GetBalance returns the live balance in base units.
func (c *RPCClient) GetBalance(ctx context.Context, address string) (int64, error) {
	result, err := c.Call(ctx, "getBalance", []interface{}{address})
	if err != nil {
		return 0, err
	}
	parsed := gjson.ParseBytes(result)
	// Some nodes wrap the balance in a value object.
	if parsed.IsObject() {
		return parsed.Get("value").Int(), nil
	}
	return parsed.Int(), nil
}

// SubmitTransfer submits a signed transfer and returns the ledger tx id.
func (c *RPCClient) SubmitTransfer(ctx context.Context, tx SignedTransfer) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("%w: %v", ErrNetwork, err)
		}
	}

	payload := map[string]interface{}{
		"source":      tx.Source,
		"destination": tx.Destination,
		"amount":      tx.Amount,
		"ref":         tx.Ref,
		"publicKey":   base64.StdEncoding.EncodeToString(tx.PublicKey),
		"signature":   base64.StdEncoding.EncodeToString(tx.Signature),
	}

	result, err := c.Call(ctx, "sendTransfer", []interface{}{payload})
	if err != nil {
		return "", err
	}

	txID := gjson.ParseBytes(result).String()
	if txID == "" {
		txID = gjson.GetBytes(result, "txId").String()
	}
	if txID == "" {
		return "", fmt.Errorf("%w: empty tx id", ErrRejected)
	}
	return txID, nil
}

// GetStatus returns the confirmation status for a submitted transfer.
func (c *RPCClient) GetStatus(ctx context.Context, txID string) (TxStatus, error) {
	result, err := c.Call(ctx, "getStatus", []interface{}{txID})
	if err != nil {
		return "", err
	}

	switch status := strings.ToLower(gjson.GetBytes(result, "status").String()); status {
	case "confirmed", "finalized":
		return TxConfirmed, nil
	case "failed":
		return TxFailed, nil
	case "pending", "processing", "":
		return TxPending, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrRejected, status)
	}
}
