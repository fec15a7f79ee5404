// Package executor turns claimed opportunities into signed execution
// bundles and lands them through private relays. It owns the tail of the
// opportunity lifecycle: re-validation, bundle construction, fan-out,
// inclusion tracking, and the terminal state.
package executor

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/michaelpento.lv/arbengine/types"
)

const (
	contentTypeJSON = "application/json"
	authHeader      = "X-Flashbots-Signature"

	methodSendBundle   = "eth_sendBundle"
	methodBundleStatus = "flashbots_getBundleStats"

	relayTimeout    = 3 * time.Second
	breakerCooldown = 10 * time.Second
	breakerTripAt   = 3
)

// BundleStatus is a relay's view of a submitted bundle.
type BundleStatus uint8

const (
	StatusUnknown BundleStatus = iota
	StatusPending
	StatusIncluded
	StatusReverted
)

func (s BundleStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusIncluded:
		return "included"
	case StatusReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

func parseBundleStatus(s string) BundleStatus {
	switch s {
	case "pending", "simulated":
		return StatusPending
	case "included":
		return StatusIncluded
	case "reverted", "failed":
		return StatusReverted
	default:
		return StatusUnknown
	}
}

// RejectionError is a relay refusing a bundle on its merits: underpriced,
// malformed, past its window. Retrying the same bundle on the same relay
// cannot succeed.
type RejectionError struct {
	Relay   string
	Code    int
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("relay %s rejected bundle (%d): %s", e.Relay, e.Code, e.Message)
}

// IsRejection reports whether err is a relay-side rejection rather than a
// transport failure. Transport failures are worth retrying; rejections are
// not.
func IsRejection(err error) bool {
	var r *RejectionError
	return errors.As(err, &r)
}

// RelayClient submits execution bundles and reports their inclusion state.
type RelayClient interface {
	Name() string
	SubmitBundle(ctx context.Context, b *types.ExecutionBundle, sig hexutil.Bytes) error
	BundleStatus(ctx context.Context, hash common.Hash, targetBlock uint64) (BundleStatus, error)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// sendBundleParams is the eth_sendBundle payload: the bundle's calls and
// window plus the BLS signature over its hash.
type sendBundleParams struct {
	Calls                []types.Call   `json:"calls"`
	BlockNumber          hexutil.Uint64 `json:"blockNumber"`
	MaxBlockNumber       hexutil.Uint64 `json:"maxBlockNumber"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	GasLimit             hexutil.Uint64 `json:"gasLimit"`
	Signature            hexutil.Bytes  `json:"signature"`
}

type bundleStatusParams struct {
	BundleHash  common.Hash    `json:"bundleHash"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
}

type bundleStatusResult struct {
	Status string `json:"status"`
}

// HTTPRelay is a JSON-RPC relay endpoint. Every request carries the
// keccak-of-payload signature header relays authenticate searchers by.
// Submissions pass a token bucket and a circuit breaker: a relay that
// keeps failing at the transport level is skipped until its cooldown
// lapses, without holding up the fan-out.
type HTTPRelay struct {
	name    string
	url     string
	client  *http.Client
	authKey *ecdsa.PrivateKey
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*rpcResponse]
	logger  *zap.Logger
}

// NewHTTPRelay builds a relay client. rps <= 0 disables rate limiting.
func NewHTTPRelay(name, url string, authKey *ecdsa.PrivateKey, rps float64, burst int, logger *zap.Logger) (*HTTPRelay, error) {
	if name == "" || url == "" {
		return nil, errors.New("relay requires a name and url")
	}
	if authKey == nil {
		return nil, fmt.Errorf("relay %s requires an auth key", name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
		if burst <= 0 {
			burst = 1
		}
	}
	r := &HTTPRelay{
		name:    name,
		url:     url,
		client:  &http.Client{Timeout: relayTimeout},
		authKey: authKey,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
	r.breaker = gobreaker.NewCircuitBreaker[*rpcResponse](gobreaker.Settings{
		Name:    name,
		Timeout: breakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= breakerTripAt
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("relay breaker state change",
				zap.String("relay", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return r, nil
}

func (r *HTTPRelay) Name() string { return r.name }

// SubmitBundle posts the bundle. A nil return means the relay accepted it
// for the target window; a RejectionError means it refused the bundle
// itself; any other error is transport-level and transient.
func (r *HTTPRelay) SubmitBundle(ctx context.Context, b *types.ExecutionBundle, sig hexutil.Bytes) error {
	params := sendBundleParams{
		Calls:                b.Calls,
		BlockNumber:          hexutil.Uint64(b.TargetBlock),
		MaxBlockNumber:       hexutil.Uint64(b.MaxBlock),
		MaxFeePerGas:         b.MaxFeePerGas,
		MaxPriorityFeePerGas: b.MaxPriorityFeePerGas,
		GasLimit:             hexutil.Uint64(b.GasLimit),
		Signature:            sig,
	}
	resp, err := r.call(ctx, methodSendBundle, params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return &RejectionError{Relay: r.name, Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return nil
}

// BundleStatus polls the relay for the bundle's inclusion state in the
// target block. Relays that do not know the hash report unknown, which the
// caller treats the same as pending until the window closes.
func (r *HTTPRelay) BundleStatus(ctx context.Context, hash common.Hash, targetBlock uint64) (BundleStatus, error) {
	resp, err := r.call(ctx, methodBundleStatus, bundleStatusParams{
		BundleHash:  hash,
		BlockNumber: hexutil.Uint64(targetBlock),
	})
	if err != nil {
		return StatusUnknown, err
	}
	if resp.Error != nil {
		return StatusUnknown, &RejectionError{Relay: r.name, Code: resp.Error.Code, Message: resp.Error.Message}
	}
	var result bundleStatusResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return StatusUnknown, fmt.Errorf("relay %s: malformed status: %w", r.name, err)
	}
	return parseBundleStatus(result.Status), nil
}

// call runs one signed JSON-RPC round trip through the limiter and the
// breaker. Only transport-level failures count toward tripping; an orderly
// RPC error response is a healthy relay saying no.
func (r *HTTPRelay) call(ctx context.Context, method string, params any) (*rpcResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  []any{params},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}
	return r.breaker.Execute(func() (*rpcResponse, error) {
		return r.post(ctx, payload)
	})
}

func (r *HTTPRelay) post(ctx context.Context, payload []byte) (*rpcResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	header, err := r.signPayload(payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set(authHeader, header)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay %s: %w", r.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("relay %s: read response: %w", r.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay %s: http %d: %s", r.name, resp.StatusCode, bytes.TrimSpace(body))
	}
	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("relay %s: malformed response: %w", r.name, err)
	}
	return &rpcResp, nil
}

// signPayload produces the searcher identity header: an EIP-191 signature
// over the hex-encoded keccak of the request body.
func (r *HTTPRelay) signPayload(payload []byte) (string, error) {
	sig, err := crypto.Sign(
		accounts.TextHash([]byte(hexutil.Encode(crypto.Keccak256(payload)))),
		r.authKey,
	)
	if err != nil {
		return "", fmt.Errorf("sign relay payload: %w", err)
	}
	return fmt.Sprintf("%s:%s",
		crypto.PubkeyToAddress(r.authKey.PublicKey).Hex(),
		hexutil.Encode(sig),
	), nil
}
