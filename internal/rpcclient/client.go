// Package rpcclient provides a JSON-RPC 2.0 client for lootd nodes.
package rpcclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-loot/internal/opener"
	"github.com/Klingon-tech/klingnet-loot/internal/option"
	"github.com/Klingon-tech/klingnet-loot/internal/rpc"
	"github.com/Klingon-tech/klingnet-loot/pkg/crypto"
)

// Client is a JSON-RPC 2.0 HTTP client.
type Client struct {
	endpoint string
	http     *http.Client

	mu         sync.Mutex
	lastNonce  uint64
	now        func() time.Time
	deployment *string
}

// New creates a new RPC client targeting the given endpoint URL.
func New(endpoint string) *Client {
	return NewWithTimeout(endpoint, 10*time.Second)
}

// NewWithTimeout creates a new RPC client with a custom HTTP timeout.
func NewWithTimeout(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		http: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}
}

// request is a JSON-RPC 2.0 request.
type request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      int         `json:"id"`
}

// response is a JSON-RPC 2.0 response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// rpcError is a JSON-RPC 2.0 error.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// RPCError is returned when the server responds with an error. Kind is
// the open failure kind when the server reported one.
type RPCError struct {
	Code    int
	Message string
	Kind    string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Call invokes a JSON-RPC method and unmarshals the result into the provided pointer.
// If result is nil, the response result is discarded.
func (c *Client) Call(method string, params, result interface{}) error {
	req := request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.http.Post(c.endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("http request: %s", resp.Status)
	}

	var rpcResp response
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if rpcResp.Error != nil {
		return &RPCError{
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
			Kind:    rpcResp.Error.Data,
		}
	}

	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}

	return nil
}

// nextNonce returns a nonce above every nonce this client issued. Wall
// clock nanoseconds keep nonces increasing across client processes.
func (c *Client) nextNonce() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := uint64(c.now().UnixNano())
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return n
}

// SetDeployment fixes the deployment id that signatures are bound to,
// skipping the loot_getInfo lookup SignedCall would otherwise make.
func (c *Client) SetDeployment(id string) {
	c.mu.Lock()
	c.deployment = &id
	c.mu.Unlock()
}

// deploymentID returns the node's deployment id, asking the node once.
func (c *Client) deploymentID() (string, error) {
	c.mu.Lock()
	dep := c.deployment
	c.mu.Unlock()
	if dep != nil {
		return *dep, nil
	}
	info, err := c.Info()
	if err != nil {
		return "", fmt.Errorf("fetch deployment id: %w", err)
	}
	c.SetDeployment(info.Deployment)
	return info.Deployment, nil
}

// SignedCall signs params with key for the node's deployment and invokes method.
func (c *Client) SignedCall(method string, params rpc.Signable, key *crypto.PrivateKey, result interface{}) error {
	dep, err := c.deploymentID()
	if err != nil {
		return err
	}
	if err := rpc.Sign(dep, method, params, key, c.nextNonce()); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	return c.Call(method, params, result)
}

// Info calls loot_getInfo.
func (c *Client) Info() (*rpc.InfoResult, error) {
	var res rpc.InfoResult
	if err := c.Call("loot_getInfo", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Option calls option_get.
func (c *Client) Option(id option.ID) (*rpc.OptionResult, error) {
	var res rpc.OptionResult
	if err := c.Call("option_get", rpc.OptionIDParam{ID: id}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Options calls option_list.
func (c *Client) Options() ([]rpc.OptionResult, error) {
	var res []rpc.OptionResult
	if err := c.Call("option_list", nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// Open calls loot_open. A nil key sends an unsigned request, which only
// paid-mode nodes accept.
func (c *Client) Open(p *rpc.OpenParam, key *crypto.PrivateKey) (*opener.Result, error) {
	var res opener.Result
	var err error
	if key == nil {
		err = c.Call("loot_open", p, &res)
	} else {
		err = c.SignedCall("loot_open", p, key, &res)
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}
