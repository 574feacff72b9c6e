// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package paranet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// JSON-RPC 2.0 envelope shared by the HTTP health probe and the WebSocket
// admin client.
type rpcRequest struct {
	Version string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Version string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// SystemHealth mirrors the result of the system_health query. The
// orchestrator interprets nothing beyond "the endpoint answered with a
// well-formed result".
type SystemHealth struct {
	Peers           int  `json:"peers"`
	IsSyncing       bool `json:"isSyncing"`
	ShouldHavePeers bool `json:"shouldHavePeers"`
}

// NodeClient issues liveness queries against one node's HTTP RPC endpoint.
type NodeClient struct {
	uri    string
	client *http.Client
}

func NewNodeClient(uri string) *NodeClient {
	return &NodeClient{
		uri:    uri,
		client: http.DefaultClient,
	}
}

// Health performs the system_health liveness query.
func (c *NodeClient) Health(ctx context.Context) (*SystemHealth, error) {
	body, err := json.Marshal(rpcRequest{
		Version: "2.0",
		ID:      1,
		Method:  "system_health",
		Params:  []interface{}{},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uri, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, c.uri)
	}

	rpcResp := rpcResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	health := &SystemHealth{}
	if err := json.Unmarshal(rpcResp.Result, health); err != nil {
		return nil, fmt.Errorf("failed to decode health result: %w", err)
	}
	return health, nil
}

// ChannelPhase is the relay chain's view of a channel's lifecycle.
type ChannelPhase string

const (
	ChannelNone      ChannelPhase = "none"
	ChannelRequested ChannelPhase = "requested"
	ChannelAccepted  ChannelPhase = "accepted"
)

// ChannelAdmin is the administrative boundary against the relay chain:
// request a channel open and query whether it has been accepted on-chain.
// The exact protocol behind it is a collaborator concern; the default
// implementation speaks JSON-RPC over the relay node's WebSocket endpoint.
type ChannelAdmin interface {
	OpenChannel(ctx context.Context, channel ChannelSpec) error
	ChannelStatus(ctx context.Context, sender uint32, recipient uint32) (ChannelPhase, error)
	Close() error
}

type wsChannelAdmin struct {
	lock   sync.Mutex
	conn   *websocket.Conn
	nextID uint64
}

// DialChannelAdmin connects to the relay chain's WebSocket RPC endpoint,
// e.g. ws://127.0.0.1:9944.
func DialChannelAdmin(ctx context.Context, endpoint string) (ChannelAdmin, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}
	return &wsChannelAdmin{conn: conn}, nil
}

func (a *wsChannelAdmin) OpenChannel(ctx context.Context, channel ChannelSpec) error {
	params := []interface{}{channel.Sender, channel.Recipient, channel.MaxCapacity, channel.MaxMessageSize}
	return a.call(ctx, "hrmp_openChannel", params, nil)
}

func (a *wsChannelAdmin) ChannelStatus(ctx context.Context, sender uint32, recipient uint32) (ChannelPhase, error) {
	var phase ChannelPhase
	err := a.call(ctx, "hrmp_channelStatus", []interface{}{sender, recipient}, &phase)
	return phase, err
}

func (a *wsChannelAdmin) Close() error {
	return a.conn.Close()
}

// call issues a request and waits for the matching response, dropping any
// interleaved messages with other ids. The connection's deadlines follow the
// context's.
func (a *wsChannelAdmin) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	// The zero time clears the deadline.
	deadline, _ := ctx.Deadline()
	_ = a.conn.SetWriteDeadline(deadline)
	_ = a.conn.SetReadDeadline(deadline)

	a.nextID++
	id := a.nextID
	if err := a.conn.WriteJSON(rpcRequest{
		Version: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}); err != nil {
		return fmt.Errorf("failed to send %s: %w", method, err)
	}

	for {
		resp := rpcResponse{}
		if err := a.conn.ReadJSON(&resp); err != nil {
			return fmt.Errorf("failed to read %s response: %w", method, err)
		}
		if resp.ID != id {
			continue
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil {
			return nil
		}
		return json.Unmarshal(resp.Result, result)
	}
}
