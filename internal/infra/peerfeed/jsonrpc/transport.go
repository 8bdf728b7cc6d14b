// Package jsonrpc adapts a JSON-RPC 2.0 block deliver endpoint to the
// eventsource.Transport contract by polling blocks sequentially from a start
// height. It is the reference wire adapter; production deployments supply
// their own transport implementation.
package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/gabapcia/commitstream/internal/eventsource"
	internalhttp "github.com/gabapcia/commitstream/internal/pkg/transport/http"
	"github.com/gabapcia/commitstream/internal/pkg/transport/jsonrpc"
	"github.com/gabapcia/commitstream/internal/pkg/x/chflow"
)

const (
	methodLatestBlockNumber = "deliver_getLatestBlockNumber"
	methodGetBlock          = "deliver_getBlock"

	defaultPollInterval     = 1 * time.Second
	eventChannelBufferSize  = 10
	defaultEndpointTemplate = "http://%s"
)

// Transport dials peers over HTTP JSON-RPC.
type Transport struct {
	httpClient       *nethttp.Client
	pollInterval     time.Duration
	endpointTemplate string
}

// Compile-time assertion that Transport implements eventsource.Transport.
var _ eventsource.Transport = (*Transport)(nil)

// config holds Transport construction options.
type config struct {
	httpClient       *nethttp.Client
	pollInterval     time.Duration
	endpointTemplate string
}

// Option customizes a Transport.
type Option func(*config)

// WithHTTPClient overrides the default retrying HTTP client.
func WithHTTPClient(c *nethttp.Client) Option {
	return func(cfg *config) {
		cfg.httpClient = c
	}
}

// WithPollInterval sets how long to wait before re-asking for a block the
// peer has not produced yet. Default: 1 second.
func WithPollInterval(d time.Duration) Option {
	return func(cfg *config) {
		cfg.pollInterval = d
	}
}

// WithEndpointTemplate sets the fmt template turning a peer address into an
// RPC endpoint URL. Default: "http://%s".
func WithEndpointTemplate(tpl string) Option {
	return func(cfg *config) {
		cfg.endpointTemplate = tpl
	}
}

// NewTransport builds a Transport. By default requests go through a
// retryablehttp client with its standard pacing.
func NewTransport(opts ...Option) *Transport {
	cfg := config{
		pollInterval:     defaultPollInterval,
		endpointTemplate: defaultEndpointTemplate,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.httpClient == nil {
		cfg.httpClient = internalhttp.NewClient().StandardClient()
	}

	return &Transport{
		httpClient:       cfg.httpClient,
		pollInterval:     cfg.pollInterval,
		endpointTemplate: cfg.endpointTemplate,
	}
}

// Connect probes the peer's RPC endpoint and returns a connection bound to
// it. An unreachable endpoint fails here rather than on the first delivery.
func (t *Transport) Connect(ctx context.Context, peer eventsource.Peer) (eventsource.Conn, error) {
	client := jsonrpc.NewClient(t.httpClient, fmt.Sprintf(t.endpointTemplate, peer.Address))

	if _, err := client.Call(ctx, methodLatestBlockNumber); err != nil {
		return nil, fmt.Errorf("probing peer %s: %w", peer.Address, err)
	}

	return &conn{
		client:       client,
		pollInterval: t.pollInterval,
	}, nil
}

// conn is one established peer session. Each Deliver call runs its own
// polling loop.
type conn struct {
	client       jsonrpc.Client
	pollInterval time.Duration

	cancels []context.CancelFunc
}

// wireBlock is the block document the deliver endpoint returns.
type wireBlock struct {
	Number       uint64 `json:"number"`
	Hash         string `json:"hash"`
	Transactions []struct {
		ID     string `json:"id"`
		Status int32  `json:"status"`
	} `json:"transactions"`
}

func (w wireBlock) toEvent() eventsource.BlockEvent {
	event := eventsource.BlockEvent{
		Number:       w.Number,
		Hash:         w.Hash,
		Transactions: make([]eventsource.TransactionEvent, 0, len(w.Transactions)),
	}
	for _, tx := range w.Transactions {
		event.Transactions = append(event.Transactions, eventsource.TransactionEvent{
			ID:     tx.ID,
			Status: eventsource.TxValidationCode(tx.Status),
		})
	}
	return event
}

// Deliver opens a block stream. A nil StartBlock begins after the peer's
// current latest block ("from now").
func (c *conn) Deliver(ctx context.Context, req eventsource.DeliverRequest) (eventsource.Delivery, error) {
	start := uint64(0)
	if req.StartBlock != nil {
		start = *req.StartBlock
	} else {
		raw, err := c.client.Call(ctx, methodLatestBlockNumber)
		if err != nil {
			return nil, err
		}

		var latest uint64
		if err := json.Unmarshal(raw, &latest); err != nil {
			return nil, err
		}
		start = latest + 1
	}

	// The delivery outlives the Deliver call's context.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancels = append(c.cancels, cancel)

	d := &delivery{
		events: make(chan eventsource.BlockEvent, eventChannelBufferSize),
		done:   make(chan error, 1),
		cancel: cancel,
	}

	go d.run(runCtx, c.client, req, start, c.pollInterval)
	return d, nil
}

// Close stops every delivery opened on this connection.
func (c *conn) Close() error {
	for _, cancel := range c.cancels {
		cancel()
	}
	return nil
}

// delivery is one polling block stream.
type delivery struct {
	events chan eventsource.BlockEvent
	done   chan error
	cancel context.CancelFunc
}

func (d *delivery) Events() <-chan eventsource.BlockEvent {
	return d.events
}

func (d *delivery) Done() <-chan error {
	return d.done
}

func (d *delivery) Stop() {
	d.cancel()
}

// run polls blocks sequentially from next until the end block, a transport
// failure, or cancellation. Blocks the peer has not produced yet are
// re-requested after the poll interval.
func (d *delivery) run(ctx context.Context, client jsonrpc.Client, req eventsource.DeliverRequest, next uint64, pollInterval time.Duration) {
	defer close(d.events)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		raw, err := client.Call(ctx, methodGetBlock, next, req.Kind.String())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.done <- err
			return
		}

		if len(raw) == 0 || string(raw) == "null" {
			// Block not produced yet; poll again later.
			if _, ok := chflow.Receive(ctx, ticker.C); !ok {
				return
			}
			continue
		}

		var block wireBlock
		if err := json.Unmarshal(raw, &block); err != nil {
			d.done <- err
			return
		}

		if ok := chflow.Send(ctx, d.events, block.toEvent()); !ok {
			return
		}

		if req.EndBlock != nil && next >= *req.EndBlock {
			d.done <- nil
			return
		}
		next++
	}
}
