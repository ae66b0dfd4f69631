// Package model talks to the depth model service over gRPC. The service owns
// the network and its optimizer; this side sends batches and gradients and
// receives predicted disparities and opaque snapshots.
package model

import (
	"context"
	"fmt"
	"io"

	"github.com/yufeng1707/Depth-Estimation/internal/field"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const service = "/rdnet.v1.DepthModel/"

// #region types
// Snapshot is the opaque parameter and optimizer state of the service.
type Snapshot struct {
	Model     []byte
	Optimizer []byte
}

// Options configures the optimizer owned by the service.
type Options struct {
	Optimizer   string
	WeightDecay float64
	AdamEps     float64
}

// #endregion types

// #region client-struct
// Client wraps the gRPC connection to the model service.
type Client struct {
	conn   grpc.ClientConnInterface
	closer io.Closer
}

// #endregion client-struct

// #region constructor
// NewClient connects to the model service at addr.
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, closer: conn}, nil
}

// NewClientWithConn creates a Client over an injected connection.
// Used for testing without a real server.
func NewClientWithConn(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close shuts down the gRPC connection.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// #endregion constructor

// #region forward
// Forward predicts a disparity field for an image batch with its side
// channels.
func (c *Client) Forward(ctx context.Context, image *field.Field, embedding, bbox field.Array) (*field.Field, error) {
	resp, err := c.invoke(ctx, "Forward", map[string]any{
		"image":     encodeField(image),
		"embedding": encodeArray(embedding),
		"bbox":      encodeArray(bbox),
	})
	if err != nil {
		return nil, err
	}
	disp, err := decodeField(resp.GetFields()["disparity"])
	if err != nil {
		return nil, fmt.Errorf("forward response: %w", err)
	}
	return disp, nil
}

// #endregion forward

// #region step
// Step back-propagates grad, the loss gradient with respect to the last
// Forward output, and applies one optimizer step at learning rate lr.
func (c *Client) Step(ctx context.Context, grad *field.Field, lr float64) error {
	_, err := c.invoke(ctx, "Step", map[string]any{
		"grad":          encodeField(grad),
		"learning_rate": lr,
	})
	return err
}

// Configure sets up the service optimizer before the first step.
func (c *Client) Configure(ctx context.Context, o Options) error {
	_, err := c.invoke(ctx, "Configure", map[string]any{
		"optimizer":    o.Optimizer,
		"weight_decay": o.WeightDecay,
		"adam_eps":     o.AdamEps,
	})
	return err
}

// SetTraining switches the service between training and inference mode.
func (c *Client) SetTraining(ctx context.Context, training bool) error {
	_, err := c.invoke(ctx, "SetTraining", map[string]any{"training": training})
	return err
}

// #endregion step

// #region snapshot
// Snapshot fetches the current model and optimizer state.
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	resp, err := c.invoke(ctx, "Snapshot", map[string]any{})
	if err != nil {
		return Snapshot{}, err
	}
	fields := resp.GetFields()
	m, err := decodeBytes(fields["model"])
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot model: %w", err)
	}
	o, err := decodeBytes(fields["optimizer"])
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot optimizer: %w", err)
	}
	return Snapshot{Model: m, Optimizer: o}, nil
}

// Restore loads s into the service.
func (c *Client) Restore(ctx context.Context, s Snapshot) error {
	_, err := c.invoke(ctx, "Restore", map[string]any{
		"model":     encodeBytes(s.Model),
		"optimizer": encodeBytes(s.Optimizer),
	})
	return err
}

// #endregion snapshot

// #region invoke
func (c *Client) invoke(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", method, err)
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, service+method, in, out); err != nil {
		return nil, fmt.Errorf("%s rpc: %w", method, err)
	}
	return out, nil
}

// #endregion invoke
