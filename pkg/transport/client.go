package transport

import (
	"context"
	"crypto/tls"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/meridianfleet/controlplane/pkg/errs"
	"github.com/meridianfleet/controlplane/pkg/transport/wire"
)

// Client is the agent-side handle onto the coordinator's Agent
// Transport: dial once at startup with mTLS, then issue RegisterAgent,
// Heartbeat, ReportServices, StreamMetrics, and DeployService calls
// against the same connection for the agent's lifetime.
type Client struct {
	conn  *grpc.ClientConn
	token string
}

// DialOptions configures Dial.
type DialOptions struct {
	Addr       string
	TLSConfig  *tls.Config
	BearerToken string
}

// Dial opens the mTLS connection to the coordinator's transport
// listener. The returned Client issues every RPC with the JSON call
// content-subtype and the configured bearer token.
func Dial(ctx context.Context, opts DialOptions) (*Client, error) {
	conn, err := grpc.NewClient(opts.Addr,
		grpc.WithTransportCredentials(credentials.NewTLS(opts.TLSConfig)),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(wire.JSONCodecName)),
	)
	if err != nil {
		return nil, errs.Wrap(errs.TransportUnavailable, err, "dial %s", opts.Addr)
	}
	return &Client{conn: conn, token: opts.BearerToken}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// SetToken replaces the bearer token used on subsequent calls, used
// when the agent refreshes a short-lived token.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) ctx(ctx context.Context) context.Context {
	return WithBearer(ctx, c.token)
}

// RegisterAgent registers the agent with the coordinator, returning its
// assigned agentId and interval settings. Safe to call repeatedly; the
// coordinator keys on hostname and returns the same id.
func (c *Client) RegisterAgent(ctx context.Context, req *wire.AgentRegistration) (*wire.RegistrationResponse, error) {
	out := new(wire.RegistrationResponse)
	err := c.conn.Invoke(c.ctx(ctx), methodPath("RegisterAgent"), req, out)
	if err != nil {
		return nil, errs.Wrap(errs.TransportUnavailable, err, "RegisterAgent")
	}
	return out, nil
}

// Heartbeat reports liveness and resource usage, returning any commands
// the coordinator has queued for this agent outside the message fabric.
func (c *Client) Heartbeat(ctx context.Context, req *wire.HeartbeatRequest) (*wire.HeartbeatResponse, error) {
	out := new(wire.HeartbeatResponse)
	err := c.conn.Invoke(c.ctx(ctx), methodPath("Heartbeat"), req, out)
	if err != nil {
		return nil, errs.Wrap(errs.TransportUnavailable, err, "Heartbeat")
	}
	return out, nil
}

// ReportServices sends a full snapshot of locally discovered services.
func (c *Client) ReportServices(ctx context.Context, req *wire.ServiceDiscovery) (*wire.ServiceDiscoveryResponse, error) {
	out := new(wire.ServiceDiscoveryResponse)
	err := c.conn.Invoke(c.ctx(ctx), methodPath("ReportServices"), req, out)
	if err != nil {
		return nil, errs.Wrap(errs.TransportUnavailable, err, "ReportServices")
	}
	return out, nil
}

// ReportCommandResult reports the outcome of a command the agent
// received via Heartbeat's pendingCommands.
func (c *Client) ReportCommandResult(ctx context.Context, result *wire.CommandResult) error {
	out := new(wire.CommandResult)
	err := c.conn.Invoke(c.ctx(ctx), methodPath("ReportCommandResult"), result, out)
	if err != nil {
		return errs.Wrap(errs.TransportUnavailable, err, "ReportCommandResult")
	}
	return nil
}

// MetricsStream is the client-streaming handle for StreamMetrics: send
// batches with Send, then call CloseAndRecv once to get the summary.
type MetricsStream struct {
	stream grpc.ClientStream
}

// StreamMetrics opens a StreamMetrics call.
func (c *Client) StreamMetrics(ctx context.Context) (*MetricsStream, error) {
	desc := &grpc.StreamDesc{StreamName: "StreamMetrics", ClientStreams: true}
	stream, err := c.conn.NewStream(c.ctx(ctx), desc, methodPath("StreamMetrics"))
	if err != nil {
		return nil, errs.Wrap(errs.TransportUnavailable, err, "open StreamMetrics")
	}
	return &MetricsStream{stream: stream}, nil
}

// Send pushes one metrics batch.
func (m *MetricsStream) Send(batch *wire.MetricsBatch) error {
	return m.stream.SendMsg(batch)
}

// CloseAndRecv closes the send side and waits for the coordinator's
// summary.
func (m *MetricsStream) CloseAndRecv() (*wire.MetricsSummary, error) {
	if err := m.stream.CloseSend(); err != nil {
		return nil, err
	}
	summary := new(wire.MetricsSummary)
	if err := m.stream.RecvMsg(summary); err != nil {
		return nil, err
	}
	return summary, nil
}

// DeployStream is the bidi-streaming handle for DeployService.
type DeployStream struct {
	stream grpc.ClientStream
}

// DeployService opens a DeployService call and sends the initial
// request naming the package the agent wants to pull.
func (c *Client) DeployService(ctx context.Context, req *wire.DeployRequest) (*DeployStream, error) {
	desc := &grpc.StreamDesc{StreamName: "DeployService", ClientStreams: true, ServerStreams: true}
	stream, err := c.conn.NewStream(c.ctx(ctx), desc, methodPath("DeployService"))
	if err != nil {
		return nil, errs.Wrap(errs.TransportUnavailable, err, "open DeployService")
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, errs.Wrap(errs.TransportUnavailable, err, "send DeployRequest")
	}
	return &DeployStream{stream: stream}, nil
}

// RecvChunk reads the next package chunk, returning io.EOF once the
// coordinator has sent the final one.
func (d *DeployStream) RecvChunk() (*wire.Chunk, error) {
	chunk := new(wire.Chunk)
	if err := d.stream.RecvMsg(chunk); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errs.Wrap(errs.TransportUnavailable, err, "recv chunk")
	}
	return chunk, nil
}

// SendProgress acknowledges the chunk just received, or reports a
// terminal failure that aborts the transfer.
func (d *DeployStream) SendProgress(p *wire.Progress) error {
	return d.stream.SendMsg(p)
}

// CloseSend closes the agent's send side once the transfer completes.
func (d *DeployStream) CloseSend() error {
	return d.stream.CloseSend()
}

func methodPath(method string) string {
	return "/" + wire.ServiceName + "/" + method
}
