// Package grpcconn implements the gRPC connector. The service contract is
// supplied at runtime as a base64-encoded FileDescriptorSet; requests are
// built dynamically so no generated stubs are required.
package grpcconn

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/krawall/krawall/auth"
	"github.com/krawall/krawall/connector"
	"github.com/krawall/krawall/target"
	"github.com/krawall/krawall/template"
)

const (
	// DefaultTimeout bounds each unary call when the protocol config is
	// silent.
	DefaultTimeout = 30 * time.Second
	// HealthTimeout bounds health check probes.
	HealthTimeout = 5 * time.Second
)

// Connector invokes a unary gRPC method described by a runtime descriptor
// set.
type Connector struct {
	tgt    *target.Target
	proto  target.GRPCProtocol
	method protoreflect.MethodDescriptor

	mu        sync.Mutex
	conn      *grpc.ClientConn
	connected bool
}

// New builds a gRPC connector, resolving the method descriptor eagerly so
// contract errors surface before any connection attempt.
func New(tgt *target.Target) (*Connector, error) {
	cfg, err := tgt.GRPCProtocol()
	if err != nil {
		return nil, err
	}
	method, err := resolveMethod(cfg)
	if err != nil {
		return nil, err
	}
	return &Connector{tgt: tgt, proto: cfg, method: method}, nil
}

// resolveMethod decodes the descriptor set and locates the configured unary
// method.
func resolveMethod(cfg target.GRPCProtocol) (protoreflect.MethodDescriptor, error) {
	raw, err := base64.StdEncoding.DecodeString(cfg.DescriptorSet)
	if err != nil {
		return nil, fmt.Errorf("decode descriptor set: %w", err)
	}
	var fds descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(raw, &fds); err != nil {
		return nil, fmt.Errorf("parse descriptor set: %w", err)
	}
	files, err := protodesc.NewFiles(&fds)
	if err != nil {
		return nil, fmt.Errorf("build descriptor registry: %w", err)
	}
	desc, err := files.FindDescriptorByName(protoreflect.FullName(cfg.Service))
	if err != nil {
		return nil, fmt.Errorf("service %q not in descriptor set: %w", cfg.Service, err)
	}
	svc, ok := desc.(protoreflect.ServiceDescriptor)
	if !ok {
		return nil, fmt.Errorf("%q is not a service", cfg.Service)
	}
	method := svc.Methods().ByName(protoreflect.Name(cfg.Method))
	if method == nil {
		return nil, fmt.Errorf("method %q not found on service %q", cfg.Method, cfg.Service)
	}
	if method.IsStreamingClient() || method.IsStreamingServer() {
		return nil, fmt.Errorf("method %q is streaming, only unary methods are supported", cfg.Method)
	}
	return method, nil
}

// Connect dials the endpoint. TLS is used unless the protocol config asks
// for plaintext.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	creds := credentials.NewTLS(nil)
	if c.proto.Plaintext {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(c.tgt.Endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return &connector.TransportError{Op: "grpc dial", Err: err}
	}
	c.conn = conn
	c.connected = true
	log.Debugf(ctx, "grpc connector ready: target=%s endpoint=%s method=%s", c.tgt.ID, c.tgt.Endpoint, c.fullMethod())
	return nil
}

// Disconnect closes the client connection.
func (c *Connector) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Connected reports whether Connect succeeded.
func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SupportsStreaming reports false: only unary methods are invoked.
func (c *Connector) SupportsStreaming() bool { return false }

// Send templates the message into the request proto, invokes the method and
// applies the response template to the reply rendered as structured data.
func (c *Connector) Send(ctx context.Context, msg string, meta map[string]any) (*connector.Result, error) {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return nil, connector.ErrNotConnected
	}

	body, err := template.BuildRequest(msg, c.tgt.Request)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	req := dynamicpb.NewMessage(c.method.Input())
	if err := protojson.Unmarshal(payload, req); err != nil {
		return nil, fmt.Errorf("request body does not match %s: %w", c.method.Input().FullName(), err)
	}
	reply := dynamicpb.NewMessage(c.method.Output())

	timeout := DefaultTimeout
	if c.proto.TimeoutMS > 0 {
		timeout = time.Duration(c.proto.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx = c.withAuthMetadata(ctx)

	if err := conn.Invoke(ctx, c.fullMethod(), req, reply); err != nil {
		return nil, &connector.TransportError{Op: "grpc invoke", Err: err}
	}

	raw, err := renderMessage(reply)
	if err != nil {
		return nil, err
	}
	content, err := template.ExtractResponse(raw, c.tgt.Response)
	if err != nil {
		return nil, err
	}
	result := &connector.Result{Content: content, Raw: raw, Meta: map[string]any{"method": c.fullMethod()}}
	if tokens, ok := template.ExtractTokens(raw, c.tgt.Response); ok {
		result.Tokens = tokens
	}
	return result, nil
}

// withAuthMetadata maps auth headers onto outgoing gRPC metadata.
func (c *Connector) withAuthMetadata(ctx context.Context) context.Context {
	headers, err := auth.Headers(c.tgt.Auth)
	if err != nil || len(headers) == 0 {
		return ctx
	}
	pairs := make([]string, 0, len(headers)*2)
	for name, values := range headers {
		for _, v := range values {
			pairs = append(pairs, name, v)
		}
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

// HealthCheck reports the connection state; a connector with a live channel
// is considered healthy since gRPC reconnects transparently.
func (c *Connector) HealthCheck(ctx context.Context) (*connector.Health, error) {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return nil, connector.ErrNotConnected
	}

	started := time.Now()
	health := &connector.Health{CheckedAt: started}
	state := conn.GetState()
	health.LatencyMS = time.Since(started).Milliseconds()
	health.Healthy = state.String() != "SHUTDOWN" && state.String() != "TRANSIENT_FAILURE"
	if !health.Healthy {
		health.Error = fmt.Sprintf("channel state %s", state)
	}
	return health, nil
}

func (c *Connector) fullMethod() string {
	return fmt.Sprintf("/%s/%s", c.proto.Service, c.proto.Method)
}

// renderMessage converts the reply proto into the generic document shape the
// response template operates on.
func renderMessage(m proto.Message) (any, error) {
	buf, err := protojson.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("render reply: %w", err)
	}
	var doc any
	if err := json.Unmarshal(buf, &doc); err != nil {
		return nil, fmt.Errorf("decode rendered reply: %w", err)
	}
	return doc, nil
}
