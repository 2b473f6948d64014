package grpcconn

import (
	"context"
	"encoding/base64"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
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

func chatDescriptorSet(t *testing.T) (*descriptorpb.FileDescriptorSet, string) {
	t.Helper()
	strField := func(name string, num int32) *descriptorpb.FieldDescriptorProto {
		return &descriptorpb.FieldDescriptorProto{
			Name:   proto.String(name),
			Number: proto.Int32(num),
			Type:   descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(),
			Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		}
	}
	fds := &descriptorpb.FileDescriptorSet{
		File: []*descriptorpb.FileDescriptorProto{{
			Name:    proto.String("chat.proto"),
			Package: proto.String("chat.v1"),
			Syntax:  proto.String("proto3"),
			MessageType: []*descriptorpb.DescriptorProto{
				{
					Name:  proto.String("SendRequest"),
					Field: []*descriptorpb.FieldDescriptorProto{strField("prompt", 1)},
				},
				{
					Name: proto.String("SendReply"),
					Field: []*descriptorpb.FieldDescriptorProto{
						strField("reply", 1),
						{
							Name:   proto.String("total_tokens"),
							Number: proto.Int32(2),
							Type:   descriptorpb.FieldDescriptorProto_TYPE_INT32.Enum(),
							Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
						},
					},
				},
			},
			Service: []*descriptorpb.ServiceDescriptorProto{{
				Name: proto.String("Chat"),
				Method: []*descriptorpb.MethodDescriptorProto{{
					Name:       proto.String("Send"),
					InputType:  proto.String(".chat.v1.SendRequest"),
					OutputType: proto.String(".chat.v1.SendReply"),
				}},
			}},
		}},
	}
	raw, err := proto.Marshal(fds)
	require.NoError(t, err)
	return fds, base64.StdEncoding.EncodeToString(raw)
}

// chatServer answers chat.v1.Chat/Send dynamically, echoing the prompt.
func chatServer(t *testing.T, fds *descriptorpb.FileDescriptorSet) string {
	t.Helper()
	files, err := protodesc.NewFiles(fds)
	require.NoError(t, err)
	desc, err := files.FindDescriptorByName("chat.v1.Chat")
	require.NoError(t, err)
	method := desc.(protoreflect.ServiceDescriptor).Methods().ByName("Send")
	require.NotNil(t, method)

	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		req := dynamicpb.NewMessage(method.Input())
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		prompt := req.Get(method.Input().Fields().ByName("prompt")).String()
		reply := dynamicpb.NewMessage(method.Output())
		reply.Set(method.Output().Fields().ByName("reply"), protoreflect.ValueOfString("echo: "+prompt))
		reply.Set(method.Output().Fields().ByName("total_tokens"), protoreflect.ValueOfInt32(7))
		return stream.SendMsg(reply)
	}))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func testTarget(endpoint, descriptorSet string) *target.Target {
	return &target.Target{
		ID:       "grpc-1",
		Kind:     target.KindGRPC,
		Endpoint: endpoint,
		Auth:     auth.Config{Kind: auth.KindBearer, Token: "tkn"},
		Request: &template.RequestTemplate{
			MessagePath: "prompt",
			Structure:   map[string]any{"prompt": ""},
		},
		Response: &template.ResponseTemplate{
			ResponsePath:   "reply",
			TokenUsagePath: "totalTokens",
		},
		Protocol: map[string]any{
			"descriptorSet": descriptorSet,
			"service":       "chat.v1.Chat",
			"method":        "Send",
			"plaintext":     true,
		},
	}
}

func TestSendInvokesUnaryMethod(t *testing.T) {
	fds, b64 := chatDescriptorSet(t)
	addr := chatServer(t, fds)

	c, err := New(testTarget(addr, b64))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect(context.Background())

	res, err := c.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", res.Content)
	assert.Equal(t, float64(7), res.Tokens)
	assert.Equal(t, "/chat.v1.Chat/Send", res.Meta["method"])
}

func TestNewRejectsUnknownService(t *testing.T) {
	_, b64 := chatDescriptorSet(t)
	tgt := testTarget("127.0.0.1:0", b64)
	tgt.Protocol["service"] = "chat.v1.Missing"

	_, err := New(tgt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat.v1.Missing")
}

func TestNewRejectsUnknownMethod(t *testing.T) {
	_, b64 := chatDescriptorSet(t)
	tgt := testTarget("127.0.0.1:0", b64)
	tgt.Protocol["method"] = "Stream"

	_, err := New(tgt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Stream")
}

func TestNewRejectsBadDescriptorSet(t *testing.T) {
	tgt := testTarget("127.0.0.1:0", "not-base64!!!")
	_, err := New(tgt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "descriptor set")
}

func TestSendRequiresConnect(t *testing.T) {
	_, b64 := chatDescriptorSet(t)
	c, err := New(testTarget("127.0.0.1:0", b64))
	require.NoError(t, err)

	_, err = c.Send(context.Background(), "hi", nil)
	assert.ErrorIs(t, err, connector.ErrNotConnected)
}
