package transfer

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/spaceai-trustvault/internal/domain"
	"github.com/xela07ax/spaceai-trustvault/internal/engine"
)

const (
	KeyChannelService = "trustvault.transfer.v1.KeyChannel"
	releaseKeyMethod  = "/" + KeyChannelService + "/ReleaseKey"

	// PeerTokenHeader — общий токен пары инсталляций в метаданных gRPC.
	PeerTokenHeader = "x-trustvault-peer-token"
	// PeerIDHeader — кто просит ключ, для аудита.
	PeerIDHeader = "x-trustvault-peer-id"
	// TraceHeader — Trace-ID запроса получателя, попадает в аудит отправителя.
	TraceHeader = "x-trace-id"
	// RetryAfterHeader — подсказка клиенту при ResourceExhausted, в секундах.
	RetryAfterHeader = "retry-after"
)

// KeyChannelServer — серверная сторона канала ключей.
// Сообщения — structpb.Struct: {"record_id", "reference"} → {"key"}.
type KeyChannelServer interface {
	ReleaseKey(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var keyChannelDesc = grpc.ServiceDesc{
	ServiceName: KeyChannelService,
	HandlerType: (*KeyChannelServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ReleaseKey", Handler: releaseKeyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "trustvault/transfer/v1/key_channel.proto",
}

func releaseKeyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KeyChannelServer).ReleaseKey(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: releaseKeyMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KeyChannelServer).ReleaseKey(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterKeyChannelServer регистрирует канал ключей на gRPC сервере.
func RegisterKeyChannelServer(s grpc.ServiceRegistrar, srv KeyChannelServer) {
	s.RegisterService(&keyChannelDesc, srv)
}

// PeerTokenInterceptor пропускает только вызовы с верным токеном пары.
func PeerTokenInterceptor(token string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}
		tokens := md.Get(PeerTokenHeader)
		if len(tokens) == 0 || token == "" ||
			subtle.ConstantTimeCompare([]byte(tokens[0]), []byte(token)) != 1 {
			return nil, status.Errorf(codes.Unauthenticated, "invalid peer token")
		}
		return handler(ctx, req)
	}
}

// KeyServer отдает ключи фрагментов брокера отправителя.
type KeyServer struct {
	broker *Broker
	logger *zap.Logger
}

func NewKeyServer(b *Broker, logger *zap.Logger) *KeyServer {
	return &KeyServer{broker: b, logger: logger.Named("key-channel")}
}

func (s *KeyServer) ReleaseKey(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	recordID := fields["record_id"].GetStringValue()
	ref := fields["reference"].GetStringValue()
	if recordID == "" || ref == "" {
		return nil, status.Error(codes.InvalidArgument, "record_id and reference are required")
	}

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(TraceHeader); len(ids) > 0 {
			ctx = engine.WithTraceID(ctx, ids[0])
		}
	}
	key, err := s.broker.ReleaseKey(ctx, recordID, ref, peerName(ctx))
	if err != nil {
		s.logger.Warn("key release refused", zap.String("record_id", recordID), zap.String("reference", ref), zap.Error(err))
		return nil, toStatus(err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	for i := range key {
		key[i] = 0
	}
	return structpb.NewStruct(map[string]interface{}{"key": encoded})
}

func peerName(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(PeerIDHeader); len(ids) > 0 {
			return ids[0]
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "unknown"
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrNotTransferable):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, "key release failed")
	}
}

// KeyClient — KeySource поверх gRPC канала ключей отправителя.
// Вызовы идут через лимитер, предохранитель и повторы.
type KeyClient struct {
	conn     grpc.ClientConnInterface
	token    string
	peerID   string
	reliable *engine.ReliabilityWrapper
}

func NewKeyClient(conn grpc.ClientConnInterface, token, peerID string, reliable *engine.ReliabilityWrapper) *KeyClient {
	return &KeyClient{conn: conn, token: token, peerID: peerID, reliable: reliable}
}

func (c *KeyClient) ReleaseKey(ctx context.Context, recordID, reference string) ([]byte, error) {
	req, err := structpb.NewStruct(map[string]interface{}{"record_id": recordID, "reference": reference})
	if err != nil {
		return nil, err
	}

	resp, err := engine.Call(ctx, c.reliable, func(ctx context.Context) (*structpb.Struct, error) {
		ctx = metadata.AppendToOutgoingContext(ctx, PeerTokenHeader, c.token, PeerIDHeader, c.peerID)
		if id, ok := engine.LookupTraceID(ctx); ok {
			ctx = metadata.AppendToOutgoingContext(ctx, TraceHeader, id)
		}
		out := new(structpb.Struct)
		var trailer metadata.MD
		if err := c.conn.Invoke(ctx, releaseKeyMethod, req, out, grpc.Trailer(&trailer)); err != nil {
			return nil, classify(err, trailer)
		}
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("key channel: %w", err)
	}

	encoded := resp.GetFields()["key"].GetStringValue()
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("key channel: decode key: %w", err)
	}
	return key, nil
}

// classify: отказ по существу не повторяется, перегрузка ждет Retry-After.
func classify(err error, trailer metadata.MD) error {
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied, codes.NotFound,
		codes.FailedPrecondition, codes.InvalidArgument:
		return fmt.Errorf("%w: %v", engine.ErrPermanent, err)
	case codes.ResourceExhausted:
		wait := time.Second
		if v := trailer.Get(RetryAfterHeader); len(v) > 0 {
			if sec, perr := strconv.Atoi(v[0]); perr == nil && sec > 0 {
				wait = time.Duration(sec) * time.Second
			}
		}
		return &engine.ThrottleError{RetryAfter: wait, Cause: err}
	default:
		return err
	}
}
