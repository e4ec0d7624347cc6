package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// CollectorPushMethod is the unary gRPC method receiving event batches.
const CollectorPushMethod = "/cpufreqd.v1.Collector/Push"

// CollectorSender encodes event batches and sends prepared payloads.
// Params: batch of events and destination address.
// Returns: encoded payload and send status.
type CollectorSender interface {
	Encode(events []Event) ([]byte, error)
	SendBatch(ctx context.Context, address string, events []Event, timeout time.Duration) error
	Send(ctx context.Context, address string, payload []byte, timeout time.Duration) error
}

// GRPCSender pushes structpb event lists over cached gRPC connections.
// Params: optional extra dial options (custom dialers in tests).
// Returns: sender implementation.
type GRPCSender struct {
	DialOptions []grpc.DialOption

	mu    sync.RWMutex
	conns map[string]*grpc.ClientConn
}

// Close closes all cached gRPC connections.
// Params: none.
// Returns: first close error when present.
func (s *GRPCSender) Close() error {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	var firstErr error
	for _, conn := range conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Encode serializes a batch into a protobuf ListValue payload.
// Params: events batch.
// Returns: protobuf payload or encode error.
func (s *GRPCSender) Encode(events []Event) ([]byte, error) {
	request, err := buildPushRequest(events)
	if err != nil {
		return nil, err
	}

	payload, err := proto.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal push request: %w", err)
	}
	return payload, nil
}

// SendBatch encodes events and pushes them to one collector address.
// Params: ctx lifecycle context; address destination host:port; events batch; timeout dial/call timeout.
// Returns: send error on encode/connect/rpc failure.
func (s *GRPCSender) SendBatch(ctx context.Context, address string, events []Event, timeout time.Duration) error {
	request, err := buildPushRequest(events)
	if err != nil {
		return err
	}
	return s.push(ctx, address, request, timeout)
}

// Send decodes a spooled payload and pushes it to one collector address.
// Params: ctx lifecycle context; address destination host:port; payload encoded request; timeout dial/call timeout.
// Returns: send error on decode/connect/rpc failure.
func (s *GRPCSender) Send(ctx context.Context, address string, payload []byte, timeout time.Duration) error {
	var request structpb.ListValue
	if err := proto.Unmarshal(payload, &request); err != nil {
		return fmt.Errorf("unmarshal push request: %w", err)
	}
	return s.push(ctx, address, &request, timeout)
}

// push invokes the collector push method on one address.
// Params: ctx lifecycle context; address destination; request prepared list; timeout call timeout.
// Returns: connect or rpc error; failed connections are evicted from cache.
func (s *GRPCSender) push(ctx context.Context, address string, request *structpb.ListValue, timeout time.Duration) error {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return fmt.Errorf("collector address is empty")
	}

	conn, err := s.connFor(ctx, addr, timeout)
	if err != nil {
		return err
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := conn.Invoke(callCtx, CollectorPushMethod, request, &emptypb.Empty{}); err != nil {
		s.dropAddress(addr)
		return fmt.Errorf("push events %s: %w", addr, err)
	}
	return nil
}

// connFor returns cached connection or dials and stores a new one.
// Params: ctx lifecycle context; address destination; timeout dial timeout.
// Returns: client connection or dial error.
func (s *GRPCSender) connFor(ctx context.Context, address string, timeout time.Duration) (*grpc.ClientConn, error) {
	s.mu.RLock()
	conn, ok := s.conns[address]
	s.mu.RUnlock()
	if ok {
		return conn, nil
	}

	dialCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	options := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, s.DialOptions...)
	conn, err := grpc.DialContext(dialCtx, address, options...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		s.conns = make(map[string]*grpc.ClientConn)
	}
	if cached, exists := s.conns[address]; exists {
		_ = conn.Close()
		return cached, nil
	}
	s.conns[address] = conn
	return conn, nil
}

// dropAddress closes and forgets the connection for one address.
// Params: address destination host:port.
// Returns: none.
func (s *GRPCSender) dropAddress(address string) {
	s.mu.Lock()
	conn, exists := s.conns[address]
	delete(s.conns, address)
	s.mu.Unlock()

	if exists {
		_ = conn.Close()
	}
}

// buildPushRequest converts events into a list of flat structs.
// Params: events batch.
// Returns: protobuf list or conversion error (non-finite values are rejected).
func buildPushRequest(events []Event) (*structpb.ListValue, error) {
	request := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(events))}

	for idx, event := range events {
		if math.IsNaN(event.Value) || math.IsInf(event.Value, 0) {
			return nil, fmt.Errorf("encode event[%d]: non-finite value", idx)
		}
		encoded, err := structpb.NewStruct(event.fields())
		if err != nil {
			return nil, fmt.Errorf("encode event[%d]: %w", idx, err)
		}
		request.Values = append(request.Values, structpb.NewStructValue(encoded))
	}

	return request, nil
}
