// Package relay carries announcements through a central gRPC relay: peers
// that cannot reach each other directly publish to it, subscribe to it,
// and query its history when they come back online.
package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"freepress/pkg/metrics"
	"freepress/pkg/substrate"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const subscriberBuffer = 256

type subscription struct {
	topic string
	peer  string
	ch    chan substrate.Message
}

// Server fans published messages out to subscribers and retains them in
// a HistoryStore.
type Server struct {
	UnimplementedRelayServer

	history HistoryStore
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu   sync.RWMutex
	subs map[*subscription]struct{}

	closing   chan struct{}
	closeOnce sync.Once
}

func NewServer(history HistoryStore, logger *zap.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Server{
		history: history,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		subs:    make(map[*subscription]struct{}),
		closing: make(chan struct{}),
	}
}

func (s *Server) Publish(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	msg, err := decodeMessage(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if msg.Topic == "" {
		return nil, status.Error(codes.InvalidArgument, "missing topic")
	}
	msg.ReceivedAt = s.now()

	if err := s.history.Append(ctx, msg); err != nil {
		// Live delivery still happens; only replay loses this message.
		s.logger.Error("Failed to store relayed message", zap.String("topic", msg.Topic), zap.Error(err))
	}

	s.mu.RLock()
	for sub := range s.subs {
		if sub.topic != msg.Topic {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			s.logger.Debug("Dropping message for slow subscriber", zap.String("peer", sub.peer))
		}
	}
	s.mu.RUnlock()

	s.metrics.RelayMessages.WithLabelValues("publish").Inc()
	return &emptypb.Empty{}, nil
}

func (s *Server) Subscribe(in *wrapperspb.BytesValue, stream Relay_SubscribeServer) error {
	req, err := decodeRequest(in.GetValue())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	sub := &subscription{topic: req.Topic, peer: req.Peer, ch: make(chan substrate.Message, subscriberBuffer)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	s.metrics.RelaySubscribers.Inc()
	defer func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
		s.metrics.RelaySubscribers.Dec()
		s.logger.Debug("Relay subscriber left", zap.String("peer", req.Peer), zap.String("topic", req.Topic))
	}()

	// The header tells the client it is registered.
	if err := stream.SendHeader(metadata.MD{}); err != nil {
		return err
	}
	s.logger.Debug("Relay subscriber joined", zap.String("peer", req.Peer), zap.String("topic", req.Topic))

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closing:
			return nil
		case msg := <-sub.ch:
			if err := stream.Send(wrapperspb.Bytes(encodeMessage(msg))); err != nil {
				return err
			}
		}
	}
}

func (s *Server) Query(in *wrapperspb.BytesValue, stream Relay_QueryServer) error {
	req, err := decodeRequest(in.GetValue())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	msgs, err := s.history.Since(stream.Context(), req.Topic, req.Since)
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	s.metrics.RelayMessages.WithLabelValues("query").Inc()

	for _, msg := range msgs {
		if err := stream.Send(wrapperspb.Bytes(encodeMessage(msg))); err != nil {
			return err
		}
	}
	return nil
}

// Peers counts distinct subscribed peers other than the caller.
func (s *Server) Peers(_ context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	req, err := decodeRequest(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	connected := make(map[string]struct{})
	onTopic := make(map[string]struct{})
	s.mu.RLock()
	for sub := range s.subs {
		if sub.peer == req.Peer {
			continue
		}
		connected[sub.peer] = struct{}{}
		if sub.topic == req.Topic {
			onTopic[sub.peer] = struct{}{}
		}
	}
	s.mu.RUnlock()

	return wrapperspb.Bytes(encodePeers(peerCounts{Connected: len(connected), Topic: len(onTopic)})), nil
}

// Serve runs the relay on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener, opts ...grpc.ServerOption) error {
	opts = append([]grpc.ServerOption{
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             keepaliveTime / 2,
			PermitWithoutStream: true,
		}),
	}, opts...)
	srv := grpc.NewServer(opts...)
	RegisterRelayServer(srv, s)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()
	s.logger.Info("Relay listening", zap.String("address", lis.Addr().String()))

	select {
	case <-ctx.Done():
		s.logger.Info("Relay shutting down")
		s.closeOnce.Do(func() { close(s.closing) })
		stopped := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			srv.Stop()
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}
