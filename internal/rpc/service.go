// Package rpc implements the read-only gRPC verification service.
//
// Auditors and downstream systems call Verify, GetProof and GetTip over
// gRPC instead of HTTP. The service holds only a Verifier and a Prover, so
// nothing reachable through it can append to a chain.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jmerrifield20/certledger/internal/ledger"
)

// Service implements VerificationServer.
type Service struct {
	verifier *ledger.Verifier
	prover   *ledger.Prover
	logger   *zap.Logger
}

// New creates a verification Service.
func New(verifier *ledger.Verifier, prover *ledger.Prover, logger *zap.Logger) *Service {
	return &Service{verifier: verifier, prover: prover, logger: logger}
}

// Verify implements VerificationServer.Verify.
//
// Request fields: scope (required), from, to, anchor, payload_check.
// Stored payloads are re-digested unless payload_check is false. A broken
// chain is a normal response whose "integrity" is "failure".
func (s *Service) Verify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	scope, err := scopeField(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	var opts ledger.VerifyOptions
	if opts.From, _, err = uintField(req, "from"); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	to, ok, err := uintField(req, "to")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if ok {
		opts.To = &to
	}
	fields := req.GetFields()
	opts.Anchor = fields["anchor"].GetStringValue()
	if v, ok := fields["payload_check"]; ok {
		check, isBool := v.GetKind().(*structpb.Value_BoolValue)
		if !isBool {
			return nil, status.Error(codes.InvalidArgument, "payload_check must be a bool")
		}
		opts.PayloadCheck, opts.SkipPayloadCheck = check.BoolValue, !check.BoolValue
	}

	report, err := s.verifier.Verify(ctx, scope, opts)
	if err != nil {
		return nil, toStatus(err)
	}

	integrity := "ok"
	if !report.OK() {
		integrity = "failure"
	}
	return toStruct(map[string]any{
		"integrity": integrity,
		"statement": report.Statement(),
		"report":    report,
	})
}

// GetProof implements VerificationServer.GetProof. Request fields: scope, seq.
func (s *Service) GetProof(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	scope, err := scopeField(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	seq, ok, err := uintField(req, "seq")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "seq is required")
	}

	proof, err := s.prover.GetProof(ctx, scope, seq)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(proof)
}

// GetTip implements VerificationServer.GetTip. Request fields: scope.
func (s *Service) GetTip(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	scope, err := scopeField(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	tip, err := s.prover.Tip(ctx, scope)
	if err != nil {
		return nil, toStatus(err)
	}
	if tip == nil {
		return nil, status.Errorf(codes.NotFound, "scope %q has no entries", scope)
	}
	return toStruct(tip)
}

// NewServer returns a grpc.Server carrying the verification service and the
// standard health service.
func NewServer(svc *Service, logger *zap.Logger) *grpc.Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	RegisterVerificationServer(srv, svc)

	healthSvc := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, healthSvc)
	healthSvc.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	// gRPC reflection (for grpcurl and Evans)
	reflection.Register(srv)
	return srv
}

// loggingInterceptor returns a gRPC unary server interceptor that logs each call.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ledger.ErrInvalidScope),
		errors.Is(err, ledger.ErrInvalidRange),
		errors.Is(err, ledger.ErrAnchorRequired):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ledger.ErrStorageUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func scopeField(req *structpb.Struct) (string, error) {
	scope := req.GetFields()["scope"].GetStringValue()
	if scope == "" {
		return "", errors.New("scope is required")
	}
	return scope, nil
}

// uintField reads a non-negative integer field. Struct numbers are doubles,
// so values above 2^53 cannot be represented exactly and are refused.
func uintField(req *structpb.Struct, key string) (uint64, bool, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return 0, false, nil
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum {
		return 0, false, fmt.Errorf("%s must be a number", key)
	}
	f := n.NumberValue
	if f < 0 || f != math.Trunc(f) || f > 1<<53 {
		return 0, false, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return uint64(f), true, nil
}

// toStruct converts v through its JSON form so responses carry the same
// field names as the HTTP API.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}
