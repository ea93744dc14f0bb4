package server

import (
	"context"
	"encoding/json"
	"time"

	"PariLedger/internal/observability"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// LedgerServiceName is the gRPC service exposing the ledger. Messages use the
// "json" content subtype with the same shapes as the HTTP gateway.
const LedgerServiceName = "pari.ledger.v1.Ledger"

// callerMetadataKey is the gRPC counterpart of CallerHeader.
const callerMetadataKey = "x-caller-id"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ledgerService is what the service descriptor is registered against.
type ledgerService interface {
	check(req any) error
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: LedgerServiceName,
	HandlerType: (*ledgerService)(nil),
	Methods: []grpc.MethodDesc{
		unary("Initialize", (*api).initialize),
		unary("CreateMarket", (*api).createMarket),
		unary("PlaceBet", (*api).placeBet),
		unary("LockMarket", (*api).lockMarket),
		unary("ResolveMarket", (*api).resolveMarket),
		unary("CancelMarket", (*api).cancelMarket),
		unary("ClaimWinnings", (*api).claimWinnings),
		unary("Deposit", (*api).deposit),
		unary("Withdraw", (*api).withdraw),
		unary("RebuildIndices", (*api).rebuildIndices),
		unary("GetMarket", (*api).getMarket),
		unary("ListMarkets", (*api).listMarkets),
		unary("MarketBets", (*api).marketBets),
		unary("GetBet", (*api).getBet),
		unary("GetBalance", (*api).balance),
		unary("OwnerBets", (*api).ownerBets),
		unary("Quote", (*api).quote),
		unary("GetStats", (*api).stats),
		unary("Audit", (*api).audit),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pari/ledger/v1/ledger.json",
}

func unary[Req, Resp any](name string, call func(*api, context.Context, string, *Req) (Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + LedgerServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "%s: %v", codeInvalidRequest, err)
			}
			a := srv.(*api)
			handler := func(ctx context.Context, r any) (any, error) {
				out, err := call(a, ctx, callerFromContext(ctx), r.(*Req))
				if err != nil {
					return nil, grpcError(err)
				}
				return out, nil
			}
			if interceptor == nil {
				return handler(ctx, req)
			}
			return interceptor(ctx, req, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, handler)
		},
	}
}

func callerFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(callerMetadataKey); len(v) > 0 {
		return v[0]
	}
	return ""
}

// unaryInterceptor records the same request metrics as the HTTP gateway.
func unaryInterceptor(metrics *observability.Metrics, log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		if metrics != nil {
			metrics.QueryRequests.WithLabelValues(info.FullMethod, code.String()).Inc()
			metrics.QueryDuration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
		}
		if code == codes.Internal || code == codes.Unavailable {
			log.Error().Err(err).Str("method", info.FullMethod).Msg("rpc failed")
		}
		return resp, err
	}
}

// Call invokes a ledger method over conn, identifying as caller.
func Call(ctx context.Context, conn grpc.ClientConnInterface, method, caller string, req, resp any) error {
	if caller != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, callerMetadataKey, caller)
	}
	return conn.Invoke(ctx, "/"+LedgerServiceName+"/"+method, req, resp, grpc.CallContentSubtype("json"))
}
