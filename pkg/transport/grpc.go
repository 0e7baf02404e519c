package transport

import (
	"context"
	"strings"

	"github.com/stleox/callscope/pkg/carrier"
	"github.com/stleox/callscope/pkg/span"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tr "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryClientInterceptor opens a CLIENT span per unary call and writes the
// traceparent into the outgoing metadata.
func UnaryClientInterceptor(w *span.Wrapper) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		service, rpcMethod := splitMethod(method)
		attrs := []attribute.KeyValue{
			semconv.RPCSystemKey.String("grpc"),
			semconv.RPCServiceKey.String(service),
			semconv.RPCMethodKey.String(rpcMethod),
		}
		if cc != nil {
			attrs = append(attrs, semconv.NetPeerNameKey.String(cc.Target()))
		}

		_, err := span.Run(ctx, w, span.Call[grpccodes.Code]{
			Name:       strings.TrimPrefix(method, "/"),
			Kind:       tr.SpanKindClient,
			Attributes: attrs,
			Result: func(code grpccodes.Code) []attribute.KeyValue {
				return []attribute.KeyValue{semconv.RPCGRPCStatusCodeKey.Int(int(code))}
			},
		}, func(ctx context.Context) (grpccodes.Code, error) {
			md, _ := metadata.FromOutgoingContext(ctx)
			md = md.Copy()
			carrier.Inject(ctx, mdCarrier(md))
			err := invoker(metadata.NewOutgoingContext(ctx, md), method, req, reply, cc, opts...)
			return status.Code(err), err
		})
		return err
	}
}

// UnaryServerInterceptor opens a SERVER span per unary call, parented to
// the traceparent of the incoming metadata when one decodes.
func UnaryServerInterceptor(w *span.Wrapper) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		service, rpcMethod := splitMethod(info.FullMethod)

		var parent tr.SpanContext
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if pctx, err := carrier.Extract(ctx, mdCarrier(md)); err == nil {
				parent = tr.SpanContextFromContext(pctx)
			}
		}

		var code grpccodes.Code
		return span.Run(ctx, w, span.Call[any]{
			Name: strings.TrimPrefix(info.FullMethod, "/"),
			Kind: tr.SpanKindServer,
			Attributes: []attribute.KeyValue{
				semconv.RPCSystemKey.String("grpc"),
				semconv.RPCServiceKey.String(service),
				semconv.RPCMethodKey.String(rpcMethod),
			},
			Parent: parent,
			Result: func(any) []attribute.KeyValue {
				return []attribute.KeyValue{semconv.RPCGRPCStatusCodeKey.Int(int(code))}
			},
		}, func(ctx context.Context) (any, error) {
			resp, err := handler(ctx, req)
			code = status.Code(err)
			return resp, err
		})
	}
}

// splitMethod splits "/pkg.Service/Method".
func splitMethod(full string) (string, string) {
	full = strings.TrimPrefix(full, "/")
	if i := strings.LastIndex(full, "/"); i >= 0 {
		return full[:i], full[i+1:]
	}
	return "", full
}

type mdCarrier metadata.MD

func (m mdCarrier) Set(key, value string) { metadata.MD(m).Set(key, value) }

func (m mdCarrier) Get(key string) string {
	if v := metadata.MD(m).Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}
