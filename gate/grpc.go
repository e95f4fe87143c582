package gate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// PaymentMetadata returns the assertion transport field of incoming gRPC
// metadata. x-payment wins over payment-signature.
func PaymentMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, key := range []string{HeaderPayment, HeaderPaymentSignature} {
		if values := md.Get(key); len(values) > 0 {
			if v := strings.TrimSpace(values[0]); v != "" {
				return v
			}
		}
	}
	return ""
}

// UnaryServerInterceptor gates unary calls, priced by full method name.
// Refused calls fail with FailedPrecondition and carry the payment request,
// base64 JSON, in the payment-required trailer.
func (g *Gate) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		d, err := g.Check(ctx, info.FullMethod, PaymentMetadata(ctx))
		if err != nil {
			return nil, status.Error(codes.Internal, "payment verification unavailable")
		}

		if !d.Allowed() {
			if encoded, err := encodeJSON(d.Required); err == nil {
				_ = grpc.SetTrailer(ctx, metadata.Pairs(TrailerPaymentRequired, encoded))
			}
			return nil, status.Error(codes.FailedPrecondition, d.Required.Error)
		}

		if d.Assertion == nil {
			return handler(ctx, req)
		}

		ctx = WithAssertion(ctx, d.Assertion)
		resp, err := handler(ctx, req)
		if err != nil {
			return nil, err
		}

		if result := g.settle(ctx, d); result != nil {
			if encoded, err := encodeJSON(result); err == nil {
				_ = grpc.SetTrailer(ctx, metadata.Pairs(HeaderPaymentResponse, encoded))
			}
		}
		return resp, nil
	}
}

func encodeJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeTrailer decodes a payment-required or x-payment-response trailer
// value into v
func DecodeTrailer(encoded string, v any) error {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
