// Package grpc holds clients for the identity provider's gRPC services.
// Messages travel as google.protobuf.Struct so no generated stubs are needed.
package grpc

import (
	"fmt"
	"math"
	"strconv"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	grpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"chat-session/internal/observability"
)

// Dial opens an instrumented client connection to addr.
func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(observability.GRPCClientMetricsUnaryInterceptor()),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", addr, err)
	}
	return conn, nil
}

func stringField(s *structpb.Struct, key string) string {
	v, ok := s.GetFields()[key]
	if !ok {
		return ""
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return kind.StringValue
	case *structpb.Value_NumberValue:
		if kind.NumberValue == math.Trunc(kind.NumberValue) {
			return strconv.FormatInt(int64(kind.NumberValue), 10)
		}
		return strconv.FormatFloat(kind.NumberValue, 'f', -1, 64)
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(kind.BoolValue)
	}
	return ""
}

func boolField(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}
