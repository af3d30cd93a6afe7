package grpchub

import (
	"context"

	grpc_retry "github.com/grpc-ecosystem/go-grpc-middleware/retry"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Dial connects to a hub endpoint. Hub traffic stays on the local machine, so
// the connection is plaintext; transient failures are retried per call.
func Dial(ctx context.Context, address string) (*grpc.ClientConn, error) {
	conn, err := grpc.DialContext(ctx, address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(grpc_retry.UnaryClientInterceptor()),
		grpc.WithChainStreamInterceptor(grpc_retry.StreamClientInterceptor()),
	)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to dial gRPC hub")
	}
	return conn, nil
}
