package channel

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// logStreamInterceptor logs every stream the client opens along with how
// long the server took to answer the handshake
func logStreamInterceptor(logger zerolog.Logger) grpc.StreamClientInterceptor {
	return func(
		ctx context.Context,
		desc *grpc.StreamDesc,
		cc *grpc.ClientConn,
		method string,
		streamer grpc.Streamer,
		opts ...grpc.CallOption,
	) (grpc.ClientStream, error) {
		start := time.Now()
		stream, err := streamer(ctx, desc, cc, method, opts...)
		if err != nil {
			logger.Debug().
				Str("method", method).
				Str("code", status.Code(err).String()).
				Dur("elapsed", time.Since(start)).
				Msg("Stream open failed")
			return nil, err
		}
		logger.Debug().Str("method", method).Str("target", cc.Target()).Msg("Stream opened")
		return stream, nil
	}
}
