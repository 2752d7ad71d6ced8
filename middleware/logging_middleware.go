package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) (any, error) {
			start := time.Now()
			result, err := next(ctx, call)
			fields := []zap.Field{
				zap.String("method", call.FullMethod()),
				zap.Duration("duration", time.Since(start)),
			}
			if len(call.ID) > 0 {
				fields = append(fields, zap.ByteString("id", call.ID))
			}
			if err != nil {
				logger.Warn("relayed call failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("relayed call", fields...)
			}
			return result, err
		}
	}
}
