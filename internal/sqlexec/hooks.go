package sqlexec

import (
	"context"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

type queryLogger struct {
	logger *zap.Logger
}

var _ bun.QueryHook = (*queryLogger)(nil)

func (h *queryLogger) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (h *queryLogger) AfterQuery(_ context.Context, event *bun.QueryEvent) {
	if ce := h.logger.Check(zap.DebugLevel, "sql"); ce != nil {
		ce.Write(
			zap.String("query", event.Query),
			zap.Duration("took", time.Since(event.StartTime)),
			zap.Error(event.Err),
		)
	}
}
