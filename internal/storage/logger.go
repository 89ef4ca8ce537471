package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"netintercept/internal/logger"
	"netintercept/pkg/domain"
)

type requestIDKey struct{}

// WithRequestID 让本次写入产生的 SQL 日志带上拦截请求ID
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// GormLogger 把 GORM 日志写入会话日志，每条都带会话ID
type GormLogger struct {
	log           logger.Logger
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

// NewGormLogger 默认只记录错误和慢查询
func NewGormLogger(l logger.Logger, session domain.SessionID) *GormLogger {
	if session != "" {
		l = l.With("session", string(session))
	}
	return &GormLogger{
		log:           l.With("component", "storage"),
		level:         gormlogger.Warn,
		slowThreshold: 200 * time.Millisecond,
	}
}

func (g *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *g
	cp.level = level
	return &cp
}

func (g *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if g.level >= gormlogger.Info {
		g.log.Info(msg, g.fields(ctx, "args", data)...)
	}
}

func (g *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if g.level >= gormlogger.Warn {
		g.log.Warn(msg, g.fields(ctx, "args", data)...)
	}
}

func (g *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if g.level >= gormlogger.Error {
		g.log.Error(msg, g.fields(ctx, "args", data)...)
	}
}

// Trace 记录失败和慢的事件写入；查不到记录不算错误
func (g *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && g.level >= gormlogger.Error:
		sql, rows := fc()
		g.log.Err(err, "事件存储SQL失败", g.fields(ctx, "sql", sql, "rows", rows, "elapsed", elapsed)...)
	case g.slowThreshold > 0 && elapsed > g.slowThreshold && g.level >= gormlogger.Warn:
		sql, rows := fc()
		g.log.Warn("事件存储写入缓慢", g.fields(ctx, "sql", sql, "rows", rows, "elapsed", elapsed)...)
	case g.level >= gormlogger.Info:
		sql, rows := fc()
		g.log.Debug("事件存储SQL", g.fields(ctx, "sql", sql, "rows", rows, "elapsed", elapsed)...)
	}
}

func (g *GormLogger) fields(ctx context.Context, kv ...any) []any {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return append(kv, "requestId", id)
	}
	return kv
}
