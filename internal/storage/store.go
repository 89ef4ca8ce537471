// Package storage 把拦截事件持久化到 SQLite，写入在后台批量进行，
// 队列满时丢弃事件以免阻塞分发。
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"netintercept/internal/intercept"
	"netintercept/internal/logger"
	"netintercept/pkg/domain"
	"netintercept/pkg/traffic"
)

const (
	defaultQueueSize = 1024
	batchSize        = 64
	flushInterval    = 200 * time.Millisecond
)

// ErrClosed 存储已关闭
var ErrClosed = errors.New("storage: closed")

// EventRecord 事件表
type EventRecord struct {
	ID           uint   `gorm:"primaryKey"`
	Session      string `gorm:"size:64;index"`
	Target       string `gorm:"size:128;index"`
	RequestID    string `gorm:"size:64;index"`
	URL          string
	Method       string `gorm:"size:16"`
	ResourceType string `gorm:"size:32;index"`
	Scope        string `gorm:"size:160"`
	Disposition  string `gorm:"size:16;index"`
	RedirectURL  string
	ErrorKind    string `gorm:"size:16"`
	Bypassed     bool
	Changed      bool
	DurationMS   int64
	Detail       string    // JSON：请求头、误用、第一方URL等
	CreatedAt    time.Time `gorm:"index"`
}

// Options 存储配置
type Options struct {
	DSN       string
	Prefix    string
	Session   domain.SessionID
	QueueSize int
	Logger    logger.Logger
}

// Store 事件存储，同时是拦截管线的观察者
type Store struct {
	db      *gorm.DB
	session domain.SessionID
	log     logger.Logger

	queue     chan job
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

type job struct {
	rec     *EventRecord
	flushed chan struct{}
}

// Open 打开数据库并迁移表结构
func Open(opts Options) (*Store, error) {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(opts.DSN), &gorm.Config{
		Logger:         NewGormLogger(l, opts.Session),
		NamingStrategy: schema.NamingStrategy{TablePrefix: opts.Prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", opts.DSN, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite 单写者
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	s := &Store{
		db:      db,
		session: opts.Session,
		log:     l,
		queue:   make(chan job, size),
		done:    make(chan struct{}),
	}
	go s.writeLoop()
	l.Info("事件存储已打开", "dsn", opts.DSN)
	return s, nil
}

var _ intercept.Observer = (*Store)(nil)

// Observe 异步记录一次分发结果，事件归属于 Options.Session
func (s *Store) Observe(req traffic.Request, res intercept.Result) {
	s.enqueue(s.session, req, res)
}

// ForSession 返回把事件记录到指定会话的观察者，多个会话可共享一个存储
func (s *Store) ForSession(id domain.SessionID) intercept.Observer {
	return intercept.ObserverFunc(func(req traffic.Request, res intercept.Result) {
		s.enqueue(id, req, res)
	})
}

func (s *Store) enqueue(session domain.SessionID, req traffic.Request, res intercept.Result) {
	rec := newRecord(res.Event(session, req), req, res)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- job{rec: rec}:
	default:
		s.log.Warn("事件存储队列已满，丢弃事件", "url", req.URL)
	}
}

// Save 同步写入一条事件
func (s *Store) Save(ctx context.Context, ev domain.InterceptEvent) error {
	rec := newRecord(ev, traffic.Request{}, intercept.Result{})
	return s.db.WithContext(WithRequestID(ctx, ev.RequestID)).Create(rec).Error
}

// Flush 等待已入队的事件写入完成
func (s *Store) Flush(ctx context.Context) error {
	ch := make(chan struct{})
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	select {
	case s.queue <- job{flushed: ch}:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 写完剩余事件并关闭数据库
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
		<-s.done
		sqlDB, e := s.db.DB()
		if e != nil {
			err = e
			return
		}
		err = sqlDB.Close()
	})
	return err
}

func (s *Store) writeLoop() {
	defer close(s.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*EventRecord, 0, batchSize)
	write := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.db.CreateInBatches(batch, batchSize).Error; err != nil {
			s.log.Err(err, "写入事件失败", "count", len(batch))
		}
		batch = batch[:0]
	}
	for {
		select {
		case j, ok := <-s.queue:
			if !ok {
				write()
				return
			}
			if j.rec != nil {
				batch = append(batch, j.rec)
				if len(batch) >= batchSize {
					write()
				}
			}
			if j.flushed != nil {
				write()
				close(j.flushed)
			}
		case <-ticker.C:
			write()
		}
	}
}

func newRecord(ev domain.InterceptEvent, req traffic.Request, res intercept.Result) *EventRecord {
	detail := "{}"
	if len(res.Headers) > 0 {
		detail, _ = sjson.Set(detail, "headers", map[string]string(res.Headers))
	}
	if len(ev.UsageErrors) > 0 {
		detail, _ = sjson.Set(detail, "usageErrors", ev.UsageErrors)
	}
	if req.FirstPartyURL != "" {
		detail, _ = sjson.Set(detail, "firstPartyUrl", req.FirstPartyURL)
	}
	if req.Initiator != "" {
		detail, _ = sjson.Set(detail, "initiator", req.Initiator)
	}
	if res.Deferred {
		detail, _ = sjson.Set(detail, "deferred", true)
	}
	if res.TimedOut {
		detail, _ = sjson.Set(detail, "timedOut", true)
	}
	created := time.Now()
	if ev.Timestamp > 0 {
		created = time.UnixMilli(ev.Timestamp)
	}
	return &EventRecord{
		Session:      string(ev.Session),
		Target:       string(ev.Target),
		RequestID:    ev.RequestID,
		URL:          ev.URL,
		Method:       ev.Method,
		ResourceType: string(ev.ResourceType),
		Scope:        ev.Scope,
		Disposition:  string(ev.Disposition),
		RedirectURL:  ev.RedirectURL,
		ErrorKind:    string(ev.ErrorKind),
		Bypassed:     ev.Bypassed,
		Changed:      ev.Changed,
		DurationMS:   ev.DurationMS,
		Detail:       detail,
		CreatedAt:    created,
	}
}

// Event 转换回事件
func (r *EventRecord) Event() domain.InterceptEvent {
	ev := domain.InterceptEvent{
		Session:      domain.SessionID(r.Session),
		Target:       domain.TargetID(r.Target),
		Timestamp:    r.CreatedAt.UnixMilli(),
		RequestID:    r.RequestID,
		URL:          r.URL,
		Method:       r.Method,
		ResourceType: domain.ResourceType(r.ResourceType),
		Scope:        r.Scope,
		Disposition:  domain.Disposition(r.Disposition),
		RedirectURL:  r.RedirectURL,
		ErrorKind:    domain.ErrorKind(r.ErrorKind),
		Bypassed:     r.Bypassed,
		Changed:      r.Changed,
		DurationMS:   r.DurationMS,
	}
	for _, v := range gjson.Get(r.Detail, "usageErrors").Array() {
		ev.UsageErrors = append(ev.UsageErrors, v.String())
	}
	return ev
}

// Headers 返回记录的放行请求头
func (r *EventRecord) Headers() traffic.Header {
	h := make(traffic.Header)
	gjson.Get(r.Detail, "headers").ForEach(func(k, v gjson.Result) bool {
		h.Set(k.String(), v.String())
		return true
	})
	return h
}

// Filter 查询条件，零值字段不参与过滤
type Filter struct {
	Session     domain.SessionID
	Target      domain.TargetID
	Disposition domain.Disposition
	Since       time.Time
	Limit       int
}

// Query 按时间倒序查询事件记录
func (s *Store) Query(ctx context.Context, f Filter) ([]EventRecord, error) {
	q := s.db.WithContext(ctx).Model(&EventRecord{})
	if f.Session != "" {
		q = q.Where("session = ?", string(f.Session))
	}
	if f.Target != "" {
		q = q.Where("target = ?", string(f.Target))
	}
	if f.Disposition != "" {
		q = q.Where("disposition = ?", string(f.Disposition))
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []EventRecord
	if err := q.Order("id desc").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return out, nil
}

// CountByDisposition 按处置统计事件数量
func (s *Store) CountByDisposition(ctx context.Context, session domain.SessionID) (map[domain.Disposition]int64, error) {
	type row struct {
		Disposition string
		N           int64
	}
	var rows []row
	q := s.db.WithContext(ctx).Model(&EventRecord{}).Select("disposition, count(*) as n")
	if session != "" {
		q = q.Where("session = ?", string(session))
	}
	if err := q.Group("disposition").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	out := make(map[domain.Disposition]int64, len(rows))
	for _, r := range rows {
		out[domain.Disposition(r.Disposition)] = r.N
	}
	return out, nil
}
