package rules

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"netintercept/internal/logger"
)

const reloadDebounce = 100 * time.Millisecond

// Watcher 监听规则文件，变化后重新加载到引擎
type Watcher struct {
	path    string
	engine  *Engine
	log     logger.Logger
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	onReload []func(RuleSet, error)
}

// Watch 加载规则文件并开始监听。文件所在目录需要存在
func Watch(path string, e *Engine, l logger.Logger) (*Watcher, error) {
	if l == nil {
		l = logger.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve rules path: %w", err)
	}
	rs, err := LoadFile(abs)
	if err != nil {
		return nil, err
	}
	e.Update(rs)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:    abs,
		engine:  e,
		log:     l,
		watcher: fw,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go w.loop(ctx)
	l.Info("规则文件已加载", "path", abs, "rules", len(rs.Rules))
	return w, nil
}

// OnReload 注册重新加载回调，失败时 err 非空且引擎保留旧规则
func (w *Watcher) OnReload(fn func(RuleSet, error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, fn)
}

// Close 停止监听
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, w.reload)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Err(err, "规则文件监听出错", "path", w.path)
		}
	}
}

func (w *Watcher) reload() {
	rs, err := LoadFile(w.path)
	if err != nil {
		w.log.Err(err, "重新加载规则失败，保留原规则", "path", w.path)
	} else {
		w.engine.Update(rs)
		w.log.Info("规则已重新加载", "path", w.path, "rules", len(rs.Rules))
	}
	w.mu.Lock()
	fns := append([]func(RuleSet, error){}, w.onReload...)
	w.mu.Unlock()
	for _, fn := range fns {
		fn(rs, err)
	}
}
