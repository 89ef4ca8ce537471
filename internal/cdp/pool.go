package cdp

import (
	"sync"

	"netintercept/internal/logger"
)

// workerPool 固定数量的处理协程，队列满时拒绝提交
type workerPool struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
	log   logger.Logger
}

func newWorkerPool(workers, queue int, l logger.Logger) *workerPool {
	if queue < workers {
		queue = workers * 4
	}
	p := &workerPool{tasks: make(chan func(), queue), log: l}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	l.Debug("工作池已启动", "workers", workers, "queue", queue)
	return p
}

func (p *workerPool) run() {
	defer p.wg.Done()
	for fn := range p.tasks {
		fn()
	}
}

// submit 非阻塞提交，队列已满或已停止时返回 false
func (p *workerPool) submit(fn func()) (ok bool) {
	defer func() {
		// 向已关闭的队列提交
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case p.tasks <- fn:
		return true
	default:
		return false
	}
}

// stop 停止接收任务并等待已提交的任务完成
func (p *workerPool) stop() {
	p.once.Do(func() { close(p.tasks) })
	p.wg.Wait()
}
