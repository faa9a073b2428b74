package gotoc

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/xiaoxuxiansheng/gotoc/log"
)

// Latch 一次性释放的依赖栅栏. 事务 prepared / finished 时各释放一次
type Latch struct {
	mux      sync.Mutex
	name     string
	released bool
	done     chan struct{}
	waiters  []func()
}

func NewLatch(name string) *Latch {
	return &Latch{
		name: name,
		done: make(chan struct{}),
	}
}

// Release 幂等，只有首次调用返回 true 并唤醒订阅者
func (l *Latch) Release() bool {
	l.mux.Lock()
	if l.released {
		l.mux.Unlock()
		return false
	}
	l.released = true
	close(l.done)
	waiters := l.waiters
	l.waiters = nil
	l.mux.Unlock()

	for _, wake := range waiters {
		wake()
	}
	return true
}

func (l *Latch) Released() bool {
	l.mux.Lock()
	defer l.mux.Unlock()
	return l.released
}

func (l *Latch) Done() <-chan struct{} {
	return l.done
}

func (l *Latch) String() string {
	return l.name
}

// subscribe 已释放时返回 false，回调不会被登记
func (l *Latch) subscribe(wake func()) bool {
	l.mux.Lock()
	defer l.mux.Unlock()
	if l.released {
		return false
	}
	l.waiters = append(l.waiters, wake)
	return true
}

// Task 一个入站消息处理单元
type Task struct {
	Name string
	// 全部释放后才允许占用 worker
	Deps []*Latch
	// >0 时，挂起超过该时长直接以 timedOut=true 放行
	Timeout time.Duration
	Run     func(ctx context.Context, timedOut bool)
}

// ReadyTaskScheduler 有界 worker 池. 依赖未满足的任务挂起在 latch 上，不占用 worker
type ReadyTaskScheduler struct {
	ctx     context.Context
	stop    context.CancelFunc
	sem     *semaphore.Weighted
	workers int64
	parked  *atomic.Int64
	running *atomic.Int64

	// stopped 与 wg.Add 在 mux 下互斥，Stop 开始等待后不再登记新任务
	mux     sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func NewReadyTaskScheduler(workers int) *ReadyTaskScheduler {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ReadyTaskScheduler{
		ctx:     ctx,
		stop:    cancel,
		sem:     semaphore.NewWeighted(int64(workers)),
		workers: int64(workers),
		parked:  atomic.NewInt64(0),
		running: atomic.NewInt64(0),
	}
}

func (s *ReadyTaskScheduler) Workers() int {
	return int(s.workers)
}

// Parked 当前挂起等待依赖的任务数
func (s *ReadyTaskScheduler) Parked() int64 {
	return s.parked.Load()
}

// Running 当前占用 worker 的任务数
func (s *ReadyTaskScheduler) Running() int64 {
	return s.running.Load()
}

// Stop 停止接纳，等待运行中的任务结束. 仍挂起的任务被丢弃
func (s *ReadyTaskScheduler) Stop() {
	s.mux.Lock()
	s.stopped = true
	s.stop()
	s.mux.Unlock()
	s.wg.Wait()
}

// Submit 依赖已满足则立即放行，否则登记到各依赖 latch 上
func (s *ReadyTaskScheduler) Submit(task Task) {
	pending := make([]*Latch, 0, len(task.Deps))
	for _, dep := range task.Deps {
		if dep != nil && !dep.Released() {
			pending = append(pending, dep)
		}
	}
	if len(pending) == 0 {
		s.admit(task, false)
		return
	}

	s.parked.Inc()
	parkedTasksGauge.Inc()
	remaining := atomic.NewInt64(int64(len(pending)))
	fired := atomic.NewBool(false)
	var timer *time.Timer

	readmit := func(timedOut bool) {
		if !fired.CompareAndSwap(false, true) {
			return
		}
		if timer != nil && !timedOut {
			timer.Stop()
		}
		s.parked.Dec()
		parkedTasksGauge.Dec()
		s.admit(task, timedOut)
	}

	if task.Timeout > 0 {
		timer = time.AfterFunc(task.Timeout, func() {
			log.Warnf("task %s parked longer than %v, admitting with timeout", task.Name, task.Timeout)
			readmit(true)
		})
	}

	release := func() {
		if remaining.Dec() == 0 {
			readmit(false)
		}
	}
	for _, dep := range pending {
		if !dep.subscribe(release) {
			release()
		}
	}
}

func (s *ReadyTaskScheduler) admit(task Task, timedOut bool) {
	s.mux.Lock()
	if s.stopped {
		s.mux.Unlock()
		// 已停止：不占用 worker，由任务自身根据 ctx 做收尾
		go task.Run(s.ctx, timedOut)
		return
	}
	s.wg.Add(1)
	s.mux.Unlock()

	admitted := time.Now()
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			task.Run(s.ctx, timedOut)
			return
		}
		defer s.sem.Release(1)
		queueWaitHistogram.Observe(time.Since(admitted).Seconds())

		s.running.Inc()
		defer s.running.Dec()
		task.Run(s.ctx, timedOut)
	}()
}

// keyLatches 按 key 记录最近一笔写入该 key 的事务的 slot latch.
// 按投递顺序登记，保证冲突事务在每个节点上以相同顺序执行
type keyLatches struct {
	mux    sync.Mutex
	owners map[string]*Latch
}

func newKeyLatches() *keyLatches {
	return &keyLatches{owners: make(map[string]*Latch)}
}

// acquire 登记 latch 为 keys 的最新持有者，返回之前的持有者（去重）
func (k *keyLatches) acquire(keys []string, latch *Latch) []*Latch {
	k.mux.Lock()
	defer k.mux.Unlock()

	seen := make(map[*Latch]struct{}, len(keys))
	previous := make([]*Latch, 0, len(keys))
	for _, key := range keys {
		prev, ok := k.owners[key]
		k.owners[key] = latch
		if !ok || prev == latch {
			continue
		}
		if _, dup := seen[prev]; dup {
			continue
		}
		seen[prev] = struct{}{}
		previous = append(previous, prev)
	}
	return previous
}

// release 只删除仍由该 latch 持有的 key
func (k *keyLatches) release(keys []string, latch *Latch) {
	k.mux.Lock()
	defer k.mux.Unlock()
	for _, key := range keys {
		if k.owners[key] == latch {
			delete(k.owners, key)
		}
	}
}

func (k *keyLatches) size() int {
	k.mux.Lock()
	defer k.mux.Unlock()
	return len(k.owners)
}
