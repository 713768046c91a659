// 文件路径: internal/job/scheduler.go
// 模块说明: 基于 robfig/cron 的任务调度器，同名任务不重叠执行（重叠时跳过而非排队）。
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/creamcroissant/nodeboard/internal/service"
)

// Runnable 表示由调度器触发的后台任务。
type Runnable interface {
	Name() string
	Run(ctx context.Context) error
}

var (
	// ErrJobRunning 表示同名任务仍在执行。
	ErrJobRunning = errors.New("job already running / 任务正在执行")
	// ErrUnknownJob 表示任务未注册。
	ErrUnknownJob = errors.New("unknown job / 任务未注册")
)

const defaultJobTimeout = 2 * time.Minute

// Scheduler 封装 cron，并提供日志、不重叠保护与优雅停机。
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	started bool
	jobs    map[string]*entry
}

type entry struct {
	runnable Runnable
	spec     string
	id       cron.EntryID
	running  atomic.Bool

	mu        sync.Mutex
	lastRunAt time.Time
	lastErr   string
	lastTook  time.Duration
	runCount  int64
	skipCount int64
}

// NewScheduler 构建支持秒与自然描述的调度器。timeout 为单次执行上限，<=0 时使用默认值。
func NewScheduler(logger *slog.Logger, timeout time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))
	return &Scheduler{cron: c, logger: logger, timeout: timeout, jobs: make(map[string]*entry)}
}

// Register 绑定 cron 表达式与任务。spec 为空时任务只能通过 RunNow 手动触发。
func (s *Scheduler) Register(spec string, runnable Runnable) (cron.EntryID, error) {
	if runnable == nil {
		return 0, fmt.Errorf("scheduler: runnable is required / runnable 不能为空")
	}
	name := runnable.Name()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return 0, fmt.Errorf("scheduler: job %q already registered / 任务重复注册", name)
	}
	e := &entry{runnable: runnable, spec: spec}
	if spec != "" {
		id, err := s.cron.AddFunc(spec, func() { s.fire(e) })
		if err != nil {
			return 0, fmt.Errorf("scheduler: job %q: %w", name, err)
		}
		e.id = id
	}
	s.jobs[name] = e
	s.logger.Info("job registered", "job", name, "spec", spec)
	return e.id, nil
}

// Start 启动调度器并执行任务。
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.cron.Start()
	s.started = true
}

// Stop 停止调度器，返回的 context 在执行中的任务结束后关闭。
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return context.Background()
	}
	s.started = false
	return s.cron.Stop()
}

// RunNow executes a registered job synchronously. It returns ErrJobRunning
// when the same job is already in flight.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !e.running.CompareAndSwap(false, true) {
		e.skipped()
		return ErrJobRunning
	}
	defer e.running.Store(false)
	return s.execute(ctx, e)
}

func (s *Scheduler) fire(e *entry) {
	if !e.running.CompareAndSwap(false, true) {
		e.skipped()
		s.logger.Warn("job skipped, previous run still in progress", "job", e.runnable.Name())
		return
	}
	defer e.running.Store(false)
	_ = s.execute(context.Background(), e)
}

// execute 为任务加上超时、耗时统计与统一日志。
func (s *Scheduler) execute(parent context.Context, e *entry) error {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	name := e.runnable.Name()
	start := time.Now()
	err := runSafely(ctx, e.runnable)
	elapsed := time.Since(start)

	e.mu.Lock()
	e.lastRunAt = start
	e.lastTook = elapsed
	e.runCount++
	e.lastErr = ""
	if err != nil {
		e.lastErr = err.Error()
	}
	e.mu.Unlock()

	if err != nil {
		s.logger.Error("job failed", "job", name, "error", err, "elapsed", elapsed)
		return err
	}
	s.logger.Debug("job completed", "job", name, "elapsed", elapsed)
	return nil
}

func runSafely(ctx context.Context, runnable Runnable) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return runnable.Run(ctx)
}

func (e *entry) skipped() {
	e.mu.Lock()
	e.skipCount++
	e.mu.Unlock()
}

// JobStatuses 返回所有已注册任务的运行概况，按名称排序。
func (s *Scheduler) JobStatuses() []service.JobStatus {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	statuses := make([]service.JobStatus, 0, len(entries))
	for _, e := range entries {
		status := service.JobStatus{
			Name:     e.runnable.Name(),
			Schedule: e.spec,
			Running:  e.running.Load(),
		}
		if e.id != 0 {
			status.NextRunAt = s.cron.Entry(e.id).Next
		}
		e.mu.Lock()
		status.LastRunAt = e.lastRunAt
		status.LastError = e.lastErr
		status.RunCount = e.runCount
		status.SkipCount = e.skipCount
		status.LastTookMs = e.lastTook.Milliseconds()
		e.mu.Unlock()
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// Names 返回已注册任务名。
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
