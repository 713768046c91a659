// 文件路径: internal/service/admin_system.go
// 模块说明: 管理后台系统状态：版本、运行时、主机资源与后台任务概况。
package service

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/creamcroissant/nodeboard/internal/repository"
)

// AdminSystemService 汇总后台仪表盘需要的系统状态。
type AdminSystemService interface {
	SystemStatus(ctx context.Context) (AdminSystemStatus, error)
}

// JobStatus describes one registered background job.
type JobStatus struct {
	Name       string    `json:"name"`
	Schedule   string    `json:"schedule"`
	Running    bool      `json:"running"`
	LastRunAt  time.Time `json:"last_run_at"`
	LastError  string    `json:"last_error,omitempty"`
	NextRunAt  time.Time `json:"next_run_at"`
	RunCount   int64     `json:"run_count"`
	SkipCount  int64     `json:"skip_count"`
	LastTookMs int64     `json:"last_took_ms"`
}

// JobStatusProvider is implemented by the scheduler.
type JobStatusProvider interface {
	JobStatuses() []JobStatus
}

// HostStatFetcher allows tests to replace gopsutil reads.
type HostStatFetcher struct {
	CPUPercent    func(interval time.Duration, percpu bool) ([]float64, error)
	VirtualMemory func() (*mem.VirtualMemoryStat, error)
	DiskUsage     func(path string) (*disk.UsageStat, error)
	LoadAvg       func() (*load.AvgStat, error)
	HostUptime    func() (uint64, error)
}

// DefaultHostStatFetcher 使用 gopsutil 读取主机信息。
func DefaultHostStatFetcher() HostStatFetcher {
	return HostStatFetcher{
		CPUPercent:    cpu.Percent,
		VirtualMemory: mem.VirtualMemory,
		DiskUsage:     disk.Usage,
		LoadAvg:       load.Avg,
		HostUptime:    host.Uptime,
	}
}

// AdminSystemOptions 注入运行时依赖。
type AdminSystemOptions struct {
	Version          string
	Environment      string
	StartedAt        time.Time
	DataPath         string
	Store            repository.Store
	Jobs             JobStatusProvider
	Fetcher          *HostStatFetcher
	Now              func() time.Time
	HostnameResolver func() (string, error)
}

// AdminSystemStatus 描述管理后台系统状态返回字段。
type AdminSystemStatus struct {
	Version           string      `json:"version"`
	GoVersion         string      `json:"go_version"`
	Environment       string      `json:"environment"`
	Hostname          string      `json:"hostname"`
	StartedAt         time.Time   `json:"started_at"`
	Uptime            int64       `json:"uptime"`
	UserCount         int64       `json:"user_count"`
	NodeCount         int         `json:"node_count"`
	ActiveNodeCount   int         `json:"active_node_count"`
	ActiveSubs        int64       `json:"active_subscriptions"`
	PendingSubs       int64       `json:"pending_subscriptions"`
	Host              HostStatus  `json:"host"`
	Jobs              []JobStatus `json:"jobs"`
}

// HostStatus 主机资源占用，采集失败的字段保持零值。
type HostStatus struct {
	CPU       float64 `json:"cpu"`
	MemTotal  uint64  `json:"mem_total"`
	MemUsed   uint64  `json:"mem_used"`
	DiskTotal uint64  `json:"disk_total"`
	DiskUsed  uint64  `json:"disk_used"`
	Load1     float64 `json:"load1"`
	Load5     float64 `json:"load5"`
	Load15    float64 `json:"load15"`
	Uptime    uint64  `json:"uptime"`
}

type adminSystemService struct {
	version     string
	environment string
	startedAt   time.Time
	dataPath    string
	store       repository.Store
	jobs        JobStatusProvider
	fetcher     HostStatFetcher
	now         func() time.Time
	hostname    func() (string, error)
}

// NewAdminSystemService 构建系统状态服务。
func NewAdminSystemService(opts AdminSystemOptions) AdminSystemService {
	startedAt := opts.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	hostResolver := opts.HostnameResolver
	if hostResolver == nil {
		hostResolver = os.Hostname
	}
	fetcher := DefaultHostStatFetcher()
	if opts.Fetcher != nil {
		fetcher = *opts.Fetcher
	}
	dataPath := opts.DataPath
	if dataPath == "" {
		dataPath = "/"
	}
	return &adminSystemService{
		version:     fallbackString(opts.Version, "dev"),
		environment: fallbackString(opts.Environment, "production"),
		startedAt:   startedAt,
		dataPath:    dataPath,
		store:       opts.Store,
		jobs:        opts.Jobs,
		fetcher:     fetcher,
		now:         nowFn,
		hostname:    hostResolver,
	}
}

// SystemStatus 汇总系统状态（版本、环境、计数、主机资源、任务）。
func (s *adminSystemService) SystemStatus(ctx context.Context) (AdminSystemStatus, error) {
	host, _ := s.hostname()
	now := s.now().UTC()
	uptime := max(now.Unix()-s.startedAt.Unix(), 0)

	status := AdminSystemStatus{
		Version:     s.version,
		GoVersion:   runtime.Version(),
		Environment: s.environment,
		Hostname:    host,
		StartedAt:   s.startedAt,
		Uptime:      uptime,
		Host:        s.collectHost(),
		Jobs:        []JobStatus{},
	}

	if s.store != nil {
		users, err := s.store.Users().Count(ctx, repository.UserFilter{})
		if err != nil {
			return AdminSystemStatus{}, err
		}
		status.UserCount = users

		nodes, err := s.store.Nodes().List(ctx, repository.NodeFilter{})
		if err != nil {
			return AdminSystemStatus{}, err
		}
		status.NodeCount = len(nodes)
		for _, node := range nodes {
			if node.Active {
				status.ActiveNodeCount++
			}
		}

		subs := s.store.Subscriptions()
		if status.ActiveSubs, err = subs.Count(ctx, repository.SubscriptionFilter{Status: repository.SubscriptionActive}); err != nil {
			return AdminSystemStatus{}, err
		}
		if status.PendingSubs, err = subs.Count(ctx, repository.SubscriptionFilter{Status: repository.SubscriptionPending}); err != nil {
			return AdminSystemStatus{}, err
		}
	}
	if s.jobs != nil {
		status.Jobs = s.jobs.JobStatuses()
	}
	return status, nil
}

func (s *adminSystemService) collectHost() HostStatus {
	var stat HostStatus
	f := s.fetcher
	if f.CPUPercent != nil {
		if percents, err := f.CPUPercent(0, false); err == nil && len(percents) > 0 {
			stat.CPU = percents[0]
		}
	}
	if f.VirtualMemory != nil {
		if v, err := f.VirtualMemory(); err == nil {
			stat.MemTotal, stat.MemUsed = v.Total, v.Used
		}
	}
	if f.DiskUsage != nil {
		if d, err := f.DiskUsage(s.dataPath); err == nil {
			stat.DiskTotal, stat.DiskUsed = d.Total, d.Used
		}
	}
	if f.LoadAvg != nil {
		if l, err := f.LoadAvg(); err == nil {
			stat.Load1, stat.Load5, stat.Load15 = l.Load1, l.Load5, l.Load15
		}
	}
	if f.HostUptime != nil {
		if u, err := f.HostUptime(); err == nil {
			stat.Uptime = u
		}
	}
	return stat
}

func fallbackString(value, def string) string {
	if value == "" {
		return def
	}
	return value
}
