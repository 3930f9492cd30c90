package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "sellerbot/pkg/logx"
)

// Config controls the jobs service.
type Config struct {
	Workers        int
	DefaultTimeout time.Duration
	HistorySize    int
}

type OverlapPolicy int

const (
	// OverlapAllow lets a fire enqueue even while a previous run is active.
	OverlapAllow OverlapPolicy = iota
	// OverlapSkip drops a fire while a previous run of the same job is
	// still active (max one instance, coalescing).
	OverlapSkip
)

type Options struct {
	Overlap OverlapPolicy
	Timeout time.Duration
}

type runState struct {
	mu      sync.Mutex
	running bool
}

type HistoryItem struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

type task struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context) error
	state   *runState
}

type jobDef struct {
	name    string
	spec    string // cron spec, or a label for custom schedules
	sched   cron.Schedule
	timeout time.Duration
	opt     Options
	job     func(ctx context.Context) error
	entryID cron.EntryID
	state   *runState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config

	parser cron.Parser
	c      *cron.Cron
	defs   []jobDef

	queue  chan task
	stopCh chan struct{}
	// stopDone is non-nil while a Stop() is in progress; closed when the
	// workers have fully exited.
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem
}

type JobInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

type Snapshot struct {
	Workers  int
	QueueLen int
	Jobs     []JobInfo
	History  []HistoryItem
}
