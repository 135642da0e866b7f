package ledger

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"credit-ledger-indexer/internal/domain"
	"credit-ledger-indexer/internal/observability"
)

// Handler processes one transfer event.
type Handler interface {
	Handle(ctx context.Context, project *domain.Project, ev *domain.TransferEvent) error
}

// Default dispatcher sizing.
const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256
)

// DispatcherOptions configures Dispatcher. Zero values select defaults.
type DispatcherOptions struct {
	Workers   int
	QueueSize int
	Logger    *zap.Logger
}

type job struct {
	project *domain.Project
	event   *domain.TransferEvent
}

// Dispatcher fans events out to a fixed set of workers with bounded queues.
// Events with the same (project, token) always land on the same worker and
// are handled in submission order; other keys run in parallel.
type Dispatcher struct {
	handler Handler
	queues  []chan job
	labels  []string
	logger  *zap.Logger
}

// NewDispatcher creates a dispatcher in front of handler.
func NewDispatcher(handler Handler, opts *DispatcherOptions) *Dispatcher {
	if opts == nil {
		opts = &DispatcherOptions{}
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		handler: handler,
		queues:  make([]chan job, workers),
		labels:  make([]string, workers),
		logger:  logger,
	}
	for i := range d.queues {
		d.queues[i] = make(chan job, size)
		d.labels[i] = strconv.Itoa(i)
	}
	return d
}

// Workers returns the number of workers.
func (d *Dispatcher) Workers() int {
	return len(d.queues)
}

// Submit enqueues an event. It blocks while the target queue is full and
// returns ctx.Err() if ctx is cancelled first.
func (d *Dispatcher) Submit(ctx context.Context, project *domain.Project, ev *domain.TransferEvent) error {
	i := d.route(project.ID, ev.TokenKey())
	select {
	case d.queues[i] <- job{project: project, event: ev}:
		observability.UpdateQueueDepth(d.labels[i], len(d.queues[i]))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has exited. Events still queued at that point are dropped.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := range d.queues {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d.work(ctx, i)
		}(i)
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) work(ctx context.Context, i int) {
	q := d.queues[i]
	for {
		select {
		case <-ctx.Done():
			d.drain(i)
			return
		case j := <-q:
			observability.UpdateQueueDepth(d.labels[i], len(q))
			// Errors are logged and counted by the handler.
			_ = d.handler.Handle(ctx, j.project, j.event)
		}
	}
}

func (d *Dispatcher) drain(i int) {
	dropped := 0
	for {
		select {
		case <-d.queues[i]:
			dropped++
			observability.RecordEventDropped(ReasonShutdown)
		default:
			observability.UpdateQueueDepth(d.labels[i], 0)
			if dropped > 0 {
				d.logger.Warn("dropped queued events at shutdown",
					zap.String("worker", d.labels[i]), zap.Int("count", dropped))
			}
			return
		}
	}
}

func (d *Dispatcher) route(projectID, tokenID string) int {
	h := fnv.New32a()
	h.Write([]byte(projectID))
	h.Write([]byte{'|'})
	h.Write([]byte(tokenID))
	return int(h.Sum32() % uint32(len(d.queues)))
}
