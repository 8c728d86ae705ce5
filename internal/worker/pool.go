// Package worker runs queued Forest tasks.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/soaringjerry/Sylva/internal/services"
)

var (
	errCancelRequested = errors.New("cancel requested")
	errTaskTimeout     = errors.New("task timeout")
)

type Config struct {
	Workers      int
	TaskTimeout  time.Duration
	PollInterval time.Duration
}

// TaskService is the part of the dispatcher a worker drives.
type TaskService interface {
	Claim(ctx context.Context, taskID string) (*services.ForestTask, bool, error)
	Finish(ctx context.Context, taskID string, out services.TaskOutcome, runErr error) (bool, error)
	AcknowledgeCancel(ctx context.Context, taskID string, out services.TaskOutcome) (bool, error)
	CancelRequested(ctx context.Context, taskID string) (bool, error)
	Study(ctx context.Context, studyID string) (*services.Study, error)
}

type Pool struct {
	cfg     Config
	queue   services.WorkQueue
	tasks   TaskService
	runners map[string]Runner
}

func logger() *logrus.Entry {
	return logrus.StandardLogger().WithField("module", "worker")
}

func NewPool(cfg Config, queue services.WorkQueue, tasks TaskService, runners map[string]Runner) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = time.Hour
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Pool{cfg: cfg, queue: queue, tasks: tasks, runners: runners}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has returned.
func (p *Pool) Run(ctx context.Context) error {
	logger().WithField("workers", p.cfg.Workers).Info("worker pool started")
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.loop(ctx, n)
		}(i)
	}
	wg.Wait()
	logger().Info("worker pool stopped")
	return nil
}

func (p *Pool) loop(ctx context.Context, n int) {
	log := logger().WithField("worker", n)
	for {
		if ctx.Err() != nil {
			return
		}
		handled, err := p.RunOnce(ctx)
		if err != nil {
			log.WithError(err).Warn("queue claim failed")
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// RunOnce claims and processes at most one delivery. It reports whether a
// delivery was found.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	d, err := p.queue.Claim(ctx)
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, nil
	}
	p.process(ctx, d)
	return true, nil
}

func (p *Pool) process(ctx context.Context, d *services.Delivery) {
	log := logger().WithField("task", d.TaskID).WithField("attempt", d.Attempt)
	// Bookkeeping must survive pool shutdown.
	bg := context.WithoutCancel(ctx)

	task, ok, err := p.tasks.Claim(ctx, d.TaskID)
	if err != nil {
		log.WithError(err).Warn("claim task; returning delivery to queue")
		if nerr := p.queue.Nack(bg, d); nerr != nil {
			log.WithError(nerr).Error("nack delivery")
		}
		return
	}
	if !ok {
		log.Debug("task no longer queued; dropping delivery")
		p.ack(bg, d, log)
		return
	}
	log = log.WithField("tree", task.Tree)

	out, runErr, cause := p.execute(ctx, task)
	switch {
	case errors.Is(cause, errCancelRequested):
		if _, err := p.tasks.AcknowledgeCancel(bg, task.ID, out); err != nil {
			log.WithError(err).Error("acknowledge cancel")
		}
		log.Info("task cancelled")
	case errors.Is(cause, errTaskTimeout):
		out.ErrorKind = services.ErrorKindTimeout
		out.ErrorMessage = fmt.Sprintf("task exceeded timeout of %s", p.cfg.TaskTimeout)
		p.finish(bg, task.ID, out, errTaskTimeout, log)
	case ctx.Err() != nil:
		p.finish(bg, task.ID, out, errors.New("worker shut down while task was running"), log)
	default:
		p.finish(bg, task.ID, out, runErr, log)
	}
	p.ack(bg, d, log)
}

// execute runs the tree with a context that ends on timeout, on a cancel
// request, or when the pool stops. cause says which one fired.
func (p *Pool) execute(ctx context.Context, task *services.ForestTask) (out services.TaskOutcome, runErr error, cause error) {
	runner, ok := p.runners[task.Tree]
	if !ok {
		return out, fmt.Errorf("no runner for tree %q", task.Tree), nil
	}
	study, err := p.tasks.Study(ctx, task.StudyID)
	if err != nil {
		return out, err, nil
	}

	cancelCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	runCtx, stop := context.WithTimeoutCause(cancelCtx, p.cfg.TaskTimeout, errTaskTimeout)
	defer stop()

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		p.watchCancel(runCtx, task.ID, cancel)
	}()

	out, runErr = safeRun(runCtx, runner, task, study)
	stop()
	<-watchDone
	if runCtx.Err() != nil {
		cause = context.Cause(runCtx)
	}
	return out, runErr, cause
}

func (p *Pool) watchCancel(ctx context.Context, taskID string, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := p.tasks.CancelRequested(ctx, taskID)
			if err != nil {
				logger().WithError(err).WithField("task", taskID).Warn("poll cancel flag")
				continue
			}
			if requested {
				cancel(errCancelRequested)
				return
			}
		}
	}
}

func safeRun(ctx context.Context, r Runner, task *services.ForestTask, study *services.Study) (out services.TaskOutcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("runner panic: %v", rec)
		}
	}()
	return r.Run(ctx, task, study)
}

func (p *Pool) finish(ctx context.Context, taskID string, out services.TaskOutcome, runErr error, log *logrus.Entry) {
	changed, err := p.tasks.Finish(ctx, taskID, out, runErr)
	if err != nil {
		log.WithError(err).Error("finish task")
		return
	}
	if !changed {
		log.Warn("task left running state before finish")
		return
	}
	if runErr != nil {
		log.WithError(runErr).Info("task failed")
		return
	}
	log.WithField("bytes", out.TotalFileSize).Info("task succeeded")
}

func (p *Pool) ack(ctx context.Context, d *services.Delivery, log *logrus.Entry) {
	if err := p.queue.Ack(ctx, d); err != nil {
		log.WithError(err).Error("ack delivery")
	}
}
