// Package mr implements the coordinator/worker task-dispatch engine: the
// coordinator's task-state machine and assignment logic, the worker's
// execution loop, and the failure-handling policy built on lease timeouts
// and idempotent output writes.
package mr

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"mapreduce/internal/transport"
)

// Coordinator owns a job's task inventory and drives its state machine. A
// Coordinator must be created with NewCoordinator and started with Start
// before any worker can reach it.
type Coordinator struct {
	mu sync.Mutex

	mapTasks    map[int]*TaskInfo
	reduceTasks map[int]*TaskInfo
	nReduce     int

	mapPhaseComplete bool
	allTasksComplete bool
	activeWorkers    map[string]struct{}

	cfg     Config
	log     *logrus.Entry
	metrics *Metrics

	server      *transport.Server
	monitorDone chan struct{}
	stopOnce    sync.Once
}

// NewCoordinator builds the task inventory for files (one MAP task per
// file) and nReduce REDUCE tasks, all IDLE. It returns an error for any
// configuration error (spec §7.5): nReduce < 1 or no input files.
func NewCoordinator(files []string, nReduce int, cfg Config, log *logrus.Entry) (*Coordinator, error) {
	if nReduce < 1 {
		return nil, errors.Errorf("mr: n_reduce must be >= 1, got %d", nReduce)
	}
	if len(files) < 1 {
		return nil, errors.New("mr: at least one input file is required")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	c := &Coordinator{
		mapTasks:      make(map[int]*TaskInfo, len(files)),
		reduceTasks:   make(map[int]*TaskInfo, nReduce),
		nReduce:       nReduce,
		activeWorkers: make(map[string]struct{}),
		cfg:           cfg,
		log:           log.WithField("component", "coordinator"),
		metrics:       NewMetrics(),
		monitorDone:   make(chan struct{}),
	}

	for i, file := range files {
		c.mapTasks[i] = &TaskInfo{Task: Task{
			TaskID:      i,
			Kind:        Map,
			InputFiles:  []string{file},
			NReduce:     nReduce,
			MapIndex:    i,
			ReduceIndex: -1,
		}}
	}

	for j := 0; j < nReduce; j++ {
		inputs := make([]string, len(files))
		for i := range files {
			inputs[i] = intermediateFilename(i, j)
		}
		taskID := len(files) + j
		c.reduceTasks[taskID] = &TaskInfo{Task: Task{
			TaskID:      taskID,
			Kind:        Reduce,
			InputFiles:  inputs,
			OutputFile:  outputFilename(j),
			NReduce:     nReduce,
			MapIndex:    -1,
			ReduceIndex: j,
		}}
	}

	return c, nil
}

// Start binds the transport on an ephemeral local port, registers the RPC
// handlers, persists coordinator_info.txt, starts the metrics endpoint
// (if configured), spawns the accept loop and the monitor, and returns
// once the coordinator is ready to serve workers.
func (c *Coordinator) Start() error {
	srv, err := transport.NewServer(":0", c.log)
	if err != nil {
		return errors.Wrap(err, "coordinator: start transport")
	}
	srv.Register(MethodRequestTask, c.handleRequestTask)
	srv.Register(MethodCompleteTask, c.handleCompleteTask)
	c.server = srv

	if err := os.WriteFile(c.cfg.CoordinatorInfoPath, []byte(srv.Addr()+"\n"), 0o644); err != nil {
		_ = srv.Close()
		return errors.Wrap(err, "coordinator: write discovery file")
	}

	go func() {
		if err := srv.Serve(); err != nil {
			c.log.WithError(err).Debug("coordinator: accept loop stopped")
		}
	}()

	if c.cfg.MetricsAddr != "" {
		go func() {
			if err := c.metrics.Serve(c.cfg.MetricsAddr); err != nil && err != http.ErrServerClosed {
				c.log.WithError(err).Warn("coordinator: metrics endpoint stopped")
			}
		}()
	}

	go c.monitor()

	c.log.WithField("addr", srv.Addr()).Info("coordinator: started")
	return nil
}

// handleRequestTask implements the RequestTask RPC (spec §4.1).
func (c *Coordinator) handleRequestTask(params json.RawMessage) (interface{}, error) {
	var args RequestTaskArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, errors.Wrap(err, "decode request_task params")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.activeWorkers[args.WorkerID] = struct{}{}

	if c.allTasksComplete {
		return RequestTaskReply{Task: exitTask(c.nReduce)}, nil
	}

	info := c.findIdleTaskLocked()
	if info == nil {
		return RequestTaskReply{Task: waitTask(c.nReduce)}, nil
	}

	info.assign(args.WorkerID, time.Now())
	c.metrics.onAssigned(info.Task.Kind)
	c.log.WithFields(logrus.Fields{
		"task_id":   info.Task.TaskID,
		"kind":      info.Task.Kind.String(),
		"worker_id": args.WorkerID,
	}).Info("coordinator: assigned task")

	return RequestTaskReply{Task: info.Task}, nil
}

// findIdleTaskLocked implements the phase rule: only MAP tasks are
// eligible while the map phase is incomplete, only REDUCE tasks once it
// is. Tasks are scanned in ascending task ID order, so the choice is
// deterministic for a given set of task states.
func (c *Coordinator) findIdleTaskLocked() *TaskInfo {
	if !c.mapPhaseComplete {
		for id := 0; id < len(c.mapTasks); id++ {
			if info := c.mapTasks[id]; info.Status == Idle {
				return info
			}
		}
		return nil
	}
	for j := 0; j < c.nReduce; j++ {
		if info := c.reduceTasks[len(c.mapTasks)+j]; info.Status == Idle {
			return info
		}
	}
	return nil
}

// handleCompleteTask implements the CompleteTask RPC (spec §4.1).
func (c *Coordinator) handleCompleteTask(params json.RawMessage) (interface{}, error) {
	var args CompleteTaskArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, errors.Wrap(err, "decode complete_task params")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	info := c.taskLocked(args.TaskID)
	if info == nil {
		return CompleteTaskReply{Acknowledged: false}, nil
	}

	if !args.Success {
		c.log.WithFields(logrus.Fields{
			"task_id": args.TaskID,
			"error":   args.ErrorMessage,
		}).Warn("coordinator: task reported failure")
		// A failure resets the task whoever holds the lease, but a task
		// that is already COMPLETED never goes back to IDLE.
		if info.Status != Completed {
			info.reset()
			c.metrics.onFailed(info.Task.Kind)
		}
		return CompleteTaskReply{Acknowledged: true}, nil
	}

	// Success, but only a matching in-progress lease actually advances
	// state. A stale success (already completed, or lease revoked and
	// reassigned) is acknowledged without effect: at-least-once
	// execution is safe because writes are idempotent atomic renames.
	if info.Status == InProgress && info.WorkerID == args.WorkerID {
		info.complete(time.Now())
		c.metrics.onCompleted(info.Task.Kind)
		c.log.WithFields(logrus.Fields{
			"task_id":   args.TaskID,
			"worker_id": args.WorkerID,
		}).Info("coordinator: task completed")
		c.checkPhaseCompletionLocked()
	}

	return CompleteTaskReply{Acknowledged: true}, nil
}

func (c *Coordinator) taskLocked(taskID int) *TaskInfo {
	if info, ok := c.mapTasks[taskID]; ok {
		return info
	}
	if info, ok := c.reduceTasks[taskID]; ok {
		return info
	}
	return nil
}

// checkPhaseCompletionLocked advances map_phase_complete and
// all_tasks_complete; both are monotone and never regress.
func (c *Coordinator) checkPhaseCompletionLocked() {
	if !c.mapPhaseComplete && c.allCompletedLocked(c.mapTasks) {
		c.mapPhaseComplete = true
		c.log.Info("coordinator: map phase complete")
	}
	if c.mapPhaseComplete && !c.allTasksComplete && c.allCompletedLocked(c.reduceTasks) {
		c.allTasksComplete = true
		c.log.Info("coordinator: all tasks complete")
	}
}

func (c *Coordinator) allCompletedLocked(tasks map[int]*TaskInfo) bool {
	for _, info := range tasks {
		if info.Status != Completed {
			return false
		}
	}
	return true
}

// monitor sweeps the active phase's IN_PROGRESS tasks once per
// MonitorPeriod, resetting any whose lease has expired back to IDLE so
// they are reassigned. It exits once all_tasks_complete is observed.
func (c *Coordinator) monitor() {
	ticker := time.NewTicker(c.cfg.MonitorPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.monitorDone:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.allTasksComplete {
				c.mu.Unlock()
				return
			}
			c.reapExpiredLeasesLocked()
			c.mu.Unlock()
		}
	}
}

func (c *Coordinator) reapExpiredLeasesLocked() {
	tasks := c.mapTasks
	if c.mapPhaseComplete {
		tasks = c.reduceTasks
	}
	now := time.Now()
	for _, info := range tasks {
		if info.leaseExpired(now, c.cfg.LeaseTimeout) {
			c.log.WithFields(logrus.Fields{
				"task_id":   info.Task.TaskID,
				"worker_id": info.WorkerID,
			}).Warn("coordinator: lease expired, reassigning")
			info.reset()
			c.metrics.onReassigned(info.Task.Kind)
		}
	}
}

// Done reports whether the job has finished.
func (c *Coordinator) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allTasksComplete
}

// Wait blocks until Done() is true or ctx is cancelled, polling at the
// configured monitor period.
func (c *Coordinator) Wait(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.MonitorPeriod)
	defer ticker.Stop()
	for {
		if c.Done() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop closes the transport and metrics endpoint and best-effort removes
// the discovery file. Safe to call more than once.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.monitorDone)
		if c.server != nil {
			_ = c.server.Close()
		}
		if c.metrics != nil {
			_ = c.metrics.Close()
		}
		_ = os.Remove(c.cfg.CoordinatorInfoPath)
		c.log.Info("coordinator: stopped")
	})
}
