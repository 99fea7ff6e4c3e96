package mr

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"mapreduce/internal/mrapp"
	"mapreduce/internal/transport"
)

// Worker is a stateless loop that discovers the coordinator's endpoint,
// requests a task, executes it, and reports the outcome, until told to
// EXIT. A single Worker is meant to run single-threaded per process;
// many Worker processes run concurrently against one coordinator.
type Worker struct {
	id     string
	mapFn  mrapp.MapFunc
	reduce mrapp.ReduceFunc
	client *transport.Client
	cfg    Config
	log    *logrus.Entry
}

// NewWorker generates a fresh worker identity and reads the coordinator's
// discovery file to build an RPC client.
func NewWorker(app mrapp.Application, cfg Config, log *logrus.Entry) (*Worker, error) {
	addr, err := readCoordinatorAddr(cfg.CoordinatorInfoPath)
	if err != nil {
		return nil, errors.Wrap(err, "worker: discover coordinator")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	id := uuid.NewString()
	return &Worker{
		id:     id,
		mapFn:  app.Map,
		reduce: app.Reduce,
		client: transport.NewClient(addr, cfg.CallTimeout),
		cfg:    cfg,
		log:    log.WithField("worker_id", id),
	}, nil
}

func readCoordinatorAddr(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	addr := strings.TrimSpace(string(data))
	if addr == "" {
		return "", errors.Errorf("empty coordinator discovery file %q", path)
	}
	return addr, nil
}

// Run executes the main loop: RequestTask, act on the reply, repeat, until
// an EXIT task is received or ctx is cancelled. It returns nil on a clean
// EXIT and ctx's error on cancellation. A failed RequestTask (spec §7.1)
// is retried after WaitRetry with no limit, so Run does not return on its
// own while the coordinator is unreachable.
func (w *Worker) Run(ctx context.Context) error {
	return w.run(ctx, -1)
}

// RunLimited behaves like Run but stops (without signaling EXIT or any
// failure) after completing exactly limit MAP/REDUCE tasks. It models a
// worker process that crashes cleanly between tasks: the coordinator
// still sees those tasks as COMPLETED and reassigns nothing for them.
func (w *Worker) RunLimited(ctx context.Context, limit int) error {
	return w.run(ctx, limit)
}

// run is the main loop: RequestTask, act on the reply, repeat, until an
// EXIT task is received, limit completed tasks have run (limit < 0 means
// unbounded), or ctx is cancelled. Failed RequestTask calls are retried
// indefinitely.
func (w *Worker) run(ctx context.Context, limit int) error {
	completed := 0
	for {
		if limit >= 0 && completed >= limit {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var reply RequestTaskReply
		if err := w.client.Call(MethodRequestTask, RequestTaskArgs{WorkerID: w.id}, &reply); err != nil {
			w.log.WithError(err).Warn("worker: request_task failed, retrying")
			if sleepCtx(ctx, w.cfg.WaitRetry) {
				return ctx.Err()
			}
			continue
		}

		switch reply.Task.Kind {
		case Exit:
			w.log.Info("worker: received exit")
			return nil
		case Wait:
			if sleepCtx(ctx, w.cfg.WaitRetry) {
				return ctx.Err()
			}
		case Map:
			success, errMsg := w.executeMap(reply.Task)
			w.reportCompletion(reply.Task.TaskID, success, errMsg)
			completed++
		case Reduce:
			success, errMsg := w.executeReduce(reply.Task)
			w.reportCompletion(reply.Task.TaskID, success, errMsg)
			completed++
		}
	}
}

// sleepCtx sleeps for d or until ctx is cancelled, whichever comes first.
// It reports whether ctx was cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func (w *Worker) reportCompletion(taskID int, success bool, errMsg string) {
	args := CompleteTaskArgs{
		WorkerID:     w.id,
		TaskID:       taskID,
		Success:      success,
		ErrorMessage: errMsg,
	}
	var reply CompleteTaskReply
	if err := w.client.Call(MethodCompleteTask, args, &reply); err != nil {
		w.log.WithError(err).Warn("worker: complete_task failed")
	}
}

// executeMap reads the sole input file, invokes the user's map function,
// partitions the result by ihash(key) mod R, and atomically renames each
// per-bucket temp file into place — every bucket is written even if
// empty. A crash before any rename leaves the task reassignable; renaming
// some but not all buckets is safe because the task stays IN_PROGRESS and
// will be retried in full.
func (w *Worker) executeMap(task Task) (success bool, errMsg string) {
	defer func() {
		if r := recover(); r != nil {
			success, errMsg = false, errorString(r)
		}
	}()

	contents, err := readUTF8(task.InputFiles[0])
	if err != nil {
		return false, errors.Wrap(err, "read map input").Error()
	}

	kva := w.mapFn(task.InputFiles[0], contents)

	buckets := make([][]KeyValue, task.NReduce)
	for _, kv := range kva {
		idx := ihash(kv.Key) % task.NReduce
		buckets[idx] = append(buckets[idx], kv)
	}

	for j := 0; j < task.NReduce; j++ {
		final := intermediateFilename(task.MapIndex, j)
		if err := writeKeyValuesAtomically(final, buckets[j]); err != nil {
			return false, errors.Wrapf(err, "write intermediate bucket %d", j).Error()
		}
	}

	return true, ""
}

// executeReduce reads every intermediate file that exists (tolerating
// absence), sorts and groups by key, calls the user's reduce function per
// group, and atomically renames the result into place.
func (w *Worker) executeReduce(task Task) (success bool, errMsg string) {
	defer func() {
		if r := recover(); r != nil {
			success, errMsg = false, errorString(r)
		}
	}()

	var kva []KeyValue
	for _, path := range task.InputFiles {
		fileKVs, err := readKeyValues(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return false, errors.Wrapf(err, "read intermediate %s", path).Error()
		}
		kva = append(kva, fileKVs...)
	}

	sort.SliceStable(kva, func(i, j int) bool { return kva[i].Key < kva[j].Key })

	tmp := task.OutputFile + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return false, errors.Wrap(err, "create reduce output temp").Error()
	}

	writeErr := func() error {
		defer f.Close()
		buf := bufio.NewWriter(f)
		i := 0
		for i < len(kva) {
			j := i + 1
			for j < len(kva) && kva[j].Key == kva[i].Key {
				j++
			}
			values := make([]string, 0, j-i)
			for k := i; k < j; k++ {
				values = append(values, kva[k].Value)
			}
			result := w.reduce(kva[i].Key, values)
			if _, err := buf.WriteString(kva[i].Key + " " + result + "\n"); err != nil {
				return err
			}
			i = j
		}
		return buf.Flush()
	}()
	if writeErr != nil {
		os.Remove(tmp)
		return false, errors.Wrap(writeErr, "write reduce output").Error()
	}

	if err := os.Rename(tmp, task.OutputFile); err != nil {
		os.Remove(tmp)
		return false, errors.Wrap(err, "rename reduce output").Error()
	}

	return true, ""
}

func errorString(r interface{}) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return errors.Errorf("%v", r).Error()
}

// readUTF8 reads a file as UTF-8, substituting the replacement character
// for invalid byte sequences rather than failing.
func readUTF8(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	return strings.ToValidUTF8(string(raw), string(utf8.RuneError)), nil
}

func writeKeyValuesAtomically(final string, kvs []KeyValue) error {
	tmp := final + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	writeErr := func() error {
		defer f.Close()
		enc := json.NewEncoder(f)
		for _, kv := range kvs {
			if err := enc.Encode(kv); err != nil {
				return err
			}
		}
		return nil
	}()
	if writeErr != nil {
		os.Remove(tmp)
		return writeErr
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func readKeyValues(path string) ([]KeyValue, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var kvs []KeyValue
	dec := json.NewDecoder(f)
	for dec.More() {
		var kv KeyValue
		if err := dec.Decode(&kv); err != nil {
			return nil, errors.Wrap(err, "decode intermediate record")
		}
		kvs = append(kvs, kv)
	}
	return kvs, nil
}
