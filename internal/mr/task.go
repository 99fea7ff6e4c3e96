package mr

import (
	"fmt"
	"hash/fnv"
	"time"

	"mapreduce/internal/mrapp"
)

// TaskKind identifies what a Task asks a worker to do.
type TaskKind int

const (
	Map TaskKind = iota
	Reduce
	Wait
	Exit
)

func (k TaskKind) String() string {
	switch k {
	case Map:
		return "map"
	case Reduce:
		return "reduce"
	case Wait:
		return "wait"
	case Exit:
		return "exit"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes a TaskKind as one of the wire strings named in the
// RPC method registry.
func (k TaskKind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

func (k *TaskKind) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"map"`:
		*k = Map
	case `"reduce"`:
		*k = Reduce
	case `"exit"`:
		*k = Exit
	default:
		*k = Wait
	}
	return nil
}

// TaskStatus is the coordinator-private lifecycle state of a TaskInfo.
type TaskStatus int

const (
	Idle TaskStatus = iota
	InProgress
	Completed
)

func (s TaskStatus) String() string {
	switch s {
	case Idle:
		return "idle"
	case InProgress:
		return "in_progress"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// Task is the unit of work handed across the wire to a worker. MapIndex is
// set iff Kind == Map; ReduceIndex is set iff Kind == Reduce. Both are -1
// (unset) for WAIT and EXIT tasks, which otherwise carry only NReduce.
type Task struct {
	TaskID      int      `json:"task_id"`
	Kind        TaskKind `json:"task_type"`
	InputFiles  []string `json:"input_files"`
	OutputFile  string   `json:"output_file"`
	NReduce     int      `json:"n_reduce"`
	MapIndex    int      `json:"map_index"`
	ReduceIndex int      `json:"reduce_index"`
}

func waitTask(nReduce int) Task {
	return Task{Kind: Wait, MapIndex: -1, ReduceIndex: -1, NReduce: nReduce}
}

func exitTask(nReduce int) Task {
	return Task{Kind: Exit, MapIndex: -1, ReduceIndex: -1, NReduce: nReduce}
}

// TaskInfo is the coordinator's private bookkeeping record for a Task: the
// Task itself plus lease state. WorkerID and StartTime are set iff Status
// is InProgress; CompletionTime is set on successful completion. Status
// never regresses from Completed.
type TaskInfo struct {
	Task           Task
	Status         TaskStatus
	WorkerID       string
	StartTime      time.Time
	CompletionTime time.Time
}

func (ti *TaskInfo) leaseExpired(now time.Time, lease time.Duration) bool {
	return ti.Status == InProgress && !ti.StartTime.IsZero() && now.Sub(ti.StartTime) > lease
}

func (ti *TaskInfo) reset() {
	ti.Status = Idle
	ti.WorkerID = ""
	ti.StartTime = time.Time{}
}

func (ti *TaskInfo) assign(workerID string, now time.Time) {
	ti.Status = InProgress
	ti.WorkerID = workerID
	ti.StartTime = now
}

func (ti *TaskInfo) complete(now time.Time) {
	ti.Status = Completed
	ti.WorkerID = ""
	ti.StartTime = time.Time{}
	ti.CompletionTime = now
}

// KeyValue is a single map-emitted pair, unordered as produced and later
// sorted and grouped by the reduce worker.
type KeyValue = mrapp.KeyValue

// ihash gives the same nonnegative integer for the same key across every
// worker of a job: the 64-bit FNV-1a of the key bytes, low 31 bits. The
// bucket a key belongs to is ihash(key) mod R.
func ihash(key string) int {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int(h.Sum64() & 0x7fffffff)
}

func intermediateFilename(mapIndex, reduceIndex int) string {
	return fmt.Sprintf("mr-%d-%d", mapIndex, reduceIndex)
}

func outputFilename(reduceIndex int) string {
	return fmt.Sprintf("mr-out-%d", reduceIndex)
}
