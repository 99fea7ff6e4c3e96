package mr

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapreduce/internal/mrapp"
)

func wordCountApp() mrapp.Application {
	return mrapp.Application{
		Name: "test-wordcount",
		Map: func(_ string, contents string) []mrapp.KeyValue {
			var kvs []mrapp.KeyValue
			for _, w := range strings.Fields(contents) {
				kvs = append(kvs, mrapp.KeyValue{Key: w, Value: "1"})
			}
			return kvs
		},
		Reduce: func(_ string, values []string) string {
			return strconv.Itoa(len(values))
		},
	}
}

func testWorker(t *testing.T, app mrapp.Application) *Worker {
	t.Helper()
	return &Worker{
		id:     "test-worker",
		mapFn:  app.Map,
		reduce: app.Reduce,
		cfg:    testConfig(),
		log:    logrus.NewEntry(logrus.New()),
	}
}

func TestExecuteMapWritesAllBucketsIncludingEmpty(t *testing.T) {
	dir := t.TempDir()
	oldwd, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(oldwd)

	input := filepath.Join(dir, "in.txt")
	require.NoError(t, os.WriteFile(input, []byte("alpha beta alpha"), 0o644))

	w := testWorker(t, wordCountApp())
	task := Task{TaskID: 0, Kind: Map, InputFiles: []string{input}, NReduce: 5, MapIndex: 0, ReduceIndex: -1}

	ok, errMsg := w.executeMap(task)
	require.True(t, ok, errMsg)

	totalLines := 0
	for j := 0; j < 5; j++ {
		path := intermediateFilename(0, j)
		data, err := os.ReadFile(path)
		require.NoError(t, err, "every bucket file must exist, even if empty")
		if len(data) > 0 {
			totalLines += strings.Count(string(data), "\n")
		}
	}
	assert.Equal(t, 3, totalLines)
}

func TestExecuteMapIsIdempotentAcrossReExecution(t *testing.T) {
	dir := t.TempDir()
	oldwd, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(oldwd)

	input := filepath.Join(dir, "in.txt")
	require.NoError(t, os.WriteFile(input, []byte("one two three four"), 0o644))

	w := testWorker(t, wordCountApp())
	task := Task{TaskID: 0, Kind: Map, InputFiles: []string{input}, NReduce: 3, MapIndex: 0, ReduceIndex: -1}

	ok, _ := w.executeMap(task)
	require.True(t, ok)
	first := map[string][]byte{}
	for j := 0; j < 3; j++ {
		data, err := os.ReadFile(intermediateFilename(0, j))
		require.NoError(t, err)
		first[intermediateFilename(0, j)] = data
	}

	ok, _ = w.executeMap(task)
	require.True(t, ok)
	for path, want := range first {
		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, want, got, "re-executing a deterministic map must be byte-identical")
	}
}

func TestExecuteReduceToleratesMissingInputFiles(t *testing.T) {
	dir := t.TempDir()
	oldwd, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(oldwd)

	require.NoError(t, os.WriteFile(intermediateFilename(0, 0), []byte(`{"key":"a","value":"1"}`+"\n"), 0o644))
	// mr-1-0 deliberately absent

	w := testWorker(t, wordCountApp())
	task := Task{
		TaskID:      10,
		Kind:        Reduce,
		InputFiles:  []string{intermediateFilename(0, 0), intermediateFilename(1, 0)},
		OutputFile:  outputFilename(0),
		NReduce:     2,
		MapIndex:    -1,
		ReduceIndex: 0,
	}

	ok, errMsg := w.executeReduce(task)
	require.True(t, ok, errMsg)

	data, err := os.ReadFile(outputFilename(0))
	require.NoError(t, err)
	assert.Equal(t, "a 1\n", string(data))
}

func TestExecuteReduceEmptyInputProducesEmptyOutput(t *testing.T) {
	dir := t.TempDir()
	oldwd, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(oldwd)

	w := testWorker(t, wordCountApp())
	task := Task{
		TaskID:      10,
		Kind:        Reduce,
		InputFiles:  []string{},
		OutputFile:  outputFilename(0),
		NReduce:     1,
		MapIndex:    -1,
		ReduceIndex: 0,
	}

	ok, errMsg := w.executeReduce(task)
	require.True(t, ok, errMsg)

	data, err := os.ReadFile(outputFilename(0))
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestExecuteReduceSortsOutputAscending(t *testing.T) {
	dir := t.TempDir()
	oldwd, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(oldwd)

	content := `{"key":"zebra","value":"1"}
{"key":"apple","value":"1"}
{"key":"mango","value":"1"}
{"key":"apple","value":"1"}
`
	require.NoError(t, os.WriteFile(intermediateFilename(0, 0), []byte(content), 0o644))

	w := testWorker(t, wordCountApp())
	task := Task{
		TaskID:      10,
		Kind:        Reduce,
		InputFiles:  []string{intermediateFilename(0, 0)},
		OutputFile:  outputFilename(0),
		NReduce:     1,
		MapIndex:    -1,
		ReduceIndex: 0,
	}

	ok, errMsg := w.executeReduce(task)
	require.True(t, ok, errMsg)

	data, err := os.ReadFile(outputFilename(0))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "apple 2", lines[0])
	assert.Equal(t, "mango 1", lines[1])
	assert.Equal(t, "zebra 1", lines[2])
}

func TestReadUTF8ToleratesInvalidSequences(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.txt")
	require.NoError(t, os.WriteFile(path, []byte{'h', 'i', 0xff, 0xfe, 'x'}, 0o644))

	contents, err := readUTF8(path)
	require.NoError(t, err)
	assert.Contains(t, contents, "hi")
	assert.Contains(t, contents, "x")
}
