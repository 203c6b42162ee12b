package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lws.localdev.org/compute"
)

// scriptInvoker answers per function name, optionally failing the
// first N calls.
type scriptInvoker struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string]int
	handlers map[string]func(payload []byte) ([]byte, error)
}

func newScriptInvoker() *scriptInvoker {
	return &scriptInvoker{
		calls:    make(map[string]int),
		failures: make(map[string]int),
		handlers: make(map[string]func([]byte) ([]byte, error)),
	}
}

func (s *scriptInvoker) Invoke(_ context.Context, name string, payload []byte) ([]byte, error) {
	s.mu.Lock()
	s.calls[name]++
	n := s.calls[name]
	fails := s.failures[name]
	h := s.handlers[name]
	s.mu.Unlock()
	if n <= fails {
		return nil, &compute.InvokeError{ErrorType: "Service.Unavailable", ErrorMessage: "try later"}
	}
	if h != nil {
		return h(payload)
	}
	return []byte(fmt.Sprintf(`{"from":%q}`, name)), nil
}

func (s *scriptInvoker) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func runExpress(t *testing.T, inv compute.Invoker, source string, input string) *Execution {
	t.Helper()
	e := NewEngine(inv, 100*time.Millisecond)
	_, err := e.CreateMachine("m", source, TypeExpress)
	require.NoError(t, err)
	exec, err := e.StartExecution("m", "", json.RawMessage(input))
	require.NoError(t, err)
	return exec
}

func TestParseValidation(t *testing.T) {
	cases := map[string]string{
		"missing startat":   `{"States":{"A":{"Type":"Succeed"}}}`,
		"unknown startat":   `{"StartAt":"X","States":{"A":{"Type":"Succeed"}}}`,
		"dangling next":     `{"StartAt":"A","States":{"A":{"Type":"Pass","Next":"Nope"}}}`,
		"task no resource":  `{"StartAt":"A","States":{"A":{"Type":"Task","End":true}}}`,
		"no next or end":    `{"StartAt":"A","States":{"A":{"Type":"Pass"}}}`,
		"choice no choices": `{"StartAt":"A","States":{"A":{"Type":"Choice"}}}`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(src)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}
	_, err := Parse(`{"StartAt":"A","States":{"A":{"Type":"Succeed"}}}`)
	assert.NoError(t, err)
}

func TestPassAndPathProcessing(t *testing.T) {
	src := `{
		"StartAt": "Shape",
		"States": {
			"Shape": {
				"Type": "Pass",
				"InputPath": "$.order",
				"Parameters": {"id.$": "$.id", "static": 7},
				"ResultPath": "$.shaped",
				"Next": "Done"
			},
			"Done": {"Type": "Succeed", "OutputPath": "$.shaped"}
		}
	}`
	exec := runExpress(t, newScriptInvoker(), src, `{"order":{"id":"o-1","total":3}}`)
	require.Equal(t, StatusSucceeded, exec.Status)
	assert.Equal(t, map[string]any{"id": "o-1", "static": float64(7)}, exec.Output)
}

func TestTaskRetryThenCatch(t *testing.T) {
	src := `{
		"StartAt": "Flaky",
		"States": {
			"Flaky": {
				"Type": "Task",
				"Resource": "flaky",
				"Retry": [{"ErrorEquals": ["Service.Unavailable"], "IntervalSeconds": 0.01, "MaxAttempts": 2, "BackoffRate": 1}],
				"Catch": [{"ErrorEquals": ["States.ALL"], "ResultPath": "$.problem", "Next": "Recover"}],
				"End": true
			},
			"Recover": {"Type": "Pass", "End": true}
		}
	}`

	t.Run("retry succeeds", func(t *testing.T) {
		inv := newScriptInvoker()
		inv.failures["flaky"] = 2
		exec := runExpress(t, inv, src, `{}`)
		require.Equal(t, StatusSucceeded, exec.Status)
		assert.Equal(t, 3, inv.count("flaky"), "two failures then success")
	})

	t.Run("retry exhausted routes to catch", func(t *testing.T) {
		inv := newScriptInvoker()
		inv.failures["flaky"] = 10
		exec := runExpress(t, inv, src, `{"kept":true}`)
		require.Equal(t, StatusSucceeded, exec.Status)
		assert.Equal(t, 3, inv.count("flaky"), "initial try plus two retries")
		out, ok := exec.Output.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, true, out["kept"])
		problem, ok := out["problem"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "Service.Unavailable", problem["Error"])
	})

	t.Run("unmatched error fails execution", func(t *testing.T) {
		inv := newScriptInvoker()
		inv.failures["solo"] = 1
		exec := runExpress(t, inv, `{
			"StartAt": "Solo",
			"States": {"Solo": {"Type": "Task", "Resource": "solo", "End": true}}
		}`, `{}`)
		require.Equal(t, StatusFailed, exec.Status)
		assert.Equal(t, "Service.Unavailable", exec.Error)
	})
}

func TestChoiceRouting(t *testing.T) {
	src := `{
		"StartAt": "Route",
		"States": {
			"Route": {
				"Type": "Choice",
				"Choices": [
					{"Variable": "$.total", "NumericGreaterThan": 100, "Next": "Big"},
					{"And": [
						{"Variable": "$.status", "StringEquals": "vip"},
						{"Variable": "$.total", "NumericGreaterThanEquals": 10}
					], "Next": "Vip"},
					{"Variable": "$.flag", "IsPresent": true, "Next": "Flagged"}
				],
				"Default": "Small"
			},
			"Big":     {"Type": "Pass", "Result": "big", "End": true},
			"Vip":     {"Type": "Pass", "Result": "vip", "End": true},
			"Flagged": {"Type": "Pass", "Result": "flagged", "End": true},
			"Small":   {"Type": "Pass", "Result": "small", "End": true}
		}
	}`
	for input, want := range map[string]string{
		`{"total":500}`:                 "big",
		`{"total":20,"status":"vip"}`:   "vip",
		`{"total":1,"flag":null}`:       "flagged",
		`{"total":1,"status":"normal"}`: "small",
	} {
		exec := runExpress(t, newScriptInvoker(), src, input)
		require.Equal(t, StatusSucceeded, exec.Status, input)
		assert.Equal(t, want, exec.Output, input)
	}

	t.Run("no default fails with NoChoiceMatched", func(t *testing.T) {
		exec := runExpress(t, newScriptInvoker(), `{
			"StartAt": "Route",
			"States": {
				"Route": {"Type": "Choice", "Choices": [{"Variable": "$.x", "NumericEquals": 1, "Next": "Done"}]},
				"Done": {"Type": "Succeed"}
			}
		}`, `{"x":2}`)
		require.Equal(t, StatusFailed, exec.Status)
		assert.Equal(t, ErrNameNoChoiceMatched, exec.Error)
	})
}

func TestWaitClamp(t *testing.T) {
	src := `{
		"StartAt": "Hold",
		"States": {
			"Hold": {"Type": "Wait", "Seconds": 3600, "Next": "Done"},
			"Done": {"Type": "Succeed"}
		}
	}`
	start := time.Now()
	exec := runExpress(t, newScriptInvoker(), src, `{}`)
	require.Equal(t, StatusSucceeded, exec.Status)
	assert.Less(t, time.Since(start), time.Second, "hour-long wait clamped to the configured maximum")
}

func TestParallelBranches(t *testing.T) {
	src := `{
		"StartAt": "Fan",
		"States": {
			"Fan": {
				"Type": "Parallel",
				"Branches": [
					{"StartAt": "A", "States": {"A": {"Type": "Task", "Resource": "left", "End": true}}},
					{"StartAt": "B", "States": {"B": {"Type": "Task", "Resource": "right", "End": true}}}
				],
				"End": true
			}
		}
	}`
	exec := runExpress(t, newScriptInvoker(), src, `{}`)
	require.Equal(t, StatusSucceeded, exec.Status)
	out, ok := exec.Output.([]any)
	require.True(t, ok)
	require.Len(t, out, 2)
	assert.Equal(t, map[string]any{"from": "left"}, out[0])
	assert.Equal(t, map[string]any{"from": "right"}, out[1])

	t.Run("branch failure fails the state", func(t *testing.T) {
		inv := newScriptInvoker()
		inv.failures["right"] = 10
		exec := runExpress(t, inv, src, `{}`)
		require.Equal(t, StatusFailed, exec.Status)
		assert.Equal(t, "Service.Unavailable", exec.Error)
	})
}

func TestMapIteration(t *testing.T) {
	inv := newScriptInvoker()
	inv.handlers["double"] = func(payload []byte) ([]byte, error) {
		var doc map[string]any
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, err
		}
		n := doc["value"].(float64)
		return json.Marshal(map[string]any{"doubled": n * 2, "index": doc["index"]})
	}
	src := `{
		"StartAt": "Each",
		"States": {
			"Each": {
				"Type": "Map",
				"ItemsPath": "$.items",
				"MaxConcurrency": 2,
				"Parameters": {"value.$": "$$.Map.Item.Value", "index.$": "$$.Map.Item.Index"},
				"Iterator": {
					"StartAt": "Double",
					"States": {"Double": {"Type": "Task", "Resource": "double", "End": true}}
				},
				"End": true
			}
		}
	}`
	exec := runExpress(t, inv, src, `{"items":[1,2,3]}`)
	require.Equal(t, StatusSucceeded, exec.Status)
	out, ok := exec.Output.([]any)
	require.True(t, ok)
	require.Len(t, out, 3)
	// Results keep item order regardless of completion order.
	for i, want := range []float64{2, 4, 6} {
		entry := out[i].(map[string]any)
		assert.Equal(t, want, entry["doubled"])
		assert.Equal(t, float64(i), entry["index"])
	}
}

func TestFailState(t *testing.T) {
	exec := runExpress(t, newScriptInvoker(), `{
		"StartAt": "Nope",
		"States": {"Nope": {"Type": "Fail", "Error": "Order.Rejected", "Cause": "manual review"}}
	}`, `{}`)
	require.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, "Order.Rejected", exec.Error)
	assert.Equal(t, "manual review", exec.Cause)
}

func TestStandardExecutionLifecycle(t *testing.T) {
	inv := newScriptInvoker()
	e := NewEngine(inv, 100*time.Millisecond)
	_, err := e.CreateMachine("orders", `{
		"StartAt": "Work",
		"States": {
			"Work": {"Type": "Task", "Resource": "worker", "Next": "Done"},
			"Done": {"Type": "Succeed"}
		}
	}`, TypeStandard)
	require.NoError(t, err)

	exec, err := e.StartExecution("orders", "run-1", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:states:local-1:000000000000:execution:orders:run-1", exec.ARN)
	e.Wait()

	got, err := e.DescribeExecution(exec.ARN)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)

	history, err := e.GetExecutionHistory(exec.ARN)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Work", history[0].State)
	assert.Equal(t, "Done", history[1].State)
	assert.Empty(t, history[0].Error)

	list, err := e.ListExecutions("orders", StatusSucceeded)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = e.ListExecutions("orders", StatusFailed)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStopExecutionAborts(t *testing.T) {
	inv := newScriptInvoker()
	e := NewEngine(inv, 10*time.Second)
	_, err := e.CreateMachine("slow", `{
		"StartAt": "Hold",
		"States": {
			"Hold": {"Type": "Wait", "Seconds": 8, "Next": "Done"},
			"Done": {"Type": "Succeed"}
		}
	}`, TypeStandard)
	require.NoError(t, err)

	exec, err := e.StartExecution("slow", "", nil)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	stopped, err := e.StopExecution(exec.ARN)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, stopped.Status)
	e.Wait()
	got, err := e.DescribeExecution(exec.ARN)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, got.Status)
}

func TestMachineLifecycle(t *testing.T) {
	e := NewEngine(newScriptInvoker(), 0)
	src := `{"StartAt":"A","States":{"A":{"Type":"Succeed"}}}`
	m, err := e.CreateMachine("m1", src, "")
	require.NoError(t, err)
	assert.Equal(t, TypeStandard, m.Type)
	assert.Equal(t, "arn:aws:states:local-1:000000000000:stateMachine:m1", m.ARN)

	_, err = e.CreateMachine("m1", src, "")
	assert.ErrorIs(t, err, ErrMachineExists)
	_, err = e.CreateMachine("m2", src, "FANCY")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.UpdateMachine("m1", `{"StartAt":"B","States":{"B":{"Type":"Succeed"}}}`)
	require.NoError(t, err)
	got, err := e.GetMachine("m1")
	require.NoError(t, err)
	assert.Equal(t, "B", got.Definition.StartAt)

	assert.Len(t, e.ListMachines(), 1)
	require.NoError(t, e.DeleteMachine("m1"))
	assert.ErrorIs(t, e.DeleteMachine("m1"), ErrMachineNotFound)
}
