package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"lws.localdev.org/common"
	"lws.localdev.org/compute"
	"lws.localdev.org/jsonpath"
)

// Well-known error names surfaced by the interpreter. Retry and catch
// policies match on these (or on handler-defined names); States.ALL
// matches anything.
const (
	ErrNameAll             = "States.ALL"
	ErrNameTimeout         = "States.Timeout"
	ErrNameTaskFailed      = "States.TaskFailed"
	ErrNameNoChoiceMatched = "States.NoChoiceMatched"
	ErrNameRuntime         = "States.Runtime"
	ErrNameFailed          = "States.Failed"
)

// DefaultMaxWait clamps Wait states so local runs stay fast.
const DefaultMaxWait = 5 * time.Second

// StateError is a named execution error, the unit retry/catch match on.
type StateError struct {
	Name  string
	Cause string
}

func (e *StateError) Error() string { return fmt.Sprintf("%s: %s", e.Name, e.Cause) }

func (e *StateError) matches(names []string) bool {
	for _, n := range names {
		if n == ErrNameAll || n == e.Name {
			return true
		}
	}
	return false
}

// Transition is one recorded state completion.
type Transition struct {
	State      string    `json:"state"`
	Type       string    `json:"type"`
	Input      any       `json:"input,omitempty"`
	Output     any       `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	Cause      string    `json:"cause,omitempty"`
	At         time.Time `json:"at"`
	DurationMS float64   `json:"durationMs"`
}

// Recorder receives transitions as states complete. Nested branch and
// iteration states are not recorded, only the parent level.
type Recorder func(Transition)

// Interpreter executes definitions against a compute invoker.
type Interpreter struct {
	invoker compute.Invoker
	maxWait time.Duration
	log     *logrus.Entry
}

// NewInterpreter builds an interpreter. maxWait bounds every Wait
// state; zero selects the default.
func NewInterpreter(invoker compute.Invoker, maxWait time.Duration) *Interpreter {
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &Interpreter{
		invoker: invoker,
		maxWait: maxWait,
		log:     common.ServiceLogger("workflow"),
	}
}

// Run executes a definition to completion and returns the final output.
func (it *Interpreter) Run(ctx context.Context, def *Definition, input any, rec Recorder) (any, error) {
	return it.run(ctx, def, input, nil, rec)
}

func (it *Interpreter) run(ctx context.Context, def *Definition, doc, ctxObj any, rec Recorder) (any, error) {
	cur := def.StartAt
	for {
		if err := ctx.Err(); err != nil {
			return nil, &StateError{Name: ErrNameRuntime, Cause: err.Error()}
		}
		st := def.States[cur]
		started := time.Now()
		output, next, terminal, serr := it.step(ctx, def, st, doc, ctxObj)
		if rec != nil {
			tr := Transition{
				State:      cur,
				Type:       st.Type,
				Input:      doc,
				Output:     output,
				At:         started,
				DurationMS: float64(time.Since(started).Microseconds()) / 1000.0,
			}
			if serr != nil {
				tr.Error = serr.Name
				tr.Cause = serr.Cause
			}
			rec(tr)
		}
		if serr != nil {
			return nil, serr
		}
		if terminal {
			return output, nil
		}
		doc = output
		cur = next
	}
}

// step executes one state: I/O processing around the variant logic.
func (it *Interpreter) step(ctx context.Context, def *Definition, st *State, doc, ctxObj any) (output any, next string, terminal bool, serr *StateError) {
	in, err := jsonpath.ApplyInputPath(st.InputPath, doc, ctxObj)
	if err != nil {
		return nil, "", false, &StateError{Name: ErrNameRuntime, Cause: err.Error()}
	}
	if st.Parameters != nil && st.Type != "Map" {
		in, err = jsonpath.ApplyParameters(st.Parameters, in, ctxObj)
		if err != nil {
			return nil, "", false, &StateError{Name: ErrNameRuntime, Cause: err.Error()}
		}
	}

	var result any
	var catchNext string
	switch st.Type {
	case "Pass":
		result = in
		if st.Result != nil {
			result = st.Result
		}
	case "Task":
		result, catchNext, serr = it.recover(ctx, st, in, func(ctx context.Context, in any) (any, *StateError) {
			return it.invokeTask(ctx, st, in)
		})
	case "Parallel":
		result, catchNext, serr = it.recover(ctx, st, in, func(ctx context.Context, in any) (any, *StateError) {
			return it.runParallel(ctx, st, in)
		})
	case "Map":
		result, catchNext, serr = it.recover(ctx, st, in, func(ctx context.Context, in any) (any, *StateError) {
			return it.runMap(ctx, st, in, ctxObj)
		})
	case "Choice":
		for _, rule := range st.Choices {
			ok, err := evalRule(rule, in, ctxObj)
			if err != nil {
				return nil, "", false, &StateError{Name: ErrNameRuntime, Cause: err.Error()}
			}
			if ok {
				return in, rule.Next, false, nil
			}
		}
		if st.Default != "" {
			return in, st.Default, false, nil
		}
		return nil, "", false, &StateError{Name: ErrNameNoChoiceMatched, Cause: "no choice rule matched and no default given"}
	case "Wait":
		if serr := it.wait(ctx, st, in, ctxObj); serr != nil {
			return nil, "", false, serr
		}
		result = in
	case "Succeed":
		out, err := applyOutputPath(st, in, ctxObj)
		if err != nil {
			return nil, "", false, &StateError{Name: ErrNameRuntime, Cause: err.Error()}
		}
		return out, "", true, nil
	case "Fail":
		name := st.Error
		if name == "" {
			name = ErrNameFailed
		}
		return nil, "", false, &StateError{Name: name, Cause: st.Cause}
	default:
		return nil, "", false, &StateError{Name: ErrNameRuntime, Cause: fmt.Sprintf("unknown state type %q", st.Type)}
	}
	if serr != nil {
		return nil, "", false, serr
	}
	if catchNext != "" {
		// The catcher already produced the output document.
		return result, catchNext, false, nil
	}

	if st.ResultSelector != nil {
		result, err = jsonpath.ApplyParameters(st.ResultSelector, result, ctxObj)
		if err != nil {
			return nil, "", false, &StateError{Name: ErrNameRuntime, Cause: err.Error()}
		}
	}
	merged, err := jsonpath.ApplyResultPath(st.ResultPath, in, result)
	if err != nil {
		return nil, "", false, &StateError{Name: ErrNameRuntime, Cause: err.Error()}
	}
	out, err := applyOutputPath(st, merged, ctxObj)
	if err != nil {
		return nil, "", false, &StateError{Name: ErrNameRuntime, Cause: err.Error()}
	}
	if st.End {
		return out, "", true, nil
	}
	return out, st.Next, false, nil
}

func applyOutputPath(st *State, doc, ctxObj any) (any, error) {
	if st.OutputPath == nil || *st.OutputPath == "$" {
		return doc, nil
	}
	return jsonpath.Resolve(*st.OutputPath, doc, ctxObj)
}

// recover wraps a state body with the retry and catch policies.
func (it *Interpreter) recover(ctx context.Context, st *State, in any, do func(context.Context, any) (any, *StateError)) (any, string, *StateError) {
	attempts := make([]int, len(st.Retry))
	for {
		result, serr := do(ctx, in)
		if serr == nil {
			return result, "", nil
		}
		retried := false
		for i, policy := range st.Retry {
			if !serr.matches(policy.ErrorEquals) {
				continue
			}
			if attempts[i] >= policy.maxAttempts() {
				break
			}
			delay := policy.interval() * math.Pow(policy.backoff(), float64(attempts[i]))
			attempts[i]++
			it.log.WithFields(logrus.Fields{
				"error": serr.Name, "attempt": attempts[i], "delaySeconds": delay,
			}).Debug("retrying state")
			if err := sleep(ctx, time.Duration(delay*float64(time.Second))); err != nil {
				return nil, "", &StateError{Name: ErrNameRuntime, Cause: err.Error()}
			}
			retried = true
			break
		}
		if retried {
			continue
		}
		for _, c := range st.Catch {
			if !serr.matches(c.ErrorEquals) {
				continue
			}
			errObj := map[string]any{"Error": serr.Name, "Cause": serr.Cause}
			out, err := jsonpath.ApplyResultPath(c.ResultPath, in, errObj)
			if err != nil {
				return nil, "", &StateError{Name: ErrNameRuntime, Cause: err.Error()}
			}
			return out, c.Next, nil
		}
		return nil, "", serr
	}
}

// invokeTask calls the compute invoker, classifying failures into
// named state errors.
func (it *Interpreter) invokeTask(ctx context.Context, st *State, in any) (any, *StateError) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, &StateError{Name: ErrNameRuntime, Cause: err.Error()}
	}
	callCtx := ctx
	if st.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(st.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	out, err := it.invoker.Invoke(callCtx, st.Resource, payload)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, &StateError{Name: ErrNameTimeout, Cause: fmt.Sprintf("task exceeded %ds", st.TimeoutSeconds)}
		}
		if ie, ok := err.(*compute.InvokeError); ok {
			return nil, &StateError{Name: ie.ErrorType, Cause: ie.ErrorMessage}
		}
		return nil, &StateError{Name: ErrNameTaskFailed, Cause: err.Error()}
	}
	var result any
	if len(out) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(out, &result); err != nil {
		result = string(out)
	}
	return result, nil
}

func (it *Interpreter) runParallel(ctx context.Context, st *State, in any) (any, *StateError) {
	g, gctx := errgroup.WithContext(ctx)
	results := make([]any, len(st.Branches))
	for i, branch := range st.Branches {
		g.Go(func() error {
			out, err := it.run(gctx, branch, in, nil, nil)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if serr, ok := err.(*StateError); ok {
			return nil, serr
		}
		return nil, &StateError{Name: ErrNameRuntime, Cause: err.Error()}
	}
	return results, nil
}

func (it *Interpreter) runMap(ctx context.Context, st *State, in, ctxObj any) (any, *StateError) {
	itemsDoc := in
	if st.ItemsPath != nil && *st.ItemsPath != "$" {
		resolved, err := jsonpath.Resolve(*st.ItemsPath, in, ctxObj)
		if err != nil {
			return nil, &StateError{Name: ErrNameRuntime, Cause: err.Error()}
		}
		itemsDoc = resolved
	}
	items, ok := itemsDoc.([]any)
	if !ok {
		return nil, &StateError{Name: ErrNameRuntime, Cause: "map items must be a list"}
	}

	var sem *semaphore.Weighted
	if st.MaxConcurrency > 0 {
		sem = semaphore.NewWeighted(int64(st.MaxConcurrency))
	}
	g, gctx := errgroup.WithContext(ctx)
	results := make([]any, len(items))
	for i, item := range items {
		g.Go(func() error {
			if sem != nil {
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)
			}
			iterInput := item
			if st.Parameters != nil {
				mapCtx := map[string]any{
					"Map": map[string]any{
						"Item": map[string]any{"Value": item, "Index": float64(i)},
					},
				}
				built, err := jsonpath.ApplyParameters(st.Parameters, in, mapCtx)
				if err != nil {
					return &StateError{Name: ErrNameRuntime, Cause: err.Error()}
				}
				iterInput = built
			}
			out, err := it.run(gctx, st.Iterator, iterInput, nil, nil)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if serr, ok := err.(*StateError); ok {
			return nil, serr
		}
		return nil, &StateError{Name: ErrNameRuntime, Cause: err.Error()}
	}
	return results, nil
}

// wait resolves the delay and sleeps, clamped to the configured
// maximum. The clamp applies to absolute timestamps too.
func (it *Interpreter) wait(ctx context.Context, st *State, in, ctxObj any) *StateError {
	var delay time.Duration
	switch {
	case st.Seconds != nil:
		delay = time.Duration(*st.Seconds * float64(time.Second))
	case st.SecondsPath != nil:
		v, err := jsonpath.Resolve(*st.SecondsPath, in, ctxObj)
		if err != nil {
			return &StateError{Name: ErrNameRuntime, Cause: err.Error()}
		}
		secs, ok := v.(float64)
		if !ok {
			return &StateError{Name: ErrNameRuntime, Cause: "SecondsPath must resolve to a number"}
		}
		delay = time.Duration(secs * float64(time.Second))
	case st.Timestamp != "":
		delay = untilTimestamp(st.Timestamp)
	case st.TimestampPath != nil:
		v, err := jsonpath.Resolve(*st.TimestampPath, in, ctxObj)
		if err != nil {
			return &StateError{Name: ErrNameRuntime, Cause: err.Error()}
		}
		ts, ok := v.(string)
		if !ok {
			return &StateError{Name: ErrNameRuntime, Cause: "TimestampPath must resolve to a timestamp string"}
		}
		delay = untilTimestamp(ts)
	}
	if delay > it.maxWait {
		delay = it.maxWait
	}
	if delay <= 0 {
		return nil
	}
	if err := sleep(ctx, delay); err != nil {
		return &StateError{Name: ErrNameRuntime, Cause: err.Error()}
	}
	return nil
}

func untilTimestamp(ts string) time.Duration {
	at, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return 0
	}
	return time.Until(at)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
