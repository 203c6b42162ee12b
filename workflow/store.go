package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lws.localdev.org/common"
	"lws.localdev.org/compute"
)

// Machine types. Standard executions run in the background; express
// executions run synchronously inside StartExecution.
const (
	TypeStandard = "STANDARD"
	TypeExpress  = "EXPRESS"
)

// Execution statuses.
const (
	StatusRunning   = "RUNNING"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
	StatusAborted   = "ABORTED"
)

// Machine is a registered state machine.
type Machine struct {
	Name       string
	ARN        string
	Type       string
	Source     string
	Definition *Definition
	CreatedAt  time.Time
}

// Execution is one run of a machine.
type Execution struct {
	ID        string
	ARN       string
	Machine   string
	Status    string
	Input     any
	Output    any
	Error     string
	Cause     string
	StartedAt time.Time
	StoppedAt time.Time

	history []Transition
	cancel  context.CancelFunc
}

// Engine owns machines and executions.
type Engine struct {
	mu         sync.RWMutex
	machines   map[string]*Machine
	executions map[string]*Execution
	interp     *Interpreter
	log        *logrus.Entry
	wg         sync.WaitGroup
}

// NewEngine builds a workflow engine. maxWait bounds Wait states, zero
// selects the default.
func NewEngine(invoker compute.Invoker, maxWait time.Duration) *Engine {
	return &Engine{
		machines:   make(map[string]*Machine),
		executions: make(map[string]*Execution),
		interp:     NewInterpreter(invoker, maxWait),
		log:        common.ServiceLogger("workflow"),
	}
}

// SetInvoker rebinds the compute invoker. Used at startup when compute
// comes up after the workflow service.
func (e *Engine) SetInvoker(inv compute.Invoker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interp.invoker = inv
}

// CreateMachine parses, validates and registers a definition.
func (e *Engine) CreateMachine(name, source, machineType string) (*Machine, error) {
	switch machineType {
	case "":
		machineType = TypeStandard
	case TypeStandard, TypeExpress:
	default:
		return nil, fmt.Errorf("%w: unknown machine type %q", ErrValidation, machineType)
	}
	def, err := Parse(source)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.machines[name]; ok {
		return nil, ErrMachineExists
	}
	m := &Machine{
		Name:       name,
		ARN:        common.StateMachineARN(name),
		Type:       machineType,
		Source:     source,
		Definition: def,
		CreatedAt:  time.Now().UTC(),
	}
	e.machines[name] = m
	e.log.WithFields(logrus.Fields{"machine": name, "type": machineType}).Info("state machine created")
	return m, nil
}

// UpdateMachine replaces the definition of an existing machine.
func (e *Engine) UpdateMachine(name, source string) (*Machine, error) {
	def, err := Parse(source)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.machines[name]
	if !ok {
		return nil, ErrMachineNotFound
	}
	m.Source = source
	m.Definition = def
	return m, nil
}

func (e *Engine) DeleteMachine(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.machines[name]; !ok {
		return ErrMachineNotFound
	}
	delete(e.machines, name)
	return nil
}

func (e *Engine) GetMachine(name string) (*Machine, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.machines[name]
	if !ok {
		return nil, ErrMachineNotFound
	}
	return m, nil
}

func (e *Engine) ListMachines() []*Machine {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Machine, 0, len(e.machines))
	for _, m := range e.machines {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StartExecution runs a machine. Express machines run synchronously
// and the returned execution is already terminal; standard machines
// return immediately with a RUNNING execution.
func (e *Engine) StartExecution(machine, name string, input json.RawMessage) (*Execution, error) {
	e.mu.Lock()
	m, ok := e.machines[machine]
	if !ok {
		e.mu.Unlock()
		return nil, ErrMachineNotFound
	}
	var doc any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &doc); err != nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: input is not valid JSON", ErrValidation)
		}
	}
	if name == "" {
		name = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	exec := &Execution{
		ID:        name,
		ARN:       common.ExecutionARN(machine, name),
		Machine:   machine,
		Status:    StatusRunning,
		Input:     doc,
		StartedAt: time.Now().UTC(),
		cancel:    cancel,
	}
	e.executions[exec.ARN] = exec
	e.mu.Unlock()

	if m.Type == TypeExpress {
		e.execute(ctx, m, exec)
		return exec, nil
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(ctx, m, exec)
	}()
	return exec, nil
}

func (e *Engine) execute(ctx context.Context, m *Machine, exec *Execution) {
	defer exec.cancel()
	record := func(tr Transition) {
		e.mu.Lock()
		exec.history = append(exec.history, tr)
		e.mu.Unlock()
	}
	output, err := e.interp.Run(ctx, m.Definition, exec.Input, record)

	e.mu.Lock()
	defer e.mu.Unlock()
	exec.StoppedAt = time.Now().UTC()
	if exec.Status == StatusAborted {
		return
	}
	if err != nil {
		exec.Status = StatusFailed
		if serr, ok := err.(*StateError); ok {
			exec.Error = serr.Name
			exec.Cause = serr.Cause
		} else {
			exec.Error = ErrNameRuntime
			exec.Cause = err.Error()
		}
		e.log.WithFields(logrus.Fields{
			"machine": m.Name, "execution": exec.ID, "error": exec.Error,
		}).Warn("execution failed")
		return
	}
	exec.Status = StatusSucceeded
	exec.Output = output
	e.log.WithFields(logrus.Fields{"machine": m.Name, "execution": exec.ID}).Info("execution succeeded")
}

// DescribeExecution looks up an execution by ARN.
func (e *Engine) DescribeExecution(arn string) (*Execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.executions[arn]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return exec, nil
}

// StopExecution aborts a running execution. Stopping a terminal
// execution is a no-op.
func (e *Engine) StopExecution(arn string) (*Execution, error) {
	e.mu.Lock()
	exec, ok := e.executions[arn]
	if !ok {
		e.mu.Unlock()
		return nil, ErrExecutionNotFound
	}
	if exec.Status == StatusRunning {
		exec.Status = StatusAborted
		exec.StoppedAt = time.Now().UTC()
	}
	cancel := exec.cancel
	e.mu.Unlock()
	cancel()
	return exec, nil
}

// GetExecutionHistory returns the recorded transitions in order.
func (e *Engine) GetExecutionHistory(arn string) ([]Transition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.executions[arn]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	out := make([]Transition, len(exec.history))
	copy(out, exec.history)
	return out, nil
}

// ListExecutions returns executions of a machine, optionally filtered
// by status, most recent first.
func (e *Engine) ListExecutions(machine, status string) ([]*Execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, ok := e.machines[machine]; !ok {
		return nil, ErrMachineNotFound
	}
	var out []*Execution
	for _, exec := range e.executions {
		if exec.Machine != machine {
			continue
		}
		if status != "" && exec.Status != status {
			continue
		}
		out = append(out, exec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// Wait blocks until all background executions finish. Used by tests
// and shutdown.
func (e *Engine) Wait() { e.wg.Wait() }

// Reset aborts running executions and clears all state.
func (e *Engine) Reset() {
	e.mu.Lock()
	for _, exec := range e.executions {
		if exec.Status == StatusRunning {
			exec.Status = StatusAborted
			exec.StoppedAt = time.Now().UTC()
			exec.cancel()
		}
	}
	e.mu.Unlock()
	e.wg.Wait()
	e.mu.Lock()
	e.machines = make(map[string]*Machine)
	e.executions = make(map[string]*Execution)
	e.mu.Unlock()
}
