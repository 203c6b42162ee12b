package service

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"lws.localdev.org/dispatch"
	"lws.localdev.org/workflow"
)

// NewWorkflowProvider serves the state machine protocol (JSON-targeted
// dialect).
func NewWorkflowProvider(deps *Deps, engine *workflow.Engine) *httpProvider {
	h := &workflowHandlers{engine: engine}
	table := &dispatch.Table{
		Service:      "workflow",
		ActionPrefix: "states",
		Ops: map[string]dispatch.HandlerFunc{
			"CreateStateMachine":   h.createMachine,
			"UpdateStateMachine":   h.updateMachine,
			"DeleteStateMachine":   h.deleteMachine,
			"DescribeStateMachine": h.describeMachine,
			"ListStateMachines":    h.listMachines,
			"StartExecution":       h.startExecution,
			"DescribeExecution":    h.describeExecution,
			"StopExecution":        h.stopExecution,
			"GetExecutionHistory":  h.executionHistory,
			"ListExecutions":       h.listExecutions,
		},
		Resource: func(c *dispatch.Call) string {
			if arn := c.String("StateMachineArn"); arn != "" {
				return arn
			}
			return c.String("ExecutionArn")
		},
		Evaluator:      deps.Evaluator,
		TranslateError: translateWorkflowError,
	}
	return newHTTPProvider("workflow", deps.port(OffsetWorkflow), deps, nil, func(e *echo.Echo) {
		table.Register(e)
	})
}

func translateWorkflowError(err error) *dispatch.Error {
	switch {
	case errors.Is(err, workflow.ErrMachineNotFound):
		return dispatch.NewError("StateMachineDoesNotExist", err.Error(), 400)
	case errors.Is(err, workflow.ErrExecutionNotFound):
		return dispatch.NewError("ExecutionDoesNotExist", err.Error(), 400)
	case errors.Is(err, workflow.ErrMachineExists):
		return dispatch.NewError("StateMachineAlreadyExists", err.Error(), 400)
	case errors.Is(err, workflow.ErrInvalidDefinition):
		return dispatch.NewError("InvalidDefinition", err.Error(), 400)
	case errors.Is(err, workflow.ErrValidation):
		return dispatch.NewError("ValidationException", err.Error(), 400)
	}
	return nil
}

type workflowHandlers struct {
	engine *workflow.Engine
}

func machineNameFromARN(arn string) string {
	if i := strings.LastIndexByte(arn, ':'); i != -1 {
		return arn[i+1:]
	}
	return arn
}

func (h *workflowHandlers) createMachine(c *dispatch.Call) (any, error) {
	m, err := h.engine.CreateMachine(c.String("Name"), c.String("Definition"), c.String("Type"))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"StateMachineArn": m.ARN,
		"CreationDate":    m.CreatedAt.Format(time.RFC3339),
	}, nil
}

func (h *workflowHandlers) updateMachine(c *dispatch.Call) (any, error) {
	name := machineNameFromARN(c.String("StateMachineArn"))
	_, err := h.engine.UpdateMachine(name, c.String("Definition"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"UpdateDate": time.Now().UTC().Format(time.RFC3339)}, nil
}

func (h *workflowHandlers) deleteMachine(c *dispatch.Call) (any, error) {
	return nil, h.engine.DeleteMachine(machineNameFromARN(c.String("StateMachineArn")))
}

func (h *workflowHandlers) describeMachine(c *dispatch.Call) (any, error) {
	m, err := h.engine.GetMachine(machineNameFromARN(c.String("StateMachineArn")))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"Name":            m.Name,
		"StateMachineArn": m.ARN,
		"Type":            m.Type,
		"Definition":      m.Source,
		"CreationDate":    m.CreatedAt.Format(time.RFC3339),
	}, nil
}

func (h *workflowHandlers) listMachines(c *dispatch.Call) (any, error) {
	machines := h.engine.ListMachines()
	out := make([]map[string]any, 0, len(machines))
	for _, m := range machines {
		out = append(out, map[string]any{
			"Name":            m.Name,
			"StateMachineArn": m.ARN,
			"Type":            m.Type,
			"CreationDate":    m.CreatedAt.Format(time.RFC3339),
		})
	}
	return map[string]any{"StateMachines": out}, nil
}

func (h *workflowHandlers) startExecution(c *dispatch.Call) (any, error) {
	var req struct {
		StateMachineArn string `json:"StateMachineArn"`
		Name            string `json:"Name"`
		Input           string `json:"Input"`
	}
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	exec, err := h.engine.StartExecution(machineNameFromARN(req.StateMachineArn), req.Name, json.RawMessage(req.Input))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ExecutionArn": exec.ARN,
		"StartDate":    exec.StartedAt.Format(time.RFC3339Nano),
	}, nil
}

func executionView(exec *workflow.Execution) map[string]any {
	out := map[string]any{
		"ExecutionArn": exec.ARN,
		"Name":         exec.ID,
		"Status":       exec.Status,
		"StartDate":    exec.StartedAt.Format(time.RFC3339Nano),
	}
	if input, err := json.Marshal(exec.Input); err == nil {
		out["Input"] = string(input)
	}
	if !exec.StoppedAt.IsZero() {
		out["StopDate"] = exec.StoppedAt.Format(time.RFC3339Nano)
	}
	if exec.Status == workflow.StatusSucceeded {
		if output, err := json.Marshal(exec.Output); err == nil {
			out["Output"] = string(output)
		}
	}
	if exec.Error != "" {
		out["Error"] = exec.Error
		out["Cause"] = exec.Cause
	}
	return out
}

func (h *workflowHandlers) describeExecution(c *dispatch.Call) (any, error) {
	exec, err := h.engine.DescribeExecution(c.String("ExecutionArn"))
	if err != nil {
		return nil, err
	}
	return executionView(exec), nil
}

func (h *workflowHandlers) stopExecution(c *dispatch.Call) (any, error) {
	exec, err := h.engine.StopExecution(c.String("ExecutionArn"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"StopDate": exec.StoppedAt.Format(time.RFC3339Nano)}, nil
}

func (h *workflowHandlers) executionHistory(c *dispatch.Call) (any, error) {
	history, err := h.engine.GetExecutionHistory(c.String("ExecutionArn"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"Events": history}, nil
}

func (h *workflowHandlers) listExecutions(c *dispatch.Call) (any, error) {
	execs, err := h.engine.ListExecutions(
		machineNameFromARN(c.String("StateMachineArn")),
		c.String("StatusFilter"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(execs))
	for _, exec := range execs {
		out = append(out, executionView(exec))
	}
	return map[string]any{"Executions": out}, nil
}
