package service

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"

	"lws.localdev.org/common"
	"lws.localdev.org/dispatch"
	"lws.localdev.org/params"
)

// NewParamsProvider serves the parameter store protocol (JSON-targeted
// dialect).
func NewParamsProvider(deps *Deps, store *params.Store) *httpProvider {
	h := &paramsHandlers{store: store}
	table := &dispatch.Table{
		Service:      "params",
		ActionPrefix: "ssm",
		Ops: map[string]dispatch.HandlerFunc{
			"PutParameter":        h.put,
			"GetParameter":        h.get,
			"GetParametersByPath": h.getByPath,
			"DeleteParameter":     h.delete,
			"DescribeParameters":  h.describe,
		},
		Resource: func(c *dispatch.Call) string {
			if name := c.String("Name"); name != "" {
				return common.ParameterARN(name)
			}
			return ""
		},
		Evaluator:      deps.Evaluator,
		TranslateError: translateParamsError,
	}
	return newHTTPProvider("params", deps.port(OffsetParams), deps, nil, func(e *echo.Echo) {
		table.Register(e)
	})
}

func translateParamsError(err error) *dispatch.Error {
	switch {
	case errors.Is(err, params.ErrParameterNotFound):
		return dispatch.NewError("ParameterNotFound", err.Error(), 400)
	case errors.Is(err, params.ErrParameterExists):
		return dispatch.NewError("ParameterAlreadyExists", err.Error(), 400)
	case errors.Is(err, params.ErrValidation):
		return dispatch.NewError("ValidationException", err.Error(), 400)
	}
	return nil
}

type paramsHandlers struct {
	store *params.Store
}

func parameterView(p params.Parameter) map[string]any {
	return map[string]any{
		"Name":             p.Name,
		"ARN":              p.ARN,
		"Type":             p.Type,
		"Value":            p.Value,
		"Version":          p.Version,
		"LastModifiedDate": p.LastModified.Format(time.RFC3339),
	}
}

func (h *paramsHandlers) put(c *dispatch.Call) (any, error) {
	version, err := h.store.Put(
		c.String("Name"), c.String("Value"), c.String("Type"), c.Bool("Overwrite"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"Version": version, "Tier": "Standard"}, nil
}

func (h *paramsHandlers) get(c *dispatch.Call) (any, error) {
	p, err := h.store.Get(c.String("Name"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"Parameter": parameterView(p)}, nil
}

func (h *paramsHandlers) getByPath(c *dispatch.Call) (any, error) {
	found := h.store.GetByPath(c.String("Path"), c.Bool("Recursive"))
	out := make([]map[string]any, 0, len(found))
	for _, p := range found {
		out = append(out, parameterView(p))
	}
	return map[string]any{"Parameters": out}, nil
}

func (h *paramsHandlers) delete(c *dispatch.Call) (any, error) {
	return nil, h.store.Delete(c.String("Name"))
}

func (h *paramsHandlers) describe(c *dispatch.Call) (any, error) {
	all := h.store.List()
	out := make([]map[string]any, 0, len(all))
	for _, p := range all {
		out = append(out, map[string]any{
			"Name":             p.Name,
			"Type":             p.Type,
			"Version":          p.Version,
			"LastModifiedDate": p.LastModified.Format(time.RFC3339),
		})
	}
	return map[string]any{"Parameters": out}, nil
}
