package service

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"lws.localdev.org/compute"
	"lws.localdev.org/fabric"
)

// NewComputeProvider serves the function management surface: REST
// routes for functions, synchronous and event invocations, and event
// source mappings feeding the fabric.
func NewComputeProvider(deps *Deps, registry *compute.Registry, fab *fabric.Fabric) *httpProvider {
	h := &computeHandlers{registry: registry, fabric: fab}
	return newHTTPProvider("compute", deps.port(OffsetCompute), deps, nil, func(e *echo.Echo) {
		e.POST("/2015-03-31/functions", h.createFunction)
		e.GET("/2015-03-31/functions", h.listFunctions)
		e.GET("/2015-03-31/functions/:name", h.getFunction)
		e.DELETE("/2015-03-31/functions/:name", h.deleteFunction)
		e.POST("/2015-03-31/functions/:name/invocations", h.invoke)
		e.POST("/2015-03-31/event-source-mappings", h.createMapping)
	})
}

type computeHandlers struct {
	registry *compute.Registry
	fabric   *fabric.Fabric
}

type computeError struct {
	Type    string `json:"__type"`
	Message string `json:"message"`
}

func renderComputeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, compute.ErrFunctionNotFound), errors.Is(err, compute.ErrBuiltinNotFound):
		return c.JSON(http.StatusNotFound, computeError{Type: "ResourceNotFoundException", Message: err.Error()})
	case errors.Is(err, compute.ErrFunctionExists):
		return c.JSON(http.StatusConflict, computeError{Type: "ResourceConflictException", Message: err.Error()})
	}
	return c.JSON(http.StatusInternalServerError, computeError{Type: "ServiceException", Message: err.Error()})
}

func functionView(fn compute.Function) map[string]any {
	return map[string]any{
		"FunctionName": fn.Name,
		"FunctionArn":  fn.ARN,
		"Handler":      fn.Builtin,
		"LastModified": fn.CreatedAt.Format(time.RFC3339),
	}
}

func (h *computeHandlers) createFunction(c echo.Context) error {
	c.Set("operation", "CreateFunction")
	var req struct {
		FunctionName string `json:"FunctionName"`
		Handler      string `json:"Handler"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, computeError{Type: "InvalidRequestContentException", Message: err.Error()})
	}
	fn, err := h.registry.CreateFunction(req.FunctionName, req.Handler)
	if err != nil {
		return renderComputeError(c, err)
	}
	return c.JSON(http.StatusCreated, functionView(fn))
}

func (h *computeHandlers) listFunctions(c echo.Context) error {
	c.Set("operation", "ListFunctions")
	fns := h.registry.ListFunctions()
	out := make([]map[string]any, 0, len(fns))
	for _, fn := range fns {
		out = append(out, functionView(fn))
	}
	return c.JSON(http.StatusOK, map[string]any{"Functions": out})
}

func (h *computeHandlers) getFunction(c echo.Context) error {
	c.Set("operation", "GetFunction")
	fn, err := h.registry.GetFunction(c.Param("name"))
	if err != nil {
		return renderComputeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"Configuration": functionView(fn)})
}

func (h *computeHandlers) deleteFunction(c echo.Context) error {
	c.Set("operation", "DeleteFunction")
	if err := h.registry.DeleteFunction(c.Param("name")); err != nil {
		return renderComputeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// invoke runs a function synchronously, or through the fabric when the
// invocation type is Event. Handled function errors come back with 200
// and the X-Amz-Function-Error marker, matching the invoke contract.
func (h *computeHandlers) invoke(c echo.Context) error {
	c.Set("operation", "Invoke")
	name := c.Param("name")
	payload, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, computeError{Type: "InvalidRequestContentException", Message: err.Error()})
	}
	if c.Request().Header.Get("X-Amz-Invocation-Type") == "Event" {
		if _, err := h.registry.GetFunction(name); err != nil {
			return renderComputeError(c, err)
		}
		h.fabric.InvokeAsync(name, payload)
		return c.NoContent(http.StatusAccepted)
	}
	out, err := h.registry.Invoke(c.Request().Context(), name, payload)
	if err != nil {
		var ie *compute.InvokeError
		if errors.As(err, &ie) {
			c.Response().Header().Set("X-Amz-Function-Error", "Handled")
			return c.JSON(http.StatusOK, ie)
		}
		return renderComputeError(c, err)
	}
	if len(out) == 0 {
		out = []byte("null")
	}
	return c.JSONBlob(http.StatusOK, out)
}

// createMapping wires an event source into a function: queue ARNs get
// a poller, table ARNs a stream subscription.
func (h *computeHandlers) createMapping(c echo.Context) error {
	c.Set("operation", "CreateEventSourceMapping")
	var req struct {
		EventSourceArn string `json:"EventSourceArn"`
		FunctionName   string `json:"FunctionName"`
		BatchSize      int    `json:"BatchSize"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, computeError{Type: "InvalidRequestContentException", Message: err.Error()})
	}
	if _, err := h.registry.GetFunction(req.FunctionName); err != nil {
		return renderComputeError(c, err)
	}
	target, ok := targetFromARN(req.EventSourceArn)
	if ok && target.Kind == fabric.TargetQueue {
		h.fabric.AddQueueMapping(target.Name, req.FunctionName, req.BatchSize, time.Second)
	} else if table, isStream := tableFromStreamARN(req.EventSourceArn); isStream {
		h.fabric.SubscribeStream(table, req.FunctionName)
	} else {
		return c.JSON(http.StatusBadRequest, computeError{
			Type: "InvalidParameterValueException", Message: "unsupported event source ARN",
		})
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"EventSourceArn": req.EventSourceArn,
		"FunctionName":   req.FunctionName,
		"State":          "Enabled",
	})
}

// tableFromStreamARN recognizes table ARNs (with or without a stream
// suffix) and returns the table name.
func tableFromStreamARN(arn string) (string, bool) {
	const marker = ":table/"
	idx := strings.Index(arn, marker)
	if idx == -1 || !strings.Contains(arn, ":dynamodb:") {
		return "", false
	}
	rest := arn[idx+len(marker):]
	if slash := strings.IndexByte(rest, '/'); slash != -1 {
		rest = rest[:slash]
	}
	return rest, true
}
