// Package dispatch routes wire-protocol requests to operation
// handlers. A service declares an operation table; the dispatcher
// detects the request dialect (X-Amz-Target JSON or Action form/XML),
// decodes parameters, runs IAM evaluation, invokes the handler and
// encodes the result or error in the dialect's format.
package dispatch

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"lws.localdev.org/common"
	"lws.localdev.org/iam"
)

// Dialect identifies the wire encoding of one request.
type Dialect int

const (
	DialectJSON Dialect = iota
	DialectQuery
)

// Call carries one decoded request into an operation handler.
type Call struct {
	Echo      echo.Context
	Service   string
	Operation string
	Dialect   Dialect
	Params    map[string]any
	// Form holds the raw form values for query-dialect requests,
	// including indexed batch entries the flat Params map cannot
	// represent.
	Form url.Values
	body []byte
}

// HandlerFunc handles one operation. The returned value is encoded in
// the request dialect; nil means an empty result.
type HandlerFunc func(*Call) (any, error)

// Bind unmarshals the raw JSON body into v.
func (c *Call) Bind(v any) error {
	if len(c.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.body, v); err != nil {
		return NewError("SerializationException", err.Error(), 400)
	}
	return nil
}

// String returns a string parameter, empty when absent.
func (c *Call) String(key string) string {
	v, _ := c.Params[key].(string)
	return v
}

// Int returns a numeric parameter, def when absent or unparseable.
func (c *Call) Int(key string, def int) int {
	switch v := c.Params[key].(type) {
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Bool returns a boolean parameter.
func (c *Call) Bool(key string) bool {
	switch v := c.Params[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

// Map returns an object parameter.
func (c *Call) Map(key string) map[string]any {
	v, _ := c.Params[key].(map[string]any)
	return v
}

// StringMap returns an object parameter with string values.
func (c *Call) StringMap(key string) map[string]string {
	raw := c.Map(key)
	if raw == nil {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// List returns a list parameter.
func (c *Call) List(key string) []any {
	v, _ := c.Params[key].([]any)
	return v
}

// Table is one service's operation table plus the hooks the dispatcher
// needs around it.
type Table struct {
	Service string
	// ActionPrefix prefixes operation names into IAM actions, e.g.
	// "sqs" yields "sqs:SendMessage".
	ActionPrefix string
	Ops          map[string]HandlerFunc
	// Resource derives the target ARN for IAM evaluation. Optional.
	Resource func(*Call) string
	// TranslateError maps engine errors to wire errors. Errors it
	// does not recognize fall through to InternalFailure.
	TranslateError func(error) *Error

	Evaluator *iam.Evaluator
	Logger    *logrus.Entry
}

// Register installs the dispatcher on the echo instance: the dialect
// handler on POST / and the dialect-aware error renderer.
func (t *Table) Register(e *echo.Echo) {
	if t.Logger == nil {
		t.Logger = common.ServiceLogger(t.Service)
	}
	e.HTTPErrorHandler = t.errorHandler
	e.POST("/", t.handle)
}

func (t *Table) handle(c echo.Context) error {
	call, err := t.decode(c)
	if err != nil {
		return err
	}
	c.Set("operation", call.Operation)
	c.Set("dialect", call.Dialect)

	handler, ok := t.Ops[call.Operation]
	if !ok {
		return NewError("UnknownOperationException",
			fmt.Sprintf("unknown operation %s", call.Operation), 400)
	}
	if t.Evaluator != nil {
		req := iam.Request{
			Principal: iam.PrincipalFromAuthorization(c.Request().Header.Get(echo.HeaderAuthorization)),
			Action:    t.ActionPrefix + ":" + call.Operation,
			Context:   map[string]string{"lws:service": t.Service},
		}
		if t.Resource != nil {
			req.Resource = t.Resource(call)
			req.Context["lws:target"] = req.Resource
		}
		if dec, proceed := t.Evaluator.Authorize(req); !proceed {
			return NewError("AccessDeniedException", dec.Reason, 403)
		}
	}

	result, err := handler(call)
	if err != nil {
		return t.translate(err)
	}
	if call.Dialect == DialectQuery {
		return renderQueryResult(c, call.Operation, result)
	}
	if result == nil {
		result = map[string]any{}
	}
	return c.JSON(200, result)
}

// decode detects the dialect and produces the normalized call.
func (t *Table) decode(c echo.Context) (*Call, error) {
	call := &Call{Echo: c, Service: t.Service, Params: map[string]any{}}

	if target := c.Request().Header.Get("X-Amz-Target"); target != "" {
		call.Dialect = DialectJSON
		if idx := strings.LastIndexByte(target, '.'); idx != -1 {
			call.Operation = target[idx+1:]
		} else {
			call.Operation = target
		}
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return nil, NewError("SerializationException", err.Error(), 400)
		}
		call.body = body
		if len(body) > 0 {
			if err := json.Unmarshal(body, &call.Params); err != nil {
				return nil, NewError("SerializationException", "request body is not a JSON object", 400)
			}
		}
		return call, nil
	}

	if err := c.Request().ParseForm(); err != nil {
		return nil, NewError("MalformedInput", err.Error(), 400)
	}
	form := c.Request().PostForm
	if len(form) == 0 {
		form = c.QueryParams()
	}
	action := form.Get("Action")
	if action == "" {
		return nil, NewError("MissingAction", "no X-Amz-Target header and no Action parameter", 400)
	}
	call.Dialect = DialectQuery
	call.Operation = action
	call.Form = form
	for k, vs := range form {
		if k == "Action" || k == "Version" || len(vs) == 0 {
			continue
		}
		call.Params[k] = vs[0]
	}
	return call, nil
}

func (t *Table) translate(err error) error {
	if werr, ok := err.(*Error); ok {
		return werr
	}
	if t.TranslateError != nil {
		if werr := t.TranslateError(err); werr != nil {
			return werr
		}
	}
	t.Logger.WithError(err).Error("unhandled handler error")
	return NewError("InternalFailure", "internal error", 500)
}

// errorHandler renders every error in the request's dialect.
func (t *Table) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	werr, ok := err.(*Error)
	if !ok {
		if he, isHTTP := err.(*echo.HTTPError); isHTTP {
			werr = NewError(fmt.Sprintf("%v", he.Message), fmt.Sprintf("%v", he.Message), he.Code)
		} else {
			t.Logger.WithError(err).Error("request failed")
			werr = NewError("InternalFailure", "internal error", 500)
		}
	}
	dialect, _ := c.Get("dialect").(Dialect)
	if renderErr := renderError(c, dialect, werr); renderErr != nil {
		t.Logger.WithError(renderErr).Error("rendering error response failed")
	}
}
