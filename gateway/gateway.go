// Package gateway maps HTTP routes onto function invocations, shaping
// the request into the v1 (rest) or v2 (http) proxy event format and
// the function result back into an HTTP response.
package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"lws.localdev.org/common"
	"lws.localdev.org/compute"
)

var (
	ErrRouteExists   = errors.New("route already exists")
	ErrRouteNotFound = errors.New("route does not exist")
	ErrValidation    = errors.New("validation error")
)

// PayloadFormat selects the proxy event dialect.
type PayloadFormat string

const (
	FormatREST PayloadFormat = "rest"
	FormatHTTP PayloadFormat = "http"
)

// Route binds method+path to a function. Path segments wrapped in
// braces are parameters, e.g. /orders/{id}.
type Route struct {
	Method   string        `json:"method" mapstructure:"method"`
	Path     string        `json:"path" mapstructure:"path"`
	Function string        `json:"function" mapstructure:"function"`
	Format   PayloadFormat `json:"payloadFormat" mapstructure:"payload_format"`
}

// Gateway holds the route table and dispatches requests.
type Gateway struct {
	mu      sync.RWMutex
	routes  []Route
	invoker compute.Invoker
	log     *logrus.Entry
}

func New(invoker compute.Invoker) *Gateway {
	return &Gateway{invoker: invoker, log: common.ServiceLogger("gateway")}
}

// SetInvoker late-binds the compute registry.
func (g *Gateway) SetInvoker(inv compute.Invoker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.invoker = inv
}

// AddRoute validates and installs a route.
func (g *Gateway) AddRoute(r Route) error {
	r.Method = strings.ToUpper(r.Method)
	if r.Method == "" || !strings.HasPrefix(r.Path, "/") || r.Function == "" {
		return fmt.Errorf("%w: route needs method, absolute path and function", ErrValidation)
	}
	switch r.Format {
	case "":
		r.Format = FormatREST
	case FormatREST, FormatHTTP:
	default:
		return fmt.Errorf("%w: unknown payload format %q", ErrValidation, r.Format)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, existing := range g.routes {
		if existing.Method == r.Method && existing.Path == r.Path {
			return ErrRouteExists
		}
	}
	g.routes = append(g.routes, r)
	return nil
}

func (g *Gateway) RemoveRoute(method, path string) error {
	method = strings.ToUpper(method)
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, r := range g.routes {
		if r.Method == method && r.Path == path {
			g.routes = append(g.routes[:i], g.routes[i+1:]...)
			return nil
		}
	}
	return ErrRouteNotFound
}

func (g *Gateway) ListRoutes() []Route {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Route, len(g.routes))
	copy(out, g.routes)
	return out
}

// HasRoutes reports whether any route is declared.
func (g *Gateway) HasRoutes() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.routes) > 0
}

// match finds the first route whose template matches, extracting path
// parameters.
func (g *Gateway) match(method, path string) (Route, map[string]string, bool) {
	segments := splitPath(path)
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, r := range g.routes {
		if r.Method != method {
			continue
		}
		params, ok := matchTemplate(splitPath(r.Path), segments)
		if ok {
			return r, params, true
		}
	}
	return Route{}, nil, false
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchTemplate(template, actual []string) (map[string]string, bool) {
	if len(template) != len(actual) {
		return nil, false
	}
	params := map[string]string{}
	for i, seg := range template {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			params[seg[1:len(seg)-1]] = actual[i]
			continue
		}
		if seg != actual[i] {
			return nil, false
		}
	}
	return params, true
}

// Handle serves one proxied request.
func (g *Gateway) Handle(c echo.Context) error {
	req := c.Request()
	route, pathParams, ok := g.match(req.Method, req.URL.Path)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"message": "Not Found"})
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "Bad Request"})
	}

	var event any
	if route.Format == FormatHTTP {
		event = buildV2Event(req, route, pathParams, body)
	} else {
		event = buildV1Event(req, route, pathParams, body)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Internal server error"})
	}

	out, err := g.invoker.Invoke(req.Context(), route.Function, payload)
	if err != nil {
		g.log.WithError(err).WithField("function", route.Function).Warn("gateway invocation failed")
		return c.JSON(http.StatusBadGateway, map[string]string{"message": "Internal server error"})
	}
	return writeFunctionResponse(c, out)
}

type functionResponse struct {
	StatusCode      int               `json:"statusCode"`
	Headers         map[string]string `json:"headers"`
	Body            string            `json:"body"`
	IsBase64Encoded bool              `json:"isBase64Encoded"`
}

func writeFunctionResponse(c echo.Context, out []byte) error {
	var resp functionResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"message": "Internal server error"})
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	for k, v := range resp.Headers {
		c.Response().Header().Set(k, v)
	}
	body := []byte(resp.Body)
	if resp.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(resp.Body)
		if err != nil {
			return c.JSON(http.StatusBadGateway, map[string]string{"message": "Internal server error"})
		}
		body = decoded
	}
	contentType := c.Response().Header().Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = echo.MIMEApplicationJSON
	}
	return c.Blob(resp.StatusCode, contentType, body)
}

func singleHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[strings.ToLower(k)] = vs[0]
		}
	}
	return out
}

func singleQuery(req *http.Request) map[string]string {
	out := map[string]string{}
	for k, vs := range req.URL.Query() {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

func buildV1Event(req *http.Request, route Route, pathParams map[string]string, body []byte) map[string]any {
	return map[string]any{
		"resource":              route.Path,
		"path":                  req.URL.Path,
		"httpMethod":            req.Method,
		"headers":               singleHeaders(req.Header),
		"queryStringParameters": emptyToNil(singleQuery(req)),
		"pathParameters":        emptyToNil(pathParams),
		"body":                  string(body),
		"isBase64Encoded":       false,
		"requestContext": map[string]any{
			"accountId":  common.AccountID,
			"httpMethod": req.Method,
			"path":       req.URL.Path,
			"stage":      "local",
		},
	}
}

func buildV2Event(req *http.Request, route Route, pathParams map[string]string, body []byte) map[string]any {
	return map[string]any{
		"version":               "2.0",
		"routeKey":              route.Method + " " + route.Path,
		"rawPath":               req.URL.Path,
		"rawQueryString":        req.URL.RawQuery,
		"headers":               singleHeaders(req.Header),
		"queryStringParameters": emptyToNil(singleQuery(req)),
		"pathParameters":        emptyToNil(pathParams),
		"body":                  string(body),
		"isBase64Encoded":       false,
		"requestContext": map[string]any{
			"accountId": common.AccountID,
			"stage":     "local",
			"time":      time.Now().UTC().Format(time.RFC3339),
			"http": map[string]any{
				"method":    req.Method,
				"path":      req.URL.Path,
				"protocol":  req.Proto,
				"userAgent": req.UserAgent(),
			},
		},
	}
}

func emptyToNil(m map[string]string) any {
	if len(m) == 0 {
		return nil
	}
	return m
}
