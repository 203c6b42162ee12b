package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoInvoker returns the received event wrapped in a proxy response.
type echoInvoker struct {
	lastEvent map[string]any
	fail      bool
}

func (ei *echoInvoker) Invoke(_ context.Context, _ string, payload []byte) ([]byte, error) {
	if ei.fail {
		return nil, errors.New("function crashed")
	}
	if err := json.Unmarshal(payload, &ei.lastEvent); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"statusCode": 201,
		"headers":    map[string]string{"X-Handler": "ok"},
		"body":       `{"done":true}`,
	})
}

func serve(g *Gateway) *echo.Echo {
	e := echo.New()
	e.Any("/*", g.Handle)
	return e
}

func TestRouteTable(t *testing.T) {
	g := New(&echoInvoker{})
	require.NoError(t, g.AddRoute(Route{Method: "get", Path: "/orders/{id}", Function: "get-order"}))
	assert.ErrorIs(t, g.AddRoute(Route{Method: "GET", Path: "/orders/{id}", Function: "other"}), ErrRouteExists)
	assert.ErrorIs(t, g.AddRoute(Route{Method: "GET", Path: "orders", Function: "f"}), ErrValidation)
	assert.ErrorIs(t, g.AddRoute(Route{Method: "GET", Path: "/x", Function: "f", Format: "v3"}), ErrValidation)

	assert.True(t, g.HasRoutes())
	require.Len(t, g.ListRoutes(), 1)
	assert.Equal(t, FormatREST, g.ListRoutes()[0].Format)

	require.NoError(t, g.RemoveRoute("GET", "/orders/{id}"))
	assert.ErrorIs(t, g.RemoveRoute("GET", "/orders/{id}"), ErrRouteNotFound)
	assert.False(t, g.HasRoutes())
}

func TestV1Event(t *testing.T) {
	inv := &echoInvoker{}
	g := New(inv)
	require.NoError(t, g.AddRoute(Route{Method: "POST", Path: "/orders/{id}/items", Function: "add-item"}))

	req := httptest.NewRequest(http.MethodPost, "/orders/o-42/items?dry=1", strings.NewReader(`{"sku":"x"}`))
	rec := httptest.NewRecorder()
	serve(g).ServeHTTP(rec, req)

	require.Equal(t, 201, rec.Code)
	assert.Equal(t, "ok", rec.Header().Get("X-Handler"))
	assert.JSONEq(t, `{"done":true}`, rec.Body.String())

	ev := inv.lastEvent
	assert.Equal(t, "/orders/{id}/items", ev["resource"])
	assert.Equal(t, "/orders/o-42/items", ev["path"])
	assert.Equal(t, "POST", ev["httpMethod"])
	assert.Equal(t, `{"sku":"x"}`, ev["body"])
	assert.Equal(t, map[string]any{"id": "o-42"}, ev["pathParameters"])
	assert.Equal(t, map[string]any{"dry": "1"}, ev["queryStringParameters"])
}

func TestV2Event(t *testing.T) {
	inv := &echoInvoker{}
	g := New(inv)
	require.NoError(t, g.AddRoute(Route{Method: "GET", Path: "/users/{name}", Function: "get-user", Format: FormatHTTP}))

	req := httptest.NewRequest(http.MethodGet, "/users/ada?verbose=true", nil)
	rec := httptest.NewRecorder()
	serve(g).ServeHTTP(rec, req)
	require.Equal(t, 201, rec.Code)

	ev := inv.lastEvent
	assert.Equal(t, "2.0", ev["version"])
	assert.Equal(t, "GET /users/{name}", ev["routeKey"])
	assert.Equal(t, "/users/ada", ev["rawPath"])
	rc := ev["requestContext"].(map[string]any)
	httpCtx := rc["http"].(map[string]any)
	assert.Equal(t, "GET", httpCtx["method"])
}

func TestUnmatchedAndFailure(t *testing.T) {
	inv := &echoInvoker{}
	g := New(inv)
	require.NoError(t, g.AddRoute(Route{Method: "GET", Path: "/ok", Function: "f"}))

	rec := httptest.NewRecorder()
	serve(g).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	inv.fail = true
	rec = httptest.NewRecorder()
	serve(g).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"message":"Internal server error"}`, rec.Body.String())
}
