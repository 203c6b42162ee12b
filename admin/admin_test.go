package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lws.localdev.org/common"
	"lws.localdev.org/compute"
	"lws.localdev.org/fabric"
	"lws.localdev.org/gateway"
	"lws.localdev.org/iam"
	"lws.localdev.org/identity"
	"lws.localdev.org/kv"
	"lws.localdev.org/object"
	"lws.localdev.org/orchestrator"
	"lws.localdev.org/params"
	"lws.localdev.org/pubsub"
	"lws.localdev.org/queue"
	"lws.localdev.org/secrets"
	"lws.localdev.org/workflow"
)

func newTestServer(t *testing.T) (*Server, Resources) {
	t.Helper()

	kvEngine, err := kv.Open(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { kvEngine.Close() })

	objEngine, err := object.Open(t.TempDir())
	require.NoError(t, err)

	idEngine, err := identity.Open(t.TempDir(), []byte("test-key"))
	require.NoError(t, err)
	t.Cleanup(func() { idEngine.Close() })

	queues := queue.NewRegistry("http://localhost:14002")
	registry := compute.NewRegistry()
	registry.RegisterBuiltin("echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})
	fab := fabric.New(queues, 0)
	fab.SetInvoker(registry)
	t.Cleanup(fab.Stop)

	res := Resources{
		KV:        kvEngine,
		Queues:    queues,
		Objects:   objEngine,
		Topics:    pubsub.NewTopics(fab),
		Buses:     pubsub.NewBuses(fab),
		Workflow:  workflow.NewEngine(registry, 0),
		Identity:  idEngine,
		Functions: registry,
		Params:    params.NewStore(),
		Secrets:   secrets.NewStore(),
		Gateway:   gateway.New(registry),
		Evaluator: iam.NewEvaluator(iam.ModeDisabled),
	}
	ports := map[string]int{"kv": 14001, "queue": 14002}
	s := NewServer(14000, orchestrator.New(), res, common.NewLogBuffer(16), ports)
	return s, res
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func TestStatusEmpty(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(s, http.MethodGet, "/_lws/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Services map[string]string `json:"services"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Empty(t, out.Services)
}

func TestResourcesListing(t *testing.T) {
	s, res := newTestServer(t)

	require.NoError(t, res.KV.CreateTable(kv.TableDef{
		Name:         "orders",
		PartitionKey: kv.KeyAttr{Name: "id", Type: kv.TypeString},
	}))
	_, err := res.Queues.CreateQueue("jobs", queue.Attributes{}, nil)
	require.NoError(t, err)
	_, err = res.Functions.CreateFunction("reply", "echo")
	require.NoError(t, err)

	rec := do(s, http.MethodGet, "/_lws/resources", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.EqualValues(t, 14001, out["kv"]["port"])
	tables := out["kv"]["tables"].([]any)
	require.Len(t, tables, 1)
	assert.Equal(t, "orders", tables[0].(map[string]any)["name"])
	assert.Len(t, out["queue"]["queues"], 1)
	assert.Len(t, out["compute"]["functions"], 1)
}

func TestInvoke(t *testing.T) {
	s, res := newTestServer(t)
	_, err := res.Functions.CreateFunction("reply", "echo")
	require.NoError(t, err)

	rec := do(s, http.MethodPost, "/_lws/invoke",
		`{"function_name":"reply","event":{"ping":true}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ping":true}`, rec.Body.String())

	rec = do(s, http.MethodPost, "/_lws/invoke", `{"function_name":"missing","event":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResetClearsEphemeralState(t *testing.T) {
	s, res := newTestServer(t)

	_, err := res.Queues.CreateQueue("jobs", queue.Attributes{}, nil)
	require.NoError(t, err)
	_, err = res.Params.Put("/app/flag", "on", "String", false)
	require.NoError(t, err)
	_, err = res.Secrets.Create("token", "s3cret")
	require.NoError(t, err)

	require.NoError(t, res.KV.CreateTable(kv.TableDef{
		Name:         "orders",
		PartitionKey: kv.KeyAttr{Name: "id", Type: kv.TypeString},
	}))

	rec := do(s, http.MethodPost, "/_lws/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Empty(t, res.Queues.ListQueues(""))
	assert.Empty(t, res.Params.List())
	assert.Empty(t, res.Secrets.List())

	tables, err := res.KV.ListTables()
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, tables)
}

func TestIAMAuthInstallsIdentities(t *testing.T) {
	s, res := newTestServer(t)

	body := `{
		"mode": "enforce",
		"identities": [
			{"name": "ci", "policies": [
				{"name": "ro", "statements": [
					{"Effect": "Allow", "Action": ["dynamodb:Get*"], "Resource": ["*"]}
				]}
			]}
		]
	}`
	rec := do(s, http.MethodPost, "/_lws/iam-auth", body)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, iam.ModeEnforce, res.Evaluator.Mode())
	ids := res.Evaluator.ListIdentities()
	require.Len(t, ids, 1)
	assert.Equal(t, "ci", ids[0].Name)
	require.Len(t, ids[0].Policies, 1)

	rec = do(s, http.MethodPost, "/_lws/iam-auth", `{"identities":[{"policies":[]}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServiceProxyRejectsRemoteTargets(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(s, http.MethodPost, "/_lws/service-proxy",
		`{"method":"GET","url":"http://example.com/"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
