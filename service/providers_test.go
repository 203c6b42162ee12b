package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lws.localdev.org/chaos"
	"lws.localdev.org/common"
	"lws.localdev.org/compute"
	"lws.localdev.org/fabric"
	"lws.localdev.org/gateway"
	"lws.localdev.org/iam"
	"lws.localdev.org/params"
	"lws.localdev.org/queue"
	"lws.localdev.org/secrets"
)

func testDeps() *Deps {
	return &Deps{
		BasePort:  15000,
		Logs:      common.NewLogBuffer(32),
		Evaluator: iam.NewEvaluator(iam.ModeDisabled),
		Chaos:     map[string]chaos.Config{},
	}
}

// jsonCall posts a JSON-targeted request directly to the provider's
// handler, without binding a listener.
func jsonCall(t *testing.T, p *httpProvider, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-amz-json-1.0")
	req.Header.Set("X-Amz-Target", target)
	rec := httptest.NewRecorder()
	p.e.ServeHTTP(rec, req)
	return rec
}

func queryCall(t *testing.T, p *httpProvider, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	p.e.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestParamsProviderOps(t *testing.T) {
	p := NewParamsProvider(testDeps(), params.NewStore())

	rec := jsonCall(t, p, "AmazonSSM.PutParameter",
		`{"Name":"/app/db/host","Value":"localhost","Type":"String"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeJSON(t, rec)["Version"])

	rec = jsonCall(t, p, "AmazonSSM.GetParameter", `{"Name":"/app/db/host"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	param := decodeJSON(t, rec)["Parameter"].(map[string]any)
	assert.Equal(t, "localhost", param["Value"])

	rec = jsonCall(t, p, "AmazonSSM.PutParameter",
		`{"Name":"/app/db/host","Value":"db.internal","Type":"String"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "ParameterAlreadyExists", decodeJSON(t, rec)["__type"])

	rec = jsonCall(t, p, "AmazonSSM.PutParameter",
		`{"Name":"/app/db/host","Value":"db.internal","Type":"String","Overwrite":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decodeJSON(t, rec)["Version"])

	rec = jsonCall(t, p, "AmazonSSM.GetParametersByPath", `{"Path":"/app","Recursive":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeJSON(t, rec)["Parameters"], 1)

	rec = jsonCall(t, p, "AmazonSSM.DeleteParameter", `{"Name":"/app/db/host"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = jsonCall(t, p, "AmazonSSM.GetParameter", `{"Name":"/app/db/host"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "ParameterNotFound", decodeJSON(t, rec)["__type"])
}

func TestSecretsProviderOps(t *testing.T) {
	p := NewSecretsProvider(testDeps(), secrets.NewStore())

	rec := jsonCall(t, p, "secretsmanager.CreateSecret",
		`{"Name":"db-password","SecretString":"hunter2"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	created := decodeJSON(t, rec)
	assert.NotEmpty(t, created["ARN"])
	firstVersion := created["VersionId"].(string)

	rec = jsonCall(t, p, "secretsmanager.GetSecretValue", `{"SecretId":"db-password"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hunter2", decodeJSON(t, rec)["SecretString"])

	rec = jsonCall(t, p, "secretsmanager.PutSecretValue",
		`{"SecretId":"db-password","SecretString":"correct-horse"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = jsonCall(t, p, "secretsmanager.GetSecretValue", `{"SecretId":"db-password"}`)
	assert.Equal(t, "correct-horse", decodeJSON(t, rec)["SecretString"])

	rec = jsonCall(t, p, "secretsmanager.GetSecretValue",
		`{"SecretId":"db-password","VersionId":"`+firstVersion+`"}`)
	assert.Equal(t, "hunter2", decodeJSON(t, rec)["SecretString"])

	rec = jsonCall(t, p, "secretsmanager.ListSecrets", `{}`)
	assert.Len(t, decodeJSON(t, rec)["SecretList"], 1)

	rec = jsonCall(t, p, "secretsmanager.DeleteSecret", `{"SecretId":"db-password"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = jsonCall(t, p, "secretsmanager.GetSecretValue", `{"SecretId":"db-password"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "ResourceNotFoundException", decodeJSON(t, rec)["__type"])
}

func TestIAMStubProviderOps(t *testing.T) {
	deps := testDeps()
	p := NewIAMStubProvider(deps, deps.Evaluator)

	rec := queryCall(t, p, url.Values{"Action": {"CreateUser"}, "UserName": {"alice"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<UserName>alice</UserName>")

	policy := `{"Statement":[{"Effect":"Allow","Action":["sqs:*"],"Resource":["*"]}]}`
	rec = queryCall(t, p, url.Values{
		"Action":         {"PutUserPolicy"},
		"UserName":       {"alice"},
		"PolicyName":     {"queues"},
		"PolicyDocument": {policy},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	ids := deps.Evaluator.ListIdentities()
	require.Len(t, ids, 1)
	require.Len(t, ids[0].Policies, 1)
	assert.Equal(t, []string{"sqs:*"}, ids[0].Policies[0].Statements[0].Actions)

	rec = queryCall(t, p, url.Values{"Action": {"CreateUser"}, "UserName": {"alice"}})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "EntityAlreadyExists")

	rec = queryCall(t, p, url.Values{"Action": {"DeleteUser"}, "UserName": {"alice"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, deps.Evaluator.ListIdentities())
}

func TestSTSStubProviderOps(t *testing.T) {
	deps := testDeps()
	p := NewSTSStubProvider(deps, deps.Evaluator)

	form := url.Values{"Action": {"GetCallerIdentity"}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization",
		"AWS4-HMAC-SHA256 Credential=devbox/20260101/local-1/sts/aws4_request, Signature=x")
	rec := httptest.NewRecorder()
	p.e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<Account>"+common.AccountID+"</Account>")
	assert.Contains(t, rec.Body.String(), "devbox")

	rec = queryCall(t, p, url.Values{"Action": {"AssumeRole"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestComputeProviderInvoke(t *testing.T) {
	registry := compute.NewRegistry()
	registry.RegisterBuiltin("echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})
	registry.RegisterBuiltin("boom", func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, &compute.InvokeError{ErrorType: "CustomError", ErrorMessage: "went wrong"}
	})
	fab := fabric.New(queue.NewRegistry("http://localhost:15002"), 0)
	fab.SetInvoker(registry)
	defer fab.Stop()
	p := NewComputeProvider(testDeps(), registry, fab)

	req := httptest.NewRequest(http.MethodPost, "/2015-03-31/functions",
		strings.NewReader(`{"FunctionName":"reply","Handler":"echo"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	p.e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/2015-03-31/functions/reply/invocations",
		strings.NewReader(`{"hello":"world"}`))
	rec = httptest.NewRecorder()
	p.e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"hello":"world"}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/2015-03-31/functions",
		strings.NewReader(`{"FunctionName":"fail","Handler":"boom"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	p.e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/2015-03-31/functions/fail/invocations",
		strings.NewReader(`{}`))
	rec = httptest.NewRecorder()
	p.e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Handled", rec.Header().Get("X-Amz-Function-Error"))
	assert.Contains(t, rec.Body.String(), "CustomError")

	req = httptest.NewRequest(http.MethodPost, "/2015-03-31/functions/missing/invocations",
		strings.NewReader(`{}`))
	rec = httptest.NewRecorder()
	p.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestComputeProviderEventSourceMapping(t *testing.T) {
	registry := compute.NewRegistry()
	registry.RegisterBuiltin("sink", func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, nil
	})
	_, err := registry.CreateFunction("consume", "sink")
	require.NoError(t, err)

	queues := queue.NewRegistry("http://localhost:15002")
	_, err = queues.CreateQueue("jobs", queue.Attributes{}, nil)
	require.NoError(t, err)

	fab := fabric.New(queues, 0)
	fab.SetInvoker(registry)
	defer fab.Stop()
	p := NewComputeProvider(testDeps(), registry, fab)

	body := `{"EventSourceArn":"` + common.QueueARN("jobs") + `","FunctionName":"consume","BatchSize":5}`
	req := httptest.NewRequest(http.MethodPost, "/2015-03-31/event-source-mappings", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	p.e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "Enabled")

	body = `{"EventSourceArn":"` + common.TableARN("orders") + `/stream/1","FunctionName":"consume"}`
	req = httptest.NewRequest(http.MethodPost, "/2015-03-31/event-source-mappings", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	p.e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	body = `{"EventSourceArn":"arn:aws:s3:::photos","FunctionName":"consume"}`
	req = httptest.NewRequest(http.MethodPost, "/2015-03-31/event-source-mappings", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	p.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGatewayManagementRoutes(t *testing.T) {
	registry := compute.NewRegistry()
	gw := gateway.New(registry)
	p := NewGatewayProvider(testDeps(), gw)

	body := `{"method":"GET","path":"/orders/{id}","function":"get-order"}`
	req := httptest.NewRequest(http.MethodPost, "/_routes", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	p.e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/_routes", nil)
	rec = httptest.NewRecorder()
	p.e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Routes []gateway.Route `json:"routes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Routes, 1)
	assert.Equal(t, "/orders/{id}", listed.Routes[0].Path)

	req = httptest.NewRequest(http.MethodDelete, "/_routes?method=GET&path="+url.QueryEscape("/orders/{id}"), nil)
	rec = httptest.NewRecorder()
	p.e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, gw.HasRoutes())
}
