package dispatch

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lws.localdev.org/iam"
)

var errMissing = errors.New("thing does not exist")

func testTable() *Table {
	return &Table{
		Service:      "widgets",
		ActionPrefix: "widgets",
		Ops: map[string]HandlerFunc{
			"Echo": func(c *Call) (any, error) {
				return map[string]any{"got": c.String("Name"), "n": c.Int("Count", -1)}, nil
			},
			"Boom": func(c *Call) (any, error) { return nil, errMissing },
			"Describe": func(c *Call) (any, error) {
				return struct {
					Name string `xml:"Name" json:"name"`
				}{Name: c.String("Name")}, nil
			},
		},
		TranslateError: func(err error) *Error {
			if errors.Is(err, errMissing) {
				return NewError("ResourceNotFoundException", err.Error(), 404)
			}
			return nil
		},
	}
}

func newServer(table *Table) *echo.Echo {
	e := echo.New()
	table.Register(e)
	return e
}

func postJSON(e *echo.Echo, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("X-Amz-Target", target)
	req.Header.Set(echo.HeaderContentType, "application/x-amz-json-1.0")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func postForm(e *echo.Echo, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestJSONDialect(t *testing.T) {
	e := newServer(testTable())
	rec := postJSON(e, "Widgets_20260101.Echo", `{"Name":"a","Count":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"got":"a","n":3}`, rec.Body.String())

	t.Run("unknown operation", func(t *testing.T) {
		rec := postJSON(e, "Widgets_20260101.Nope", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), `"__type":"UnknownOperationException"`)
	})

	t.Run("translated engine error", func(t *testing.T) {
		rec := postJSON(e, "Widgets.Boom", `{}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), `"__type":"ResourceNotFoundException"`)
	})

	t.Run("bad body", func(t *testing.T) {
		rec := postJSON(e, "Widgets.Echo", `not-json`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "SerializationException")
	})
}

func TestQueryDialect(t *testing.T) {
	e := newServer(testTable())
	rec := postForm(e, url.Values{"Action": {"Describe"}, "Name": {"w-1"}})
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "<DescribeResponse>")
	assert.Contains(t, body, "<DescribeResult>")
	assert.Contains(t, body, "<Name>w-1</Name>")
	assert.Contains(t, body, "<RequestId>")

	t.Run("error envelope", func(t *testing.T) {
		rec := postForm(e, url.Values{"Action": {"Boom"}})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "<ErrorResponse>")
		assert.Contains(t, rec.Body.String(), "<Code>ResourceNotFoundException</Code>")
	})

	t.Run("missing action", func(t *testing.T) {
		rec := postForm(e, url.Values{"Other": {"x"}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "MissingAction")
	})
}

func TestIAMEnforcement(t *testing.T) {
	eval := iam.NewEvaluator(iam.ModeEnforce)
	eval.PutIdentity(iam.Identity{Name: "dev", Policies: []iam.Policy{{
		Name: "p",
		Statements: []iam.Statement{{Effect: "Allow", Actions: []string{"widgets:Echo"}}},
	}}})
	table := testTable()
	table.Evaluator = eval
	e := newServer(table)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set("X-Amz-Target", "Widgets.Echo")
	req.Header.Set(echo.HeaderAuthorization, "AWS4-HMAC-SHA256 Credential=dev/x/y, Signature=z")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set("X-Amz-Target", "Widgets.Describe")
	req.Header.Set(echo.HeaderAuthorization, "AWS4-HMAC-SHA256 Credential=dev/x/y, Signature=z")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "AccessDeniedException")
}

func TestBatchEntries(t *testing.T) {
	form := map[string][]string{
		"Entry.1.Id":   {"a"},
		"Entry.1.Body": {"first"},
		"Entry.2.Id":   {"b"},
		"Entry.10.Id":  {"j"},
		"Other":        {"x"},
	}
	entries := BatchEntries(form, "Entry")
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0]["Id"])
	assert.Equal(t, "first", entries[0]["Body"])
	assert.Equal(t, "b", entries[1]["Id"])
	assert.Equal(t, "j", entries[2]["Id"])
}

func TestVirtualHostRewrite(t *testing.T) {
	e := echo.New()
	e.Use(VirtualHostRewrite("localhost", "s3.local"))
	var seen string
	e.GET("/:bucket/:key", func(c echo.Context) error {
		seen = c.Request().URL.Path
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/photo.png", nil)
	req.Host = "media.localhost:4573"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/media/photo.png", seen)

	// Unknown hosts pass through untouched.
	req = httptest.NewRequest(http.MethodGet, "/media/photo.png", nil)
	req.Host = "example.com"
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, "/media/photo.png", seen)
}
