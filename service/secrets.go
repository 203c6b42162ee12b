package service

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"

	"lws.localdev.org/dispatch"
	"lws.localdev.org/secrets"
)

// NewSecretsProvider serves the secret store protocol (JSON-targeted
// dialect).
func NewSecretsProvider(deps *Deps, store *secrets.Store) *httpProvider {
	h := &secretsHandlers{store: store}
	table := &dispatch.Table{
		Service:      "secrets",
		ActionPrefix: "secretsmanager",
		Ops: map[string]dispatch.HandlerFunc{
			"CreateSecret":   h.create,
			"GetSecretValue": h.getValue,
			"PutSecretValue": h.putValue,
			"DeleteSecret":   h.delete,
			"ListSecrets":    h.list,
		},
		Resource: func(c *dispatch.Call) string {
			return c.String("SecretId")
		},
		Evaluator:      deps.Evaluator,
		TranslateError: translateSecretsError,
	}
	return newHTTPProvider("secrets", deps.port(OffsetSecrets), deps, nil, func(e *echo.Echo) {
		table.Register(e)
	})
}

func translateSecretsError(err error) *dispatch.Error {
	switch {
	case errors.Is(err, secrets.ErrSecretNotFound):
		return dispatch.NewError("ResourceNotFoundException", err.Error(), 400)
	case errors.Is(err, secrets.ErrSecretExists):
		return dispatch.NewError("ResourceExistsException", err.Error(), 400)
	case errors.Is(err, secrets.ErrValidation):
		return dispatch.NewError("ValidationException", err.Error(), 400)
	}
	return nil
}

type secretsHandlers struct {
	store *secrets.Store
}

func (h *secretsHandlers) create(c *dispatch.Call) (any, error) {
	sec, err := h.store.Create(c.String("Name"), c.String("SecretString"))
	if err != nil {
		return nil, err
	}
	version := sec.Versions[len(sec.Versions)-1]
	return map[string]any{
		"ARN":       sec.ARN,
		"Name":      sec.Name,
		"VersionId": version.ID,
	}, nil
}

func (h *secretsHandlers) getValue(c *dispatch.Call) (any, error) {
	sec, version, err := h.store.GetValue(c.String("SecretId"), c.String("VersionId"))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ARN":           sec.ARN,
		"Name":          sec.Name,
		"VersionId":     version.ID,
		"SecretString":  version.Value,
		"VersionStages": []string{"AWSCURRENT"},
		"CreatedDate":   version.CreatedAt.Format(time.RFC3339),
	}, nil
}

func (h *secretsHandlers) putValue(c *dispatch.Call) (any, error) {
	sec, version, err := h.store.PutValue(c.String("SecretId"), c.String("SecretString"))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ARN":       sec.ARN,
		"Name":      sec.Name,
		"VersionId": version.ID,
	}, nil
}

func (h *secretsHandlers) delete(c *dispatch.Call) (any, error) {
	id := c.String("SecretId")
	if err := h.store.Delete(id); err != nil {
		return nil, err
	}
	return map[string]any{
		"Name":         id,
		"DeletionDate": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (h *secretsHandlers) list(c *dispatch.Call) (any, error) {
	all := h.store.List()
	out := make([]map[string]any, 0, len(all))
	for _, sec := range all {
		out = append(out, map[string]any{
			"ARN":             sec.ARN,
			"Name":            sec.Name,
			"CreatedDate":     sec.CreatedAt.Format(time.RFC3339),
			"LastChangedDate": sec.Versions[len(sec.Versions)-1].CreatedAt.Format(time.RFC3339),
		})
	}
	return map[string]any{"SecretList": out}, nil
}
