package service

import (
	"errors"

	"github.com/labstack/echo/v4"

	"lws.localdev.org/dispatch"
	"lws.localdev.org/identity"
)

// NewIdentityProvider serves the identity pool protocol (JSON-targeted
// dialect).
func NewIdentityProvider(deps *Deps, engine *identity.Engine) *httpProvider {
	h := &identityHandlers{engine: engine}
	table := &dispatch.Table{
		Service:      "identity",
		ActionPrefix: "cognito-idp",
		Ops: map[string]dispatch.HandlerFunc{
			"CreateUserPool":        h.createPool,
			"DeleteUserPool":        h.deletePool,
			"DescribeUserPool":      h.describePool,
			"ListUserPools":         h.listPools,
			"SignUp":                h.signUp,
			"ConfirmSignUp":         h.confirmSignUp,
			"InitiateAuth":          h.initiateAuth,
			"ForgotPassword":        h.forgotPassword,
			"ConfirmForgotPassword": h.confirmForgotPassword,
			"GetUser":               h.getUser,
			"AdminGetUser":          h.adminGetUser,
			"AdminCreateUser":       h.adminCreateUser,
			"AdminDeleteUser":       h.adminDeleteUser,
			"ListUsers":             h.listUsers,
		},
		Evaluator:      deps.Evaluator,
		TranslateError: translateIdentityError,
	}
	return newHTTPProvider("identity", deps.port(OffsetIdentity), deps, nil, func(e *echo.Echo) {
		table.Register(e)
	})
}

func translateIdentityError(err error) *dispatch.Error {
	switch {
	case errors.Is(err, identity.ErrPoolNotFound):
		return dispatch.NewError("ResourceNotFoundException", err.Error(), 400)
	case errors.Is(err, identity.ErrUserExists):
		return dispatch.NewError("UsernameExistsException", err.Error(), 400)
	case errors.Is(err, identity.ErrUserNotFound):
		return dispatch.NewError("UserNotFoundException", err.Error(), 400)
	case errors.Is(err, identity.ErrNotAuthorized):
		return dispatch.NewError("NotAuthorizedException", err.Error(), 400)
	case errors.Is(err, identity.ErrUserNotConfirmed):
		return dispatch.NewError("UserNotConfirmedException", err.Error(), 400)
	case errors.Is(err, identity.ErrCodeMismatch):
		return dispatch.NewError("CodeMismatchException", err.Error(), 400)
	case errors.Is(err, identity.ErrCodeExpired):
		return dispatch.NewError("ExpiredCodeException", err.Error(), 400)
	case errors.Is(err, identity.ErrPasswordPolicy):
		return dispatch.NewError("InvalidPasswordException", err.Error(), 400)
	case errors.Is(err, identity.ErrValidation):
		return dispatch.NewError("InvalidParameterException", err.Error(), 400)
	}
	return nil
}

type identityHandlers struct {
	engine *identity.Engine
}

func attributesFrom(c *dispatch.Call) map[string]string {
	attrs := map[string]string{}
	for _, raw := range c.List("UserAttributes") {
		pair, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := pair["Name"].(string)
		value, _ := pair["Value"].(string)
		if name != "" {
			attrs[name] = value
		}
	}
	return attrs
}

func attributeList(attrs map[string]string) []map[string]string {
	out := make([]map[string]string, 0, len(attrs))
	for name, value := range attrs {
		out = append(out, map[string]string{"Name": name, "Value": value})
	}
	return out
}

func (h *identityHandlers) createPool(c *dispatch.Call) (any, error) {
	var req struct {
		PoolName string                  `json:"PoolName"`
		Policy   identity.PasswordPolicy `json:"Policy"`
		Required []string                `json:"RequiredAttributes"`
		AutoConf bool                    `json:"AutoConfirm"`
		PreAuth  string                  `json:"PreAuthTrigger"`
		PostConf string                  `json:"PostConfirmTrigger"`
	}
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	pool, err := h.engine.CreatePool(identity.PoolConfig{
		Name:               req.PoolName,
		Policy:             req.Policy,
		RequiredAttributes: req.Required,
		AutoConfirm:        req.AutoConf,
		PreAuthTrigger:     req.PreAuth,
		PostConfirmTrigger: req.PostConf,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"UserPool": pool}, nil
}

func (h *identityHandlers) deletePool(c *dispatch.Call) (any, error) {
	return nil, h.engine.DeletePool(c.String("UserPoolId"))
}

func (h *identityHandlers) describePool(c *dispatch.Call) (any, error) {
	pool, err := h.engine.GetPool(c.String("UserPoolId"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"UserPool": pool}, nil
}

func (h *identityHandlers) listPools(c *dispatch.Call) (any, error) {
	pools, err := h.engine.ListPools()
	if err != nil {
		return nil, err
	}
	return map[string]any{"UserPools": pools}, nil
}

func (h *identityHandlers) signUp(c *dispatch.Call) (any, error) {
	user, confirmed, err := h.engine.SignUp(
		c.String("UserPoolId"), c.String("Username"), c.String("Password"), attributesFrom(c))
	if err != nil {
		return nil, err
	}
	return map[string]any{"UserSub": user.Sub, "UserConfirmed": confirmed}, nil
}

func (h *identityHandlers) confirmSignUp(c *dispatch.Call) (any, error) {
	return nil, h.engine.ConfirmSignUp(c.String("UserPoolId"), c.String("Username"))
}

func (h *identityHandlers) initiateAuth(c *dispatch.Call) (any, error) {
	res, err := h.engine.InitiateAuth(
		c.Echo.Request().Context(),
		c.String("UserPoolId"),
		c.String("AuthFlow"),
		c.StringMap("AuthParameters"),
	)
	if err != nil {
		return nil, err
	}
	auth := map[string]any{
		"AccessToken": res.AccessToken,
		"IdToken":     res.IDToken,
		"ExpiresIn":   res.ExpiresIn,
		"TokenType":   "Bearer",
	}
	if res.RefreshToken != "" {
		auth["RefreshToken"] = res.RefreshToken
	}
	return map[string]any{"AuthenticationResult": auth}, nil
}

func (h *identityHandlers) forgotPassword(c *dispatch.Call) (any, error) {
	code, err := h.engine.ForgotPassword(c.String("UserPoolId"), c.String("Username"))
	if err != nil {
		return nil, err
	}
	// A real deployment would deliver the code out of band; locally it
	// comes back in the response so tests can complete the flow.
	return map[string]any{
		"CodeDeliveryDetails": map[string]any{"Destination": "local", "DeliveryMedium": "NONE"},
		"Code":                code,
	}, nil
}

func (h *identityHandlers) confirmForgotPassword(c *dispatch.Call) (any, error) {
	return nil, h.engine.ConfirmForgotPassword(
		c.String("UserPoolId"), c.String("Username"),
		c.String("ConfirmationCode"), c.String("Password"))
}

func (h *identityHandlers) getUser(c *dispatch.Call) (any, error) {
	user, err := h.engine.GetUser(c.String("UserPoolId"), c.String("AccessToken"))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"Username":       user.Username,
		"UserAttributes": attributeList(user.Attributes),
	}, nil
}

func userView(user identity.User) map[string]any {
	return map[string]any{
		"Username":       user.Username,
		"UserSub":        user.Sub,
		"Enabled":        true,
		"UserStatus":     statusOf(user),
		"UserAttributes": attributeList(user.Attributes),
	}
}

func statusOf(user identity.User) string {
	if user.Confirmed {
		return "CONFIRMED"
	}
	return "UNCONFIRMED"
}

func (h *identityHandlers) adminGetUser(c *dispatch.Call) (any, error) {
	user, err := h.engine.AdminGetUser(c.String("UserPoolId"), c.String("Username"))
	if err != nil {
		return nil, err
	}
	return userView(user), nil
}

func (h *identityHandlers) adminCreateUser(c *dispatch.Call) (any, error) {
	user, err := h.engine.AdminCreateUser(
		c.String("UserPoolId"), c.String("Username"),
		c.String("TemporaryPassword"), attributesFrom(c))
	if err != nil {
		return nil, err
	}
	return map[string]any{"User": userView(user)}, nil
}

func (h *identityHandlers) adminDeleteUser(c *dispatch.Call) (any, error) {
	return nil, h.engine.DeleteUser(c.String("UserPoolId"), c.String("Username"))
}

func (h *identityHandlers) listUsers(c *dispatch.Call) (any, error) {
	users, err := h.engine.ListUsers(c.String("UserPoolId"))
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(users))
	for _, u := range users {
		out = append(out, userView(u))
	}
	return map[string]any{"Users": out}, nil
}
