package service

import (
	"encoding/json"
	"fmt"

	"github.com/labstack/echo/v4"

	"lws.localdev.org/common"
	"lws.localdev.org/dispatch"
	"lws.localdev.org/iam"
)

// NewIAMStubProvider serves a minimal identity-and-access surface
// (query/XML dialect) backed by the shared evaluator. Enough of the
// protocol exists for SDK clients to create users and attach inline
// policies; everything else is out of scope.
func NewIAMStubProvider(deps *Deps, evaluator *iam.Evaluator) *httpProvider {
	h := &iamStubHandlers{evaluator: evaluator}
	table := &dispatch.Table{
		Service:      "iam",
		ActionPrefix: "iam",
		Ops: map[string]dispatch.HandlerFunc{
			"CreateUser":       h.createUser,
			"GetUser":          h.getUser,
			"DeleteUser":       h.deleteUser,
			"ListUsers":        h.listUsers,
			"PutUserPolicy":    h.putUserPolicy,
			"DeleteUserPolicy": h.deleteUserPolicy,
		},
	}
	return newHTTPProvider("iam", deps.port(OffsetIAM), deps, nil, func(e *echo.Echo) {
		table.Register(e)
	})
}

type iamStubHandlers struct {
	evaluator *iam.Evaluator
}

type iamUser struct {
	UserName string `xml:"User>UserName"`
	UserID   string `xml:"User>UserId"`
	Arn      string `xml:"User>Arn"`
}

func iamUserARN(name string) string {
	return fmt.Sprintf("arn:aws:iam::%s:user/%s", common.AccountID, name)
}

func (h *iamStubHandlers) findIdentity(name string) (iam.Identity, bool) {
	for _, id := range h.evaluator.ListIdentities() {
		if id.Name == name {
			return id, true
		}
	}
	return iam.Identity{}, false
}

func (h *iamStubHandlers) createUser(c *dispatch.Call) (any, error) {
	name := c.String("UserName")
	if name == "" {
		return nil, dispatch.NewError("ValidationError", "UserName is required", 400)
	}
	if _, ok := h.findIdentity(name); ok {
		return nil, dispatch.NewError("EntityAlreadyExists", "user "+name+" already exists", 409)
	}
	h.evaluator.PutIdentity(iam.Identity{Name: name})
	return iamUser{UserName: name, UserID: name, Arn: iamUserARN(name)}, nil
}

func (h *iamStubHandlers) getUser(c *dispatch.Call) (any, error) {
	name := c.String("UserName")
	if _, ok := h.findIdentity(name); !ok {
		return nil, dispatch.NewError("NoSuchEntity", "user "+name+" does not exist", 404)
	}
	return iamUser{UserName: name, UserID: name, Arn: iamUserARN(name)}, nil
}

func (h *iamStubHandlers) deleteUser(c *dispatch.Call) (any, error) {
	h.evaluator.DeleteIdentity(c.String("UserName"))
	return nil, nil
}

type iamUserMember struct {
	UserName string `xml:"UserName"`
	Arn      string `xml:"Arn"`
}

type iamUserList struct {
	Users []iamUserMember `xml:"Users>member"`
}

func (h *iamStubHandlers) listUsers(c *dispatch.Call) (any, error) {
	ids := h.evaluator.ListIdentities()
	out := iamUserList{Users: make([]iamUserMember, 0, len(ids))}
	for _, id := range ids {
		out.Users = append(out.Users, iamUserMember{UserName: id.Name, Arn: iamUserARN(id.Name)})
	}
	return out, nil
}

// putUserPolicy parses the inline policy document and replaces the
// named policy on the identity, creating the identity if needed.
func (h *iamStubHandlers) putUserPolicy(c *dispatch.Call) (any, error) {
	name := c.String("UserName")
	policyName := c.String("PolicyName")
	var doc struct {
		Statement []iam.Statement `json:"Statement"`
	}
	if err := json.Unmarshal([]byte(c.String("PolicyDocument")), &doc); err != nil {
		return nil, dispatch.NewError("MalformedPolicyDocument", err.Error(), 400)
	}
	id, _ := h.findIdentity(name)
	id.Name = name
	kept := make([]iam.Policy, 0, len(id.Policies)+1)
	for _, p := range id.Policies {
		if p.Name != policyName {
			kept = append(kept, p)
		}
	}
	id.Policies = append(kept, iam.Policy{Name: policyName, Statements: doc.Statement})
	h.evaluator.PutIdentity(id)
	return nil, nil
}

func (h *iamStubHandlers) deleteUserPolicy(c *dispatch.Call) (any, error) {
	name := c.String("UserName")
	id, ok := h.findIdentity(name)
	if !ok {
		return nil, dispatch.NewError("NoSuchEntity", "user "+name+" does not exist", 404)
	}
	policyName := c.String("PolicyName")
	kept := make([]iam.Policy, 0, len(id.Policies))
	for _, p := range id.Policies {
		if p.Name != policyName {
			kept = append(kept, p)
		}
	}
	id.Policies = kept
	h.evaluator.PutIdentity(id)
	return nil, nil
}

// NewSTSStubProvider serves the token service stub (query/XML dialect).
// Every caller resolves to the fixed local account.
func NewSTSStubProvider(deps *Deps, evaluator *iam.Evaluator) *httpProvider {
	h := &stsStubHandlers{evaluator: evaluator}
	table := &dispatch.Table{
		Service:      "sts",
		ActionPrefix: "sts",
		Ops: map[string]dispatch.HandlerFunc{
			"GetCallerIdentity": h.getCallerIdentity,
			"AssumeRole":        h.assumeRole,
		},
	}
	return newHTTPProvider("sts", deps.port(OffsetSTS), deps, nil, func(e *echo.Echo) {
		table.Register(e)
	})
}

type stsStubHandlers struct {
	evaluator *iam.Evaluator
}

type callerIdentity struct {
	UserID  string `xml:"UserId"`
	Account string `xml:"Account"`
	Arn     string `xml:"Arn"`
}

func (h *stsStubHandlers) getCallerIdentity(c *dispatch.Call) (any, error) {
	principal := iam.PrincipalFromAuthorization(c.Echo.Request().Header.Get("Authorization"))
	return callerIdentity{
		UserID:  principal,
		Account: common.AccountID,
		Arn:     iamUserARN(principal),
	}, nil
}

type assumedRole struct {
	Credentials struct {
		AccessKeyID     string `xml:"AccessKeyId"`
		SecretAccessKey string `xml:"SecretAccessKey"`
		SessionToken    string `xml:"SessionToken"`
	} `xml:"Credentials"`
	AssumedRoleUser struct {
		Arn           string `xml:"Arn"`
		AssumedRoleID string `xml:"AssumedRoleId"`
	} `xml:"AssumedRoleUser"`
}

// assumeRole hands back static local credentials: the signature is
// never verified downstream, only the embedded principal name matters.
func (h *stsStubHandlers) assumeRole(c *dispatch.Call) (any, error) {
	roleARN := c.String("RoleArn")
	session := c.String("RoleSessionName")
	if roleARN == "" || session == "" {
		return nil, dispatch.NewError("ValidationError", "RoleArn and RoleSessionName are required", 400)
	}
	var out assumedRole
	out.Credentials.AccessKeyID = "LWSLOCAL" + session
	out.Credentials.SecretAccessKey = "local-secret"
	out.Credentials.SessionToken = "local-session"
	out.AssumedRoleUser.Arn = roleARN + "/" + session
	out.AssumedRoleUser.AssumedRoleID = session
	return out, nil
}
