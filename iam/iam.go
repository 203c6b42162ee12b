// Package iam simulates the target policy evaluator: identities carry
// policy documents, and requests are checked against them with
// explicit-deny-wins semantics. Signatures are parsed for the
// principal name only, never verified.
package iam

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"lws.localdev.org/common"
)

// Mode controls what a deny decision does to the request.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeAudit    Mode = "audit"
	ModeEnforce  Mode = "enforce"
)

// DefaultPrincipal is used when the request carries no credential.
const DefaultPrincipal = "default"

// Statement is one policy statement.
type Statement struct {
	Effect    string                       `json:"Effect"`
	Actions   []string                     `json:"Action"`
	Resources []string                     `json:"Resource"`
	Condition map[string]map[string]string `json:"Condition,omitempty"`
}

// Policy is a named list of statements.
type Policy struct {
	Name       string      `json:"name"`
	Statements []Statement `json:"statements"`
}

// Identity binds policies to a principal name.
type Identity struct {
	Name     string   `json:"name"`
	Policies []Policy `json:"policies"`
}

// Request is one authorization check.
type Request struct {
	Principal string
	Action    string
	Resource  string
	Context   map[string]string
}

// Decision is the evaluation outcome.
type Decision struct {
	Allowed        bool     `json:"allowed"`
	Reason         string   `json:"reason"`
	MatchedActions []string `json:"matchedActions,omitempty"`
}

// Evaluator holds identities and the enforcement mode.
type Evaluator struct {
	mu         sync.RWMutex
	mode       Mode
	identities map[string]*Identity
	log        *logrus.Entry
}

// NewEvaluator builds an evaluator. An empty mode disables evaluation.
func NewEvaluator(mode Mode) *Evaluator {
	if mode == "" {
		mode = ModeDisabled
	}
	return &Evaluator{
		mode:       mode,
		identities: make(map[string]*Identity),
		log:        common.ServiceLogger("iam"),
	}
}

func (e *Evaluator) Mode() Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

func (e *Evaluator) SetMode(mode Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = mode
}

// PutIdentity installs or replaces an identity record.
func (e *Evaluator) PutIdentity(id Identity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.identities[id.Name] = &id
}

func (e *Evaluator) DeleteIdentity(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.identities, name)
}

func (e *Evaluator) ListIdentities() []Identity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Identity, 0, len(e.identities))
	for _, id := range e.identities {
		out = append(out, *id)
	}
	return out
}

// PrincipalFromAuthorization extracts the principal name from a SigV4
// style Authorization header (Credential=<name>/date/region/...).
// Missing or unparseable headers fall back to the default principal.
func PrincipalFromAuthorization(header string) string {
	idx := strings.Index(header, "Credential=")
	if idx == -1 {
		return DefaultPrincipal
	}
	rest := header[idx+len("Credential="):]
	if end := strings.IndexAny(rest, "/, "); end != -1 {
		rest = rest[:end]
	}
	if rest == "" {
		return DefaultPrincipal
	}
	return rest
}

// Evaluate checks a request against the principal's bound policies.
// An unknown principal has no statements and is denied by default.
func (e *Evaluator) Evaluate(req Request) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	principal := req.Principal
	if principal == "" {
		principal = DefaultPrincipal
	}
	id := e.identities[principal]
	if id == nil {
		return Decision{Reason: fmt.Sprintf("no policies bound to principal %q", principal)}
	}

	var allowed []string
	for _, policy := range id.Policies {
		for _, stmt := range policy.Statements {
			actions := matchActions(stmt.Actions, req.Action)
			if len(actions) == 0 {
				continue
			}
			if !matchAny(stmt.Resources, req.Resource) {
				continue
			}
			if !conditionHolds(stmt.Condition, req) {
				continue
			}
			if strings.EqualFold(stmt.Effect, "deny") {
				return Decision{
					Reason:         fmt.Sprintf("explicit deny in policy %q", policy.Name),
					MatchedActions: actions,
				}
			}
			allowed = append(allowed, actions...)
		}
	}
	if len(allowed) > 0 {
		return Decision{Allowed: true, Reason: "allowed by policy", MatchedActions: allowed}
	}
	return Decision{Reason: fmt.Sprintf("no statement allows %s on %s", req.Action, req.Resource)}
}

// Authorize evaluates and applies the mode: audit logs denials and
// allows the request through, enforce surfaces them.
func (e *Evaluator) Authorize(req Request) (Decision, bool) {
	mode := e.Mode()
	if mode == ModeDisabled {
		return Decision{Allowed: true, Reason: "evaluation disabled"}, true
	}
	dec := e.Evaluate(req)
	if dec.Allowed {
		return dec, true
	}
	fields := logrus.Fields{
		"principal": req.Principal, "action": req.Action,
		"resource": req.Resource, "reason": dec.Reason,
	}
	if mode == ModeAudit {
		e.log.WithFields(fields).Warn("request denied (audit mode, proceeding)")
		return dec, true
	}
	e.log.WithFields(fields).Warn("request denied")
	return dec, false
}

// matchActions returns the patterns matching the requested action.
func matchActions(patterns []string, action string) []string {
	var out []string
	for _, p := range patterns {
		if glob(p, action) {
			out = append(out, p)
		}
	}
	return out
}

func matchAny(patterns []string, value string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if glob(p, value) {
			return true
		}
	}
	return false
}

// conditionHolds evaluates the condition block. StringEquals and
// ArnLike are supported; a statement with any other operator never
// matches.
func conditionHolds(cond map[string]map[string]string, req Request) bool {
	for op, pairs := range cond {
		switch op {
		case "StringEquals":
			for key, want := range pairs {
				if req.Context[key] != want {
					return false
				}
			}
		case "ArnLike":
			for key, pattern := range pairs {
				if !glob(pattern, req.Context[key]) {
					return false
				}
			}
		default:
			return false
		}
	}
	return true
}

// glob matches with `*` wildcards, case-sensitively.
func glob(pattern, value string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == value
	}
	if !strings.HasPrefix(value, parts[0]) {
		return false
	}
	value = value[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(value, part)
		if idx == -1 {
			return false
		}
		value = value[idx+len(part):]
	}
	return strings.HasSuffix(value, parts[len(parts)-1])
}
