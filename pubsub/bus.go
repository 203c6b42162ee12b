package pubsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lws.localdev.org/common"
	"lws.localdev.org/fabric"
)

var (
	ErrBusNotFound  = errors.New("event bus does not exist")
	ErrRuleNotFound = errors.New("rule does not exist")
)

// DefaultBus is pre-created on every bus registry.
const DefaultBus = "default"

// Rule matches events against a pattern and routes them to targets.
type Rule struct {
	Name    string          `json:"name"`
	ARN     string          `json:"arn"`
	Pattern map[string]any  `json:"pattern"`
	Targets []fabric.Target `json:"targets"`
}

type bus struct {
	name  string
	rules map[string]*Rule
}

// Buses is the event bus registry.
type Buses struct {
	mu    sync.Mutex
	buses map[string]*bus
	fab   *fabric.Fabric
	log   *logrus.Entry
}

// NewBuses creates the registry with the default bus in place.
func NewBuses(fab *fabric.Fabric) *Buses {
	b := &Buses{
		buses: make(map[string]*bus),
		fab:   fab,
		log:   common.ServiceLogger("bus"),
	}
	b.buses[DefaultBus] = &bus{name: DefaultBus, rules: make(map[string]*Rule)}
	return b
}

// CreateBus registers a bus; re-creation is idempotent.
func (b *Buses) CreateBus(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.buses[name]; !ok {
		b.buses[name] = &bus{name: name, rules: make(map[string]*Rule)}
	}
	return nil
}

// DeleteBus removes a bus and its rules. The default bus cannot go.
func (b *Buses) DeleteBus(name string) error {
	if name == DefaultBus {
		return fmt.Errorf("%w: the default bus cannot be deleted", ErrValidation)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.buses[name]; !ok {
		return fmt.Errorf("%w: %s", ErrBusNotFound, name)
	}
	delete(b.buses, name)
	return nil
}

// ListBuses returns all bus names in order.
func (b *Buses) ListBuses() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for name := range b.buses {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// PutRule creates or replaces a rule. The pattern is the JSON pattern
// document; targets may be extended later with PutTargets.
func (b *Buses) PutRule(busName, ruleName, patternJSON string, targets []fabric.Target) (string, error) {
	var pattern map[string]any
	if err := json.Unmarshal([]byte(patternJSON), &pattern); err != nil {
		return "", fmt.Errorf("%w: event pattern: %v", ErrValidation, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bs, ok := b.buses[busName]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrBusNotFound, busName)
	}
	arn := common.RuleARN(busName, ruleName)
	bs.rules[ruleName] = &Rule{Name: ruleName, ARN: arn, Pattern: pattern, Targets: targets}
	b.log.WithFields(logrus.Fields{"bus": busName, "rule": ruleName}).Info("rule stored")
	return arn, nil
}

// PutTargets appends targets to an existing rule.
func (b *Buses) PutTargets(busName, ruleName string, targets ...fabric.Target) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, err := b.rule(busName, ruleName)
	if err != nil {
		return err
	}
	r.Targets = append(r.Targets, targets...)
	return nil
}

// DeleteRule removes a rule.
func (b *Buses) DeleteRule(busName, ruleName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.rule(busName, ruleName); err != nil {
		return err
	}
	delete(b.buses[busName].rules, ruleName)
	return nil
}

// ListRules returns a bus's rules in name order.
func (b *Buses) ListRules(busName string) ([]Rule, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bs, ok := b.buses[busName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBusNotFound, busName)
	}
	var out []Rule
	for _, r := range bs.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Entry is one event of a PutEvents call.
type Entry struct {
	Bus        string
	Source     string
	DetailType string
	Detail     json.RawMessage
}

// EntryResult reports the assigned event id, or the per-entry error.
type EntryResult struct {
	EventID string
	Err     error
}

// PutEvents matches each entry against the bus's rules and routes the
// event envelope to every target of every matching rule. Failures are
// reported per entry, never as a request error.
func (b *Buses) PutEvents(entries []Entry) []EntryResult {
	out := make([]EntryResult, len(entries))
	for i, entry := range entries {
		out[i] = b.putEvent(entry)
	}
	return out
}

func (b *Buses) putEvent(entry Entry) EntryResult {
	busName := entry.Bus
	if busName == "" {
		busName = DefaultBus
	}
	var detail any = map[string]any{}
	if len(entry.Detail) > 0 {
		if err := json.Unmarshal(entry.Detail, &detail); err != nil {
			return EntryResult{Err: fmt.Errorf("%w: detail: %v", ErrValidation, err)}
		}
	}
	id := uuid.NewString()
	envelope := map[string]any{
		"version":     "0",
		"id":          id,
		"detail-type": entry.DetailType,
		"source":      entry.Source,
		"account":     common.AccountID,
		"region":      common.Region,
		"time":        time.Now().UTC().Format(time.RFC3339),
		"detail":      detail,
	}
	envJSON, err := json.Marshal(envelope)
	if err != nil {
		return EntryResult{Err: err}
	}

	b.mu.Lock()
	bs, ok := b.buses[busName]
	if !ok {
		b.mu.Unlock()
		return EntryResult{Err: fmt.Errorf("%w: %s", ErrBusNotFound, busName)}
	}
	var matched []Rule
	for _, r := range bs.rules {
		if matchPattern(r.Pattern, envelope) {
			matched = append(matched, *r)
		}
	}
	b.mu.Unlock()

	for _, r := range matched {
		for _, target := range r.Targets {
			if err := b.fab.Deliver(target, string(envJSON)); err != nil {
				b.log.WithError(err).WithFields(logrus.Fields{
					"rule": r.Name, "target": target.Name,
				}).Error("rule delivery failed")
			}
		}
	}
	return EntryResult{EventID: id}
}

// Reset drops all buses and re-creates the default bus.
func (b *Buses) Reset() {
	b.mu.Lock()
	b.buses = map[string]*bus{DefaultBus: {name: DefaultBus, rules: make(map[string]*Rule)}}
	b.mu.Unlock()
}

func (b *Buses) rule(busName, ruleName string) (*Rule, error) {
	bs, ok := b.buses[busName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBusNotFound, busName)
	}
	r, ok := bs.rules[ruleName]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrRuleNotFound, busName, ruleName)
	}
	return r, nil
}

// matchPattern applies an event pattern to a document, recursing into
// nested objects. Leaf pattern values are lists of matchers: a literal,
// a {"prefix": p} clause or an {"anything-but": [...]} clause.
func matchPattern(pattern map[string]any, doc map[string]any) bool {
	for key, pv := range pattern {
		dv, ok := doc[key]
		if !ok {
			return false
		}
		switch p := pv.(type) {
		case map[string]any:
			nested, ok := dv.(map[string]any)
			if !ok || !matchPattern(p, nested) {
				return false
			}
		case []any:
			if !matchList(p, dv) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func matchList(matchers []any, value any) bool {
	for _, m := range matchers {
		switch mv := m.(type) {
		case string, float64, bool:
			if mv == value {
				return true
			}
		case map[string]any:
			if p, ok := mv["prefix"].(string); ok {
				if s, ok := value.(string); ok && strings.HasPrefix(s, p) {
					return true
				}
			}
			if ab, ok := mv["anything-but"].([]any); ok {
				excluded := false
				for _, ex := range ab {
					if ex == value {
						excluded = true
						break
					}
				}
				if !excluded {
					return true
				}
			}
		}
	}
	return false
}
