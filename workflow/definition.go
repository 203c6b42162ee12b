// Package workflow implements the state machine engine: definition
// parsing and validation, the interpreter with retry/catch/timeout
// semantics, and the execution store.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidDefinition = errors.New("invalid state machine definition")
	ErrMachineNotFound   = errors.New("state machine does not exist")
	ErrMachineExists     = errors.New("state machine already exists")
	ErrExecutionNotFound = errors.New("execution does not exist")
	ErrValidation        = errors.New("validation error")
)

// Definition is a parsed state machine document.
type Definition struct {
	Comment string            `json:"Comment,omitempty"`
	StartAt string            `json:"StartAt"`
	States  map[string]*State `json:"States"`
}

// State is the tagged union of the eight state variants, discriminated
// by Type.
type State struct {
	Type    string `json:"Type"`
	Comment string `json:"Comment,omitempty"`
	Next    string `json:"Next,omitempty"`
	End     bool   `json:"End,omitempty"`

	InputPath      *string `json:"InputPath,omitempty"`
	OutputPath     *string `json:"OutputPath,omitempty"`
	ResultPath     *string `json:"ResultPath,omitempty"`
	Parameters     any     `json:"Parameters,omitempty"`
	ResultSelector any     `json:"ResultSelector,omitempty"`

	// Pass
	Result any `json:"Result,omitempty"`

	// Task
	Resource       string        `json:"Resource,omitempty"`
	TimeoutSeconds int           `json:"TimeoutSeconds,omitempty"`
	Retry          []RetryPolicy `json:"Retry,omitempty"`
	Catch          []Catcher     `json:"Catch,omitempty"`

	// Choice
	Choices []*ChoiceRule `json:"Choices,omitempty"`
	Default string        `json:"Default,omitempty"`

	// Wait
	Seconds       *float64 `json:"Seconds,omitempty"`
	SecondsPath   *string  `json:"SecondsPath,omitempty"`
	Timestamp     string   `json:"Timestamp,omitempty"`
	TimestampPath *string  `json:"TimestampPath,omitempty"`

	// Fail
	Error string `json:"Error,omitempty"`
	Cause string `json:"Cause,omitempty"`

	// Parallel
	Branches []*Definition `json:"Branches,omitempty"`

	// Map
	Iterator       *Definition `json:"Iterator,omitempty"`
	ItemsPath      *string     `json:"ItemsPath,omitempty"`
	MaxConcurrency int         `json:"MaxConcurrency,omitempty"`
}

// RetryPolicy retries matching task errors with exponential backoff.
type RetryPolicy struct {
	ErrorEquals     []string `json:"ErrorEquals"`
	IntervalSeconds float64  `json:"IntervalSeconds,omitempty"`
	MaxAttempts     *int     `json:"MaxAttempts,omitempty"`
	BackoffRate     float64  `json:"BackoffRate,omitempty"`
}

func (p RetryPolicy) interval() float64 {
	if p.IntervalSeconds > 0 {
		return p.IntervalSeconds
	}
	return 1
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts != nil {
		return *p.MaxAttempts
	}
	return 3
}

func (p RetryPolicy) backoff() float64 {
	if p.BackoffRate > 0 {
		return p.BackoffRate
	}
	return 2
}

// Catcher routes matching task errors to a recovery state.
type Catcher struct {
	ErrorEquals []string `json:"ErrorEquals"`
	ResultPath  *string  `json:"ResultPath,omitempty"`
	Next        string   `json:"Next"`
}

// ChoiceRule is one choice branch: either a comparison on Variable or
// an And/Or/Not combinator. Top-level rules carry Next.
type ChoiceRule struct {
	Variable string        `json:"Variable,omitempty"`
	And      []*ChoiceRule `json:"And,omitempty"`
	Or       []*ChoiceRule `json:"Or,omitempty"`
	Not      *ChoiceRule   `json:"Not,omitempty"`
	Next     string        `json:"Next,omitempty"`

	StringEquals            *string `json:"StringEquals,omitempty"`
	StringLessThan          *string `json:"StringLessThan,omitempty"`
	StringGreaterThan       *string `json:"StringGreaterThan,omitempty"`
	StringLessThanEquals    *string `json:"StringLessThanEquals,omitempty"`
	StringGreaterThanEquals *string `json:"StringGreaterThanEquals,omitempty"`

	NumericEquals            *float64 `json:"NumericEquals,omitempty"`
	NumericLessThan          *float64 `json:"NumericLessThan,omitempty"`
	NumericGreaterThan       *float64 `json:"NumericGreaterThan,omitempty"`
	NumericLessThanEquals    *float64 `json:"NumericLessThanEquals,omitempty"`
	NumericGreaterThanEquals *float64 `json:"NumericGreaterThanEquals,omitempty"`

	BooleanEquals *bool `json:"BooleanEquals,omitempty"`

	TimestampEquals            *string `json:"TimestampEquals,omitempty"`
	TimestampLessThan          *string `json:"TimestampLessThan,omitempty"`
	TimestampGreaterThan       *string `json:"TimestampGreaterThan,omitempty"`
	TimestampLessThanEquals    *string `json:"TimestampLessThanEquals,omitempty"`
	TimestampGreaterThanEquals *string `json:"TimestampGreaterThanEquals,omitempty"`

	IsNull    *bool `json:"IsNull,omitempty"`
	IsPresent *bool `json:"IsPresent,omitempty"`
}

// Parse decodes and validates a definition source string.
func Parse(source string) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal([]byte(source), &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := def.validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) validate() error {
	if d.StartAt == "" {
		return fmt.Errorf("%w: StartAt is required", ErrInvalidDefinition)
	}
	if len(d.States) == 0 {
		return fmt.Errorf("%w: States is empty", ErrInvalidDefinition)
	}
	if _, ok := d.States[d.StartAt]; !ok {
		return fmt.Errorf("%w: StartAt %q is not a state", ErrInvalidDefinition, d.StartAt)
	}
	for name, st := range d.States {
		if err := d.validateState(name, st); err != nil {
			return err
		}
	}
	return nil
}

func (d *Definition) validateState(name string, st *State) error {
	ref := func(next string) error {
		if _, ok := d.States[next]; !ok {
			return fmt.Errorf("%w: state %q references unknown state %q", ErrInvalidDefinition, name, next)
		}
		return nil
	}
	switch st.Type {
	case "Succeed", "Fail":
		return nil
	case "Choice":
		if len(st.Choices) == 0 {
			return fmt.Errorf("%w: choice state %q has no choices", ErrInvalidDefinition, name)
		}
		for _, c := range st.Choices {
			if c.Next == "" {
				return fmt.Errorf("%w: choice rule in %q has no Next", ErrInvalidDefinition, name)
			}
			if err := ref(c.Next); err != nil {
				return err
			}
		}
		if st.Default != "" {
			return ref(st.Default)
		}
		return nil
	case "Pass", "Task", "Wait", "Parallel", "Map":
		if !st.End && st.Next == "" {
			return fmt.Errorf("%w: state %q needs Next or End", ErrInvalidDefinition, name)
		}
		if st.Next != "" {
			if err := ref(st.Next); err != nil {
				return err
			}
		}
		for _, c := range st.Catch {
			if err := ref(c.Next); err != nil {
				return err
			}
		}
		switch st.Type {
		case "Task":
			if st.Resource == "" {
				return fmt.Errorf("%w: task state %q has no Resource", ErrInvalidDefinition, name)
			}
		case "Parallel":
			if len(st.Branches) == 0 {
				return fmt.Errorf("%w: parallel state %q has no Branches", ErrInvalidDefinition, name)
			}
			for i, b := range st.Branches {
				if err := b.validate(); err != nil {
					return fmt.Errorf("branch %d of %q: %w", i, name, err)
				}
			}
		case "Map":
			if st.Iterator == nil {
				return fmt.Errorf("%w: map state %q has no Iterator", ErrInvalidDefinition, name)
			}
			if err := st.Iterator.validate(); err != nil {
				return fmt.Errorf("iterator of %q: %w", name, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: state %q has unknown type %q", ErrInvalidDefinition, name, st.Type)
	}
}
