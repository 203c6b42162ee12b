package workflow

import (
	"fmt"
	"time"

	"lws.localdev.org/jsonpath"
)

// evalRule evaluates one choice rule against the state input. A
// comparison whose variable path does not resolve is false rather than
// an error, so rules can probe optional fields.
func evalRule(rule *ChoiceRule, doc, ctxObj any) (bool, error) {
	switch {
	case len(rule.And) > 0:
		for _, sub := range rule.And {
			ok, err := evalRule(sub, doc, ctxObj)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case len(rule.Or) > 0:
		for _, sub := range rule.Or {
			ok, err := evalRule(sub, doc, ctxObj)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case rule.Not != nil:
		ok, err := evalRule(rule.Not, doc, ctxObj)
		return !ok, err
	}

	if rule.Variable == "" {
		return false, fmt.Errorf("%w: choice rule has no Variable", ErrInvalidDefinition)
	}
	if rule.IsPresent != nil {
		return jsonpath.Has(rule.Variable, doc, ctxObj) == *rule.IsPresent, nil
	}
	value, err := jsonpath.Resolve(rule.Variable, doc, ctxObj)
	if err != nil {
		return false, nil
	}
	if rule.IsNull != nil {
		return (value == nil) == *rule.IsNull, nil
	}

	if s, ok := value.(string); ok {
		switch {
		case rule.StringEquals != nil:
			return s == *rule.StringEquals, nil
		case rule.StringLessThan != nil:
			return s < *rule.StringLessThan, nil
		case rule.StringGreaterThan != nil:
			return s > *rule.StringGreaterThan, nil
		case rule.StringLessThanEquals != nil:
			return s <= *rule.StringLessThanEquals, nil
		case rule.StringGreaterThanEquals != nil:
			return s >= *rule.StringGreaterThanEquals, nil
		}
		if cmp, want, ok := timestampComparison(rule); ok {
			at, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return false, nil
			}
			ref, err := time.Parse(time.RFC3339, want)
			if err != nil {
				return false, nil
			}
			switch cmp {
			case "eq":
				return at.Equal(ref), nil
			case "lt":
				return at.Before(ref), nil
			case "gt":
				return at.After(ref), nil
			case "lte":
				return !at.After(ref), nil
			case "gte":
				return !at.Before(ref), nil
			}
		}
	}
	if n, ok := value.(float64); ok {
		switch {
		case rule.NumericEquals != nil:
			return n == *rule.NumericEquals, nil
		case rule.NumericLessThan != nil:
			return n < *rule.NumericLessThan, nil
		case rule.NumericGreaterThan != nil:
			return n > *rule.NumericGreaterThan, nil
		case rule.NumericLessThanEquals != nil:
			return n <= *rule.NumericLessThanEquals, nil
		case rule.NumericGreaterThanEquals != nil:
			return n >= *rule.NumericGreaterThanEquals, nil
		}
	}
	if b, ok := value.(bool); ok && rule.BooleanEquals != nil {
		return b == *rule.BooleanEquals, nil
	}
	return false, nil
}

func timestampComparison(rule *ChoiceRule) (op, want string, ok bool) {
	switch {
	case rule.TimestampEquals != nil:
		return "eq", *rule.TimestampEquals, true
	case rule.TimestampLessThan != nil:
		return "lt", *rule.TimestampLessThan, true
	case rule.TimestampGreaterThan != nil:
		return "gt", *rule.TimestampGreaterThan, true
	case rule.TimestampLessThanEquals != nil:
		return "lte", *rule.TimestampLessThanEquals, true
	case rule.TimestampGreaterThanEquals != nil:
		return "gte", *rule.TimestampGreaterThanEquals, true
	}
	return "", "", false
}
