package service

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/labstack/echo/v4"

	"lws.localdev.org/common"
	"lws.localdev.org/dispatch"
	"lws.localdev.org/fabric"
	"lws.localdev.org/pubsub"
)

// NewPubSubProvider serves the topic protocol (query/XML dialect).
func NewPubSubProvider(deps *Deps, topics *pubsub.Topics) *httpProvider {
	h := &topicHandlers{topics: topics}
	table := &dispatch.Table{
		Service:      "pubsub",
		ActionPrefix: "sns",
		Ops: map[string]dispatch.HandlerFunc{
			"CreateTopic":              h.createTopic,
			"DeleteTopic":              h.deleteTopic,
			"ListTopics":               h.listTopics,
			"Subscribe":                h.subscribe,
			"Unsubscribe":              h.unsubscribe,
			"ListSubscriptionsByTopic": h.listSubscriptions,
			"Publish":                  h.publish,
		},
		Resource: func(c *dispatch.Call) string {
			if arn := c.String("TopicArn"); arn != "" {
				return arn
			}
			if name := c.String("Name"); name != "" {
				return common.TopicARN(name)
			}
			return ""
		},
		Evaluator:      deps.Evaluator,
		TranslateError: translatePubSubError,
	}
	return newHTTPProvider("pubsub", deps.port(OffsetPubSub), deps, nil, func(e *echo.Echo) {
		table.Register(e)
	})
}

func translatePubSubError(err error) *dispatch.Error {
	switch {
	case errors.Is(err, pubsub.ErrTopicNotFound):
		return dispatch.NewError("NotFound", err.Error(), 404)
	case errors.Is(err, pubsub.ErrSubscriptionNotFound):
		return dispatch.NewError("NotFound", err.Error(), 404)
	case errors.Is(err, pubsub.ErrTopicExists):
		return dispatch.NewError("TopicAlreadyExists", err.Error(), 400)
	case errors.Is(err, pubsub.ErrValidation):
		return dispatch.NewError("InvalidParameter", err.Error(), 400)
	}
	return nil
}

type topicHandlers struct {
	topics *pubsub.Topics
}

func topicNameFromARN(arn string) string {
	if i := strings.LastIndexByte(arn, ':'); i != -1 {
		return arn[i+1:]
	}
	return arn
}

func (h *topicHandlers) createTopic(c *dispatch.Call) (any, error) {
	arn, err := h.topics.CreateTopic(c.String("Name"))
	if err != nil {
		return nil, err
	}
	return struct {
		TopicARN string `xml:"TopicArn"`
	}{TopicARN: arn}, nil
}

func (h *topicHandlers) deleteTopic(c *dispatch.Call) (any, error) {
	return nil, h.topics.DeleteTopic(topicNameFromARN(c.String("TopicArn")))
}

func (h *topicHandlers) listTopics(c *dispatch.Call) (any, error) {
	arns := h.topics.ListTopics()
	type member struct {
		TopicARN string `xml:"TopicArn"`
	}
	out := struct {
		Topics []member `xml:"Topics>member"`
	}{}
	for _, arn := range arns {
		out.Topics = append(out.Topics, member{TopicARN: arn})
	}
	return out, nil
}

// subscribe accepts queue and function endpoints; a FilterPolicy
// attribute is a JSON document of attribute -> allowed values.
func (h *topicHandlers) subscribe(c *dispatch.Call) (any, error) {
	var filter map[string][]string
	for _, entry := range dispatch.BatchEntries(c.Form, "Attributes.entry") {
		if entry["key"] != "FilterPolicy" {
			continue
		}
		if err := json.Unmarshal([]byte(entry["value"]), &filter); err != nil {
			return nil, dispatch.NewError("InvalidParameter", "FilterPolicy must be a JSON object", 400)
		}
	}
	sub, err := h.topics.Subscribe(
		topicNameFromARN(c.String("TopicArn")),
		c.String("Protocol"),
		c.String("Endpoint"),
		filter,
	)
	if err != nil {
		return nil, err
	}
	return struct {
		SubscriptionARN string `xml:"SubscriptionArn"`
	}{SubscriptionARN: sub.ID}, nil
}

func (h *topicHandlers) unsubscribe(c *dispatch.Call) (any, error) {
	return nil, h.topics.Unsubscribe(c.String("SubscriptionArn"))
}

func (h *topicHandlers) listSubscriptions(c *dispatch.Call) (any, error) {
	subs, err := h.topics.ListSubscriptions(topicNameFromARN(c.String("TopicArn")))
	if err != nil {
		return nil, err
	}
	type member struct {
		SubscriptionARN string `xml:"SubscriptionArn"`
		Protocol        string `xml:"Protocol"`
		Endpoint        string `xml:"Endpoint"`
	}
	out := struct {
		Subscriptions []member `xml:"Subscriptions>member"`
	}{}
	for _, s := range subs {
		out.Subscriptions = append(out.Subscriptions, member{
			SubscriptionARN: s.ID, Protocol: s.Protocol, Endpoint: s.Endpoint,
		})
	}
	return out, nil
}

func (h *topicHandlers) publish(c *dispatch.Call) (any, error) {
	attributes := map[string]string{}
	for _, entry := range dispatch.BatchEntries(c.Form, "MessageAttributes.entry") {
		if entry["Name"] != "" {
			attributes[entry["Name"]] = entry["Value.StringValue"]
		}
	}
	id, err := h.topics.Publish(
		topicNameFromARN(c.String("TopicArn")),
		c.String("Message"),
		attributes,
		c.String("Subject"),
	)
	if err != nil {
		return nil, err
	}
	return struct {
		MessageID string `xml:"MessageId"`
	}{MessageID: id}, nil
}

// NewBusProvider serves the event bus protocol (JSON-targeted dialect).
func NewBusProvider(deps *Deps, buses *pubsub.Buses) *httpProvider {
	h := &busHandlers{buses: buses}
	table := &dispatch.Table{
		Service:      "bus",
		ActionPrefix: "events",
		Ops: map[string]dispatch.HandlerFunc{
			"CreateEventBus": h.createBus,
			"DeleteEventBus": h.deleteBus,
			"ListEventBuses": h.listBuses,
			"PutRule":        h.putRule,
			"DeleteRule":     h.deleteRule,
			"ListRules":      h.listRules,
			"PutTargets":     h.putTargets,
			"PutEvents":      h.putEvents,
		},
		Evaluator:      deps.Evaluator,
		TranslateError: translateBusError,
	}
	return newHTTPProvider("bus", deps.port(OffsetBus), deps, nil, func(e *echo.Echo) {
		table.Register(e)
	})
}

func translateBusError(err error) *dispatch.Error {
	switch {
	case errors.Is(err, pubsub.ErrBusNotFound), errors.Is(err, pubsub.ErrRuleNotFound):
		return dispatch.NewError("ResourceNotFoundException", err.Error(), 400)
	case errors.Is(err, pubsub.ErrValidation):
		return dispatch.NewError("ValidationException", err.Error(), 400)
	}
	return nil
}

type busHandlers struct {
	buses *pubsub.Buses
}

// targetFromARN infers the delivery kind from the ARN's service part.
func targetFromARN(arn string) (fabric.Target, bool) {
	parts := strings.Split(arn, ":")
	if len(parts) < 6 {
		return fabric.Target{}, false
	}
	switch parts[2] {
	case "lambda":
		return fabric.Target{Kind: fabric.TargetFunction, Name: strings.TrimPrefix(parts[len(parts)-1], "function:")}, true
	case "sqs":
		return fabric.Target{Kind: fabric.TargetQueue, Name: parts[len(parts)-1]}, true
	case "sns":
		return fabric.Target{Kind: fabric.TargetTopic, Name: parts[len(parts)-1]}, true
	}
	return fabric.Target{}, false
}

func (h *busHandlers) createBus(c *dispatch.Call) (any, error) {
	name := c.String("Name")
	if err := h.buses.CreateBus(name); err != nil {
		return nil, err
	}
	return map[string]any{"EventBusArn": common.ARN("events", "event-bus/"+name)}, nil
}

func (h *busHandlers) deleteBus(c *dispatch.Call) (any, error) {
	return nil, h.buses.DeleteBus(c.String("Name"))
}

func (h *busHandlers) listBuses(c *dispatch.Call) (any, error) {
	names := h.buses.ListBuses()
	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		out = append(out, map[string]any{
			"Name": name,
			"Arn":  common.ARN("events", "event-bus/"+name),
		})
	}
	return map[string]any{"EventBuses": out}, nil
}

func (h *busHandlers) putRule(c *dispatch.Call) (any, error) {
	var req struct {
		Name         string `json:"Name"`
		EventBusName string `json:"EventBusName"`
		EventPattern string `json:"EventPattern"`
	}
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	if req.EventBusName == "" {
		req.EventBusName = pubsub.DefaultBus
	}
	arn, err := h.buses.PutRule(req.EventBusName, req.Name, req.EventPattern, nil)
	if err != nil {
		return nil, err
	}
	return map[string]any{"RuleArn": arn}, nil
}

func (h *busHandlers) deleteRule(c *dispatch.Call) (any, error) {
	busName := c.String("EventBusName")
	if busName == "" {
		busName = pubsub.DefaultBus
	}
	return nil, h.buses.DeleteRule(busName, c.String("Name"))
}

func (h *busHandlers) listRules(c *dispatch.Call) (any, error) {
	busName := c.String("EventBusName")
	if busName == "" {
		busName = pubsub.DefaultBus
	}
	rules, err := h.buses.ListRules(busName)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(rules))
	for _, r := range rules {
		pattern, _ := json.Marshal(r.Pattern)
		out = append(out, map[string]any{
			"Name":         r.Name,
			"Arn":          r.ARN,
			"EventPattern": string(pattern),
		})
	}
	return map[string]any{"Rules": out}, nil
}

func (h *busHandlers) putTargets(c *dispatch.Call) (any, error) {
	var req struct {
		Rule         string `json:"Rule"`
		EventBusName string `json:"EventBusName"`
		Targets      []struct {
			ID  string `json:"Id"`
			Arn string `json:"Arn"`
		} `json:"Targets"`
	}
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	if req.EventBusName == "" {
		req.EventBusName = pubsub.DefaultBus
	}
	var targets []fabric.Target
	var failed []map[string]any
	for _, t := range req.Targets {
		target, ok := targetFromARN(t.Arn)
		if !ok {
			failed = append(failed, map[string]any{
				"TargetId": t.ID, "ErrorCode": "ValidationException",
				"ErrorMessage": "unsupported target ARN",
			})
			continue
		}
		targets = append(targets, target)
	}
	if err := h.buses.PutTargets(req.EventBusName, req.Rule, targets...); err != nil {
		return nil, err
	}
	return map[string]any{"FailedEntryCount": len(failed), "FailedEntries": failed}, nil
}

// putEvents reports per-entry failures in the result entries, never as
// a request error.
func (h *busHandlers) putEvents(c *dispatch.Call) (any, error) {
	var req struct {
		Entries []struct {
			EventBusName string          `json:"EventBusName"`
			Source       string          `json:"Source"`
			DetailType   string          `json:"DetailType"`
			Detail       json.RawMessage `json:"Detail"`
		} `json:"Entries"`
	}
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	entries := make([]pubsub.Entry, 0, len(req.Entries))
	for _, e := range req.Entries {
		busName := e.EventBusName
		if busName == "" {
			busName = pubsub.DefaultBus
		}
		entries = append(entries, pubsub.Entry{
			Bus: busName, Source: e.Source, DetailType: e.DetailType, Detail: e.Detail,
		})
	}
	results := h.buses.PutEvents(entries)
	out := make([]map[string]any, 0, len(results))
	failures := 0
	for _, r := range results {
		entry := map[string]any{}
		if r.Err != nil {
			failures++
			entry["ErrorCode"] = "ValidationException"
			entry["ErrorMessage"] = r.Err.Error()
		} else {
			entry["EventId"] = r.EventID
		}
		out = append(out, entry)
	}
	return map[string]any{"FailedEntryCount": failures, "Entries": out}, nil
}
