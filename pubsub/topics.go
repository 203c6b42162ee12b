// Package pubsub implements the topic registry with subscription
// fan-out and the event bus with pattern-matched rules. Both deliver
// through the fabric.
package pubsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lws.localdev.org/common"
	"lws.localdev.org/fabric"
)

var (
	ErrTopicNotFound        = errors.New("topic does not exist")
	ErrTopicExists          = errors.New("topic already exists")
	ErrSubscriptionNotFound = errors.New("subscription does not exist")
	ErrValidation           = errors.New("validation error")
)

// Subscription routes a topic's messages to a queue or function.
// FilterPolicy, when set, requires every named attribute to carry one
// of the listed values.
type Subscription struct {
	ID           string              `json:"id"`
	TopicName    string              `json:"topicName"`
	Protocol     string              `json:"protocol"` // queue | function
	Endpoint     string              `json:"endpoint"`
	FilterPolicy map[string][]string `json:"filterPolicy,omitempty"`
}

type topic struct {
	name      string
	arn       string
	subs      map[string]*Subscription
	createdAt time.Time
}

// Topics is the topic registry.
type Topics struct {
	mu     sync.Mutex
	topics map[string]*topic
	fab    *fabric.Fabric
	log    *logrus.Entry
}

// NewTopics creates an empty topic registry delivering through fab.
func NewTopics(fab *fabric.Fabric) *Topics {
	return &Topics{
		topics: make(map[string]*topic),
		fab:    fab,
		log:    common.ServiceLogger("pubsub"),
	}
}

// CreateTopic registers a topic; re-creation is idempotent.
func (t *Topics) CreateTopic(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: topic name required", ErrValidation)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if tp, ok := t.topics[name]; ok {
		return tp.arn, nil
	}
	t.topics[name] = &topic{
		name:      name,
		arn:       common.TopicARN(name),
		subs:      make(map[string]*Subscription),
		createdAt: time.Now().UTC(),
	}
	t.log.WithField("topic", name).Info("topic created")
	return common.TopicARN(name), nil
}

// DeleteTopic removes a topic and its subscriptions.
func (t *Topics) DeleteTopic(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.topics[name]; !ok {
		return fmt.Errorf("%w: %s", ErrTopicNotFound, name)
	}
	delete(t.topics, name)
	return nil
}

// ListTopics returns all topic ARNs in name order.
func (t *Topics) ListTopics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, tp := range t.topics {
		out = append(out, tp.arn)
	}
	sort.Strings(out)
	return out
}

// Subscribe attaches a queue or function endpoint to a topic.
func (t *Topics) Subscribe(topicName, protocol, endpoint string, filterPolicy map[string][]string) (Subscription, error) {
	if protocol != "queue" && protocol != "function" {
		return Subscription{}, fmt.Errorf("%w: protocol must be queue or function", ErrValidation)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	tp, ok := t.topics[topicName]
	if !ok {
		return Subscription{}, fmt.Errorf("%w: %s", ErrTopicNotFound, topicName)
	}
	sub := &Subscription{
		ID:           uuid.NewString(),
		TopicName:    topicName,
		Protocol:     protocol,
		Endpoint:     endpoint,
		FilterPolicy: filterPolicy,
	}
	tp.subs[sub.ID] = sub
	return *sub, nil
}

// Unsubscribe removes a subscription by id.
func (t *Topics) Unsubscribe(subscriptionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tp := range t.topics {
		if _, ok := tp.subs[subscriptionID]; ok {
			delete(tp.subs, subscriptionID)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, subscriptionID)
}

// ListSubscriptions returns a topic's subscriptions.
func (t *Topics) ListSubscriptions(topicName string) ([]Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tp, ok := t.topics[topicName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, topicName)
	}
	var out []Subscription
	for _, s := range tp.subs {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Publish fans a message out to every matching subscription. Queue
// endpoints receive the JSON notification envelope as the message
// body; function endpoints receive a records event.
func (t *Topics) Publish(topicName, message string, attributes map[string]string, subject string) (string, error) {
	t.mu.Lock()
	tp, ok := t.topics[topicName]
	if !ok {
		t.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrTopicNotFound, topicName)
	}
	subs := make([]Subscription, 0, len(tp.subs))
	for _, s := range tp.subs {
		subs = append(subs, *s)
	}
	arn := tp.arn
	t.mu.Unlock()

	messageID := uuid.NewString()
	envelope := notificationEnvelope(messageID, arn, subject, message, attributes)
	envJSON, err := json.Marshal(envelope)
	if err != nil {
		return "", err
	}
	for _, s := range subs {
		if !matchFilterPolicy(s.FilterPolicy, attributes) {
			continue
		}
		var target fabric.Target
		payload := string(envJSON)
		switch s.Protocol {
		case "queue":
			target = fabric.Target{Kind: fabric.TargetQueue, Name: s.Endpoint}
		case "function":
			target = fabric.Target{Kind: fabric.TargetFunction, Name: s.Endpoint}
			rec, err := json.Marshal(map[string]any{
				"Records": []map[string]any{{"EventSource": "aws:sns", "Sns": envelope}},
			})
			if err != nil {
				return "", err
			}
			payload = string(rec)
		}
		if err := t.fab.Deliver(target, payload); err != nil {
			t.log.WithError(err).WithFields(logrus.Fields{
				"topic": topicName, "endpoint": s.Endpoint,
			}).Error("fan-out delivery failed")
		}
	}
	return messageID, nil
}

// PublishRaw lets the fabric re-publish a delivery to a topic.
func (t *Topics) PublishRaw(topicName, message string) error {
	_, err := t.Publish(topicName, message, nil, "")
	return err
}

// Reset drops all topics. Used by the management reset endpoint.
func (t *Topics) Reset() {
	t.mu.Lock()
	t.topics = make(map[string]*topic)
	t.mu.Unlock()
}

func notificationEnvelope(messageID, topicARN, subject, message string, attributes map[string]string) map[string]any {
	env := map[string]any{
		"Type":      "Notification",
		"MessageId": messageID,
		"TopicArn":  topicARN,
		"Message":   message,
		"Timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if subject != "" {
		env["Subject"] = subject
	}
	if len(attributes) > 0 {
		attrs := make(map[string]any, len(attributes))
		for k, v := range attributes {
			attrs[k] = map[string]string{"Type": "String", "Value": v}
		}
		env["MessageAttributes"] = attrs
	}
	return env
}

// matchFilterPolicy applies exact-string matching per attribute: every
// policy key must be present with one of the allowed values.
func matchFilterPolicy(policy map[string][]string, attributes map[string]string) bool {
	for key, allowed := range policy {
		got, ok := attributes[key]
		if !ok {
			return false
		}
		found := false
		for _, v := range allowed {
			if v == got {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
