package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lws.localdev.org/fabric"
	"lws.localdev.org/queue"
)

type capturedInvoke struct {
	function string
	payload  []byte
}

type captureInvoker struct {
	calls chan capturedInvoke
}

func (c *captureInvoker) Invoke(_ context.Context, fn string, payload []byte) ([]byte, error) {
	c.calls <- capturedInvoke{function: fn, payload: payload}
	return []byte("{}"), nil
}

func setup(t *testing.T) (*Topics, *Buses, *queue.Registry, *captureInvoker) {
	t.Helper()
	queues := queue.NewRegistry("http://localhost:4502")
	fab := fabric.New(queues, 10*time.Millisecond)
	inv := &captureInvoker{calls: make(chan capturedInvoke, 16)}
	fab.SetInvoker(inv)
	topics := NewTopics(fab)
	fab.SetTopicPublisher(topics)
	buses := NewBuses(fab)
	return topics, buses, queues, inv
}

func TestPublishToQueueSubscription(t *testing.T) {
	topics, _, queues, _ := setup(t)
	_, err := queues.CreateQueue("inbox", queue.Attributes{}, nil)
	require.NoError(t, err)
	_, err = topics.CreateTopic("orders")
	require.NoError(t, err)
	_, err = topics.Subscribe("orders", "queue", "inbox", nil)
	require.NoError(t, err)

	id, err := topics.Publish("orders", `{"orderId":7}`, nil, "new order")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs, err := queues.Receive(context.Background(), "inbox", 1, time.Second, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var env map[string]any
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Body), &env))
	assert.Equal(t, "Notification", env["Type"])
	assert.Equal(t, id, env["MessageId"])
	assert.Equal(t, `{"orderId":7}`, env["Message"])
	assert.Equal(t, "new order", env["Subject"])
	assert.Equal(t, "arn:aws:sns:local-1:000000000000:orders", env["TopicArn"])
}

func TestPublishToFunctionSubscription(t *testing.T) {
	topics, _, _, inv := setup(t)
	_, err := topics.CreateTopic("orders")
	require.NoError(t, err)
	_, err = topics.Subscribe("orders", "function", "handle-order", nil)
	require.NoError(t, err)

	_, err = topics.Publish("orders", "payload", nil, "")
	require.NoError(t, err)

	select {
	case call := <-inv.calls:
		assert.Equal(t, "handle-order", call.function)
		var event struct {
			Records []struct {
				EventSource string         `json:"EventSource"`
				Sns         map[string]any `json:"Sns"`
			} `json:"Records"`
		}
		require.NoError(t, json.Unmarshal(call.payload, &event))
		require.Len(t, event.Records, 1)
		assert.Equal(t, "aws:sns", event.Records[0].EventSource)
		assert.Equal(t, "payload", event.Records[0].Sns["Message"])
	case <-time.After(2 * time.Second):
		t.Fatal("function subscription never invoked")
	}
}

func TestFilterPolicy(t *testing.T) {
	topics, _, queues, _ := setup(t)
	_, err := queues.CreateQueue("filtered", queue.Attributes{}, nil)
	require.NoError(t, err)
	_, err = topics.CreateTopic("orders")
	require.NoError(t, err)
	_, err = topics.Subscribe("orders", "queue", "filtered", map[string][]string{"kind": {"vip"}})
	require.NoError(t, err)

	_, err = topics.Publish("orders", "ignored", map[string]string{"kind": "standard"}, "")
	require.NoError(t, err)
	_, err = topics.Publish("orders", "no attrs either", nil, "")
	require.NoError(t, err)
	_, err = topics.Publish("orders", "wanted", map[string]string{"kind": "vip"}, "")
	require.NoError(t, err)

	msgs, err := queues.Receive(context.Background(), "filtered", 10, time.Second, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var env map[string]any
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Body), &env))
	assert.Equal(t, "wanted", env["Message"])
}

func TestSubscriptionLifecycle(t *testing.T) {
	topics, _, _, _ := setup(t)
	_, err := topics.CreateTopic("orders")
	require.NoError(t, err)
	_, err = topics.Subscribe("orders", "webhook", "x", nil)
	assert.ErrorIs(t, err, ErrValidation)

	sub, err := topics.Subscribe("orders", "queue", "inbox", nil)
	require.NoError(t, err)
	subs, err := topics.ListSubscriptions("orders")
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	require.NoError(t, topics.Unsubscribe(sub.ID))
	assert.ErrorIs(t, topics.Unsubscribe(sub.ID), ErrSubscriptionNotFound)

	assert.Contains(t, topics.ListTopics(), "arn:aws:sns:local-1:000000000000:orders")
	require.NoError(t, topics.DeleteTopic("orders"))
	_, err = topics.Publish("orders", "x", nil, "")
	assert.ErrorIs(t, err, ErrTopicNotFound)
}

func TestBusRuleMatching(t *testing.T) {
	_, buses, queues, _ := setup(t)
	_, err := queues.CreateQueue("matched", queue.Attributes{}, nil)
	require.NoError(t, err)

	pattern := `{
		"source": ["app.orders"],
		"detail-type": [{"prefix": "Order"}],
		"detail": {"status": [{"anything-but": ["cancelled"]}]}
	}`
	_, err = buses.PutRule(DefaultBus, "order-events", pattern,
		[]fabric.Target{{Kind: fabric.TargetQueue, Name: "matched"}})
	require.NoError(t, err)

	results := buses.PutEvents([]Entry{
		{Source: "app.orders", DetailType: "OrderPlaced", Detail: json.RawMessage(`{"status":"open"}`)},
		{Source: "app.orders", DetailType: "OrderPlaced", Detail: json.RawMessage(`{"status":"cancelled"}`)},
		{Source: "app.billing", DetailType: "OrderPlaced", Detail: json.RawMessage(`{"status":"open"}`)},
		{Source: "app.orders", DetailType: "Shipment", Detail: json.RawMessage(`{"status":"open"}`)},
	})
	require.Len(t, results, 4)
	for i, res := range results {
		assert.NoError(t, res.Err, "entry %d", i)
		assert.NotEmpty(t, res.EventID, "entry %d", i)
	}

	msgs, err := queues.Receive(context.Background(), "matched", 10, time.Second, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "only the first entry matches the pattern")

	var env map[string]any
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Body), &env))
	assert.Equal(t, "app.orders", env["source"])
	assert.Equal(t, results[0].EventID, env["id"])
	detail, ok := env["detail"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "open", detail["status"])
}

func TestBusLifecycle(t *testing.T) {
	_, buses, _, _ := setup(t)
	assert.Equal(t, []string{DefaultBus}, buses.ListBuses())
	require.NoError(t, buses.CreateBus("custom"))
	assert.ErrorIs(t, buses.DeleteBus(DefaultBus), ErrValidation)

	_, err := buses.PutRule("custom", "r1", `{"source":["a"]}`, nil)
	require.NoError(t, err)
	require.NoError(t, buses.PutTargets("custom", "r1", fabric.Target{Kind: fabric.TargetQueue, Name: "q"}))
	rules, err := buses.ListRules("custom")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Len(t, rules[0].Targets, 1)
	assert.Equal(t, "arn:aws:events:local-1:000000000000:rule/custom/r1", rules[0].ARN)

	require.NoError(t, buses.DeleteRule("custom", "r1"))
	assert.ErrorIs(t, buses.DeleteRule("custom", "r1"), ErrRuleNotFound)
	require.NoError(t, buses.DeleteBus("custom"))

	res := buses.PutEvents([]Entry{{Bus: "gone", Source: "a"}})
	require.Len(t, res, 1)
	assert.ErrorIs(t, res[0].Err, ErrBusNotFound)

	_, err = buses.PutRule(DefaultBus, "bad", `not json`, nil)
	assert.ErrorIs(t, err, ErrValidation)
}
