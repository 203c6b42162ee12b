// Package fabric is the event propagation layer: it batches KV change
// records toward function handlers, polls queues into functions, routes
// object notifications and carries pub/sub fan-out deliveries.
package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lws.localdev.org/common"
	"lws.localdev.org/compute"
	"lws.localdev.org/kv"
	"lws.localdev.org/object"
	"lws.localdev.org/queue"
)

// DefaultBatchWindow is the stream dispatcher flush interval.
const DefaultBatchWindow = 100 * time.Millisecond

// TargetKind discriminates the delivery target union.
type TargetKind string

const (
	TargetFunction TargetKind = "function"
	TargetQueue    TargetKind = "queue"
	TargetTopic    TargetKind = "topic"
)

// Target names one delivery destination.
type Target struct {
	Kind TargetKind `json:"kind"`
	Name string     `json:"name"`
}

// TopicPublisher re-publishes a delivery to a topic. Implemented by the
// pub/sub registry; injected late to break the dependency cycle.
type TopicPublisher interface {
	PublishRaw(topic, message string) error
}

type notifKey struct {
	bucket    string
	eventType string
}

// Fabric owns the dispatcher goroutines. Construct with New, register
// routes, then Start.
type Fabric struct {
	log         *logrus.Entry
	queues      *queue.Registry
	batchWindow time.Duration

	mu             sync.Mutex
	invoker        compute.Invoker
	topics         TopicPublisher
	streamHandlers map[string][]string
	streamBuffers  map[string][]kv.StreamRecord
	notifRoutes    map[notifKey][]Target
	pollCancels    []context.CancelFunc
	flushCancel    context.CancelFunc
	wg             sync.WaitGroup
}

// New creates a fabric over the queue registry. The invoker and topic
// publisher are bound later, before Start.
func New(queues *queue.Registry, batchWindow time.Duration) *Fabric {
	if batchWindow <= 0 {
		batchWindow = DefaultBatchWindow
	}
	return &Fabric{
		log:            common.ServiceLogger("fabric"),
		queues:         queues,
		batchWindow:    batchWindow,
		streamHandlers: make(map[string][]string),
		streamBuffers:  make(map[string][]kv.StreamRecord),
		notifRoutes:    make(map[notifKey][]Target),
	}
}

// SetInvoker late-binds the compute invoker.
func (f *Fabric) SetInvoker(inv compute.Invoker) {
	f.mu.Lock()
	f.invoker = inv
	f.mu.Unlock()
}

// SetTopicPublisher late-binds the pub/sub registry.
func (f *Fabric) SetTopicPublisher(tp TopicPublisher) {
	f.mu.Lock()
	f.topics = tp
	f.mu.Unlock()
}

// Start launches the stream flush loop.
func (f *Fabric) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.flushCancel = cancel
	f.mu.Unlock()
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.batchWindow)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				f.flushStreams(context.Background())
				return
			case <-ticker.C:
				f.flushStreams(ctx)
			}
		}
	}()
}

// Stop cancels pollers and the flush loop, then waits for them.
func (f *Fabric) Stop() {
	f.mu.Lock()
	cancels := f.pollCancels
	f.pollCancels = nil
	flush := f.flushCancel
	f.flushCancel = nil
	f.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	if flush != nil {
		flush()
	}
	f.wg.Wait()
}

// StreamSink returns the receiver the KV engine pushes change records
// into. Records buffer per table until the next flush tick.
func (f *Fabric) StreamSink() kv.StreamSink {
	return func(table string, rec kv.StreamRecord) {
		f.mu.Lock()
		if len(f.streamHandlers[table]) > 0 {
			f.streamBuffers[table] = append(f.streamBuffers[table], rec)
		}
		f.mu.Unlock()
	}
}

// SubscribeStream routes a table's change records to a function.
func (f *Fabric) SubscribeStream(table, functionName string) {
	f.mu.Lock()
	f.streamHandlers[table] = append(f.streamHandlers[table], functionName)
	f.mu.Unlock()
}

func (f *Fabric) flushStreams(ctx context.Context) {
	f.mu.Lock()
	batches := f.streamBuffers
	f.streamBuffers = make(map[string][]kv.StreamRecord)
	handlers := make(map[string][]string, len(f.streamHandlers))
	for t, hs := range f.streamHandlers {
		handlers[t] = hs
	}
	f.mu.Unlock()
	for table, recs := range batches {
		if len(recs) == 0 {
			continue
		}
		payload, err := json.Marshal(map[string]any{"Records": recs})
		if err != nil {
			f.log.WithError(err).Error("encode stream batch")
			continue
		}
		for _, fn := range handlers[table] {
			f.invokeLogged(ctx, fn, payload, logrus.Fields{"table": table, "records": len(recs)})
		}
	}
}

// invokeLogged calls a function and swallows the error: stream and
// notification handler failures never propagate to the writer.
func (f *Fabric) invokeLogged(ctx context.Context, fn string, payload []byte, fields logrus.Fields) {
	f.mu.Lock()
	inv := f.invoker
	f.mu.Unlock()
	if inv == nil {
		f.log.WithFields(fields).Warn("no invoker bound, dropping delivery")
		return
	}
	if _, err := inv.Invoke(ctx, fn, payload); err != nil {
		f.log.WithError(err).WithFields(fields).WithField("function", fn).Error("handler invocation failed")
	}
}

// InvokeAsync fires a function in the background.
func (f *Fabric) InvokeAsync(fn string, payload []byte) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.invokeLogged(context.Background(), fn, payload, nil)
	}()
}

// Deliver routes a serialized message to a target. Queue targets get
// the message as the body; function targets are invoked async; topic
// targets are re-published.
func (f *Fabric) Deliver(target Target, message string) error {
	switch target.Kind {
	case TargetFunction:
		f.InvokeAsync(target.Name, []byte(message))
		return nil
	case TargetQueue:
		_, err := f.queues.Send(target.Name, queue.SendInput{Body: message})
		return err
	case TargetTopic:
		f.mu.Lock()
		tp := f.topics
		f.mu.Unlock()
		if tp == nil {
			return errors.New("no topic publisher bound")
		}
		return tp.PublishRaw(target.Name, message)
	}
	return fmt.Errorf("unknown target kind %q", target.Kind)
}

// AddQueueMapping starts a poller delivering a queue's messages to a
// function: receive, invoke, delete on success. Failed invocations
// leave the batch for visibility-expiry redelivery.
func (f *Fabric) AddQueueMapping(queueName, functionName string, batchSize int, wait time.Duration) {
	if batchSize <= 0 {
		batchSize = 10
	}
	if wait <= 0 {
		wait = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.mu.Lock()
	f.pollCancels = append(f.pollCancels, cancel)
	f.mu.Unlock()
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		log := f.log.WithFields(logrus.Fields{"queue": queueName, "function": functionName})
		for ctx.Err() == nil {
			msgs, err := f.queues.Receive(ctx, queueName, batchSize, wait, 0)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.WithError(err).Warn("queue poll failed")
				time.Sleep(wait)
				continue
			}
			if len(msgs) == 0 {
				continue
			}
			payload, err := json.Marshal(queueEvent(queueName, msgs))
			if err != nil {
				log.WithError(err).Error("encode queue event")
				continue
			}
			f.mu.Lock()
			inv := f.invoker
			f.mu.Unlock()
			if inv == nil {
				log.Warn("no invoker bound, leaving batch")
				continue
			}
			if _, err := inv.Invoke(ctx, functionName, payload); err != nil {
				log.WithError(err).Error("handler invocation failed, leaving batch")
				continue
			}
			for _, m := range msgs {
				if err := f.queues.Delete(queueName, m.ReceiptHandle); err != nil {
					log.WithError(err).Warn("delete after successful handling failed")
				}
			}
		}
	}()
}

func queueEvent(queueName string, msgs []queue.Message) map[string]any {
	records := make([]map[string]any, len(msgs))
	for i, m := range msgs {
		records[i] = map[string]any{
			"messageId":     m.ID,
			"receiptHandle": m.ReceiptHandle,
			"body":          m.Body,
			"attributes": map[string]string{
				"ApproximateReceiveCount": fmt.Sprintf("%d", m.ReceiveCount),
				"MessageGroupId":          m.GroupID,
			},
			"messageAttributes": m.Attributes,
			"eventSource":       "aws:sqs",
			"eventSourceARN":    common.QueueARN(queueName),
		}
	}
	return map[string]any{"Records": records}
}

// AddNotificationRoute delivers a bucket's events of one type to a
// target. EventType may end with a "*" wildcard (e.g. "ObjectCreated:*").
func (f *Fabric) AddNotificationRoute(bucket, eventType string, target Target) {
	f.mu.Lock()
	k := notifKey{bucket: bucket, eventType: eventType}
	f.notifRoutes[k] = append(f.notifRoutes[k], target)
	f.mu.Unlock()
}

// NotificationHook returns the receiver the object engine fires into.
// Routing is synchronous; function delivery itself is async.
func (f *Fabric) NotificationHook() object.NotificationHook {
	return func(ev object.Event) {
		f.mu.Lock()
		var targets []Target
		for k, ts := range f.notifRoutes {
			if k.bucket != ev.Bucket {
				continue
			}
			if k.eventType == ev.EventType || matchWildcard(k.eventType, ev.EventType) {
				targets = append(targets, ts...)
			}
		}
		f.mu.Unlock()
		if len(targets) == 0 {
			return
		}
		payload, err := json.Marshal(objectEvent(ev))
		if err != nil {
			f.log.WithError(err).Error("encode object event")
			return
		}
		for _, t := range targets {
			if err := f.Deliver(t, string(payload)); err != nil {
				f.log.WithError(err).WithField("bucket", ev.Bucket).Error("notification delivery failed")
			}
		}
	}
}

func matchWildcard(pattern, value string) bool {
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(value) >= len(prefix) && value[:len(prefix)] == prefix
	}
	return false
}

func objectEvent(ev object.Event) map[string]any {
	return map[string]any{
		"Records": []map[string]any{{
			"eventSource": "aws:s3",
			"eventName":   ev.EventType,
			"eventTime":   ev.Time.Format(time.RFC3339Nano),
			"s3": map[string]any{
				"bucket": map[string]any{"name": ev.Bucket, "arn": common.BucketARN(ev.Bucket)},
				"object": map[string]any{"key": ev.Key, "size": ev.Size, "eTag": ev.ETag},
			},
		}},
	}
}
