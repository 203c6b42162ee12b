// Package queue implements the in-memory queue engine: standard and
// FIFO queues with visibility timeouts, long-poll wakeups, per-group
// head-of-line ordering, content-based deduplication and dead-letter
// routing.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lws.localdev.org/common"
)

var (
	ErrQueueNotFound = errors.New("queue does not exist")
	ErrQueueExists   = errors.New("queue already exists with different attributes")
	ErrValidation    = errors.New("validation error")
)

const (
	DefaultVisibilityTimeout = 30 * time.Second
	DedupWindow              = 5 * time.Minute
	FIFOSuffix               = ".fifo"
)

// Attributes is the mutable queue configuration.
type Attributes struct {
	VisibilityTimeout time.Duration
	FIFO              bool
	ContentBasedDedup bool
	DLQ               string // target queue name, resolved lazily
	MaxReceiveCount   int
}

// Message is one queued message. The receipt handle is regenerated on
// every delivery; only the current handle can delete the message.
type Message struct {
	ID            string
	Body          string
	Attributes    map[string]string
	GroupID       string
	DedupID       string
	SentAt        time.Time
	ReceiveCount  int
	VisibleAt     time.Time
	ReceiptHandle string
}

type dedupEntry struct {
	messageID string
	seenAt    time.Time
}

type queue struct {
	mu        sync.Mutex
	name      string
	attrs     Attributes
	tags      map[string]string
	messages  []*Message
	dedup     map[string]dedupEntry
	wake      chan struct{}
	createdAt time.Time
}

// notify wakes every long-poller. Called with q.mu held.
func (q *queue) notify() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Registry holds all queues. Queue lookups take the registry lock;
// message operations take only the queue's own lock.
type Registry struct {
	mu      sync.Mutex
	queues  map[string]*queue
	log     *logrus.Entry
	baseURL string
}

// NewRegistry creates an empty registry. Queue URLs are rendered as
// <baseURL>/<accountID>/<name>.
func NewRegistry(baseURL string) *Registry {
	return &Registry{
		queues:  make(map[string]*queue),
		log:     common.ServiceLogger("queue"),
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// URL renders the queue URL for a name.
func (r *Registry) URL(name string) string {
	return fmt.Sprintf("%s/%s/%s", r.baseURL, common.AccountID, name)
}

// NameFromURL extracts the queue name from a queue URL or returns the
// input unchanged when it does not look like a URL.
func NameFromURL(u string) string {
	if i := strings.LastIndex(u, "/"); i >= 0 {
		return u[i+1:]
	}
	return u
}

// CreateQueue registers a queue. Re-creating with identical attributes
// is idempotent; differing attributes are rejected.
func (r *Registry) CreateQueue(name string, attrs Attributes, tags map[string]string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: queue name required", ErrValidation)
	}
	if attrs.FIFO != strings.HasSuffix(name, FIFOSuffix) {
		return "", fmt.Errorf("%w: FIFO queues require the %s name suffix", ErrValidation, FIFOSuffix)
	}
	if attrs.VisibilityTimeout <= 0 {
		attrs.VisibilityTimeout = DefaultVisibilityTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[name]; ok {
		if q.attrs != attrs {
			return "", fmt.Errorf("%w: %s", ErrQueueExists, name)
		}
		return r.URL(name), nil
	}
	r.queues[name] = &queue{
		name:      name,
		attrs:     attrs,
		tags:      tags,
		dedup:     make(map[string]dedupEntry),
		wake:      make(chan struct{}),
		createdAt: time.Now().UTC(),
	}
	r.log.WithField("queue", name).Info("queue created")
	return r.URL(name), nil
}

// DeleteQueue removes a queue and wakes any long-pollers on it.
func (r *Registry) DeleteQueue(name string) error {
	r.mu.Lock()
	q, ok := r.queues[name]
	if ok {
		delete(r.queues, name)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	q.mu.Lock()
	q.notify()
	q.mu.Unlock()
	r.log.WithField("queue", name).Info("queue deleted")
	return nil
}

// ListQueues returns all queue URLs, optionally prefix-filtered.
func (r *Registry) ListQueues(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for name := range r.queues {
		if prefix == "" || strings.HasPrefix(name, prefix) {
			out = append(out, r.URL(name))
		}
	}
	sort.Strings(out)
	return out
}

// GetQueueURL resolves a name to its URL.
func (r *Registry) GetQueueURL(name string) (string, error) {
	if _, err := r.get(name); err != nil {
		return "", err
	}
	return r.URL(name), nil
}

// GetQueueAttributes returns a copy of the queue's attributes plus the
// current depth counts.
func (r *Registry) GetQueueAttributes(name string) (Attributes, map[string]string, error) {
	q, err := r.get(name)
	if err != nil {
		return Attributes{}, nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	visible, inflight := 0, 0
	now := time.Now()
	for _, m := range q.messages {
		if m.VisibleAt.After(now) {
			inflight++
		} else {
			visible++
		}
	}
	extra := map[string]string{
		"ApproximateNumberOfMessages":           fmt.Sprintf("%d", visible),
		"ApproximateNumberOfMessagesNotVisible": fmt.Sprintf("%d", inflight),
		"QueueArn":                              common.QueueARN(name),
		"CreatedTimestamp":                      fmt.Sprintf("%d", q.createdAt.Unix()),
	}
	return q.attrs, extra, nil
}

// SetQueueAttributes updates the mutable attributes. The FIFO flag is
// fixed at creation.
func (r *Registry) SetQueueAttributes(name string, attrs Attributes) error {
	q, err := r.get(name)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if attrs.FIFO != q.attrs.FIFO {
		return fmt.Errorf("%w: cannot change the FIFO flag", ErrValidation)
	}
	if attrs.VisibilityTimeout <= 0 {
		attrs.VisibilityTimeout = q.attrs.VisibilityTimeout
	}
	q.attrs = attrs
	return nil
}

// TagQueue merges tags into the queue's tag map.
func (r *Registry) TagQueue(name string, tags map[string]string) error {
	q, err := r.get(name)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tags == nil {
		q.tags = make(map[string]string)
	}
	for k, v := range tags {
		q.tags[k] = v
	}
	return nil
}

// ListTags returns a copy of the queue's tag map.
func (r *Registry) ListTags(name string) (map[string]string, error) {
	q, err := r.get(name)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]string, len(q.tags))
	for k, v := range q.tags {
		out[k] = v
	}
	return out, nil
}

// SendInput carries one outgoing message.
type SendInput struct {
	Body       string
	Attributes map[string]string
	GroupID    string
	DedupID    string
	Delay      time.Duration
}

// SendResult reports the stored (or deduplicated) message.
type SendResult struct {
	MessageID    string
	Deduplicated bool
}

// Send appends a message and wakes long-pollers. FIFO queues require a
// group id and deduplicate within the dedup window.
func (r *Registry) Send(name string, in SendInput) (SendResult, error) {
	q, err := r.get(name)
	if err != nil {
		return SendResult{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.attrs.FIFO {
		if in.GroupID == "" {
			return SendResult{}, fmt.Errorf("%w: FIFO send requires a message group id", ErrValidation)
		}
		key := in.DedupID
		if key == "" {
			if !q.attrs.ContentBasedDedup {
				return SendResult{}, fmt.Errorf("%w: FIFO send requires a dedup id unless content-based dedup is on", ErrValidation)
			}
			sum := sha256.Sum256([]byte(in.Body))
			key = hex.EncodeToString(sum[:])
		}
		if prev, ok := q.dedup[key]; ok && time.Since(prev.seenAt) < DedupWindow {
			return SendResult{MessageID: prev.messageID, Deduplicated: true}, nil
		}
		defer func() { q.dedup[key] = dedupEntry{messageID: q.messages[len(q.messages)-1].ID, seenAt: time.Now()} }()
	}
	msg := &Message{
		ID:         uuid.NewString(),
		Body:       in.Body,
		Attributes: in.Attributes,
		GroupID:    in.GroupID,
		DedupID:    in.DedupID,
		SentAt:     time.Now(),
	}
	if in.Delay > 0 {
		msg.VisibleAt = time.Now().Add(in.Delay)
	}
	q.messages = append(q.messages, msg)
	q.notify()
	return SendResult{MessageID: msg.ID}, nil
}

// Receive returns up to max eligible messages, long-polling up to wait
// when the queue is empty. visibilityOverride of zero uses the queue's
// configured visibility timeout.
func (r *Registry) Receive(ctx context.Context, name string, max int, wait, visibilityOverride time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)
	for {
		q, err := r.get(name)
		if err != nil {
			return nil, err
		}
		q.mu.Lock()
		got, moved := r.scan(q, max, visibilityOverride)
		wake := q.wake
		q.mu.Unlock()
		if moved > 0 {
			r.log.WithFields(logrus.Fields{"queue": name, "count": moved}).Debug("messages moved to dead-letter queue")
		}
		if len(got) > 0 || wait <= 0 || !time.Now().Before(deadline) {
			return got, nil
		}
		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		case <-wake:
			timer.Stop()
		}
	}
}

// scan collects eligible messages. Called with q.mu held. Returns the
// delivered copies and how many messages were dead-lettered.
func (r *Registry) scan(q *queue, max int, visibilityOverride time.Duration) ([]Message, int) {
	now := time.Now()
	vt := q.attrs.VisibilityTimeout
	if visibilityOverride > 0 {
		vt = visibilityOverride
	}
	blocked := make(map[string]bool)
	var out []Message
	moved := 0
	kept := q.messages[:0]
	for i := 0; i < len(q.messages); i++ {
		m := q.messages[i]
		if q.attrs.FIFO && blocked[m.GroupID] {
			kept = append(kept, m)
			continue
		}
		if m.VisibleAt.After(now) {
			if q.attrs.FIFO {
				blocked[m.GroupID] = true
			}
			kept = append(kept, m)
			continue
		}
		// Exhausted messages route to the DLQ before delivery.
		if q.attrs.MaxReceiveCount > 0 && q.attrs.DLQ != "" && m.ReceiveCount >= q.attrs.MaxReceiveCount {
			if r.deadLetter(q.attrs.DLQ, m) {
				moved++
				continue
			}
		}
		if len(out) >= max {
			kept = append(kept, m)
			continue
		}
		m.ReceiveCount++
		m.VisibleAt = now.Add(vt)
		m.ReceiptHandle = uuid.NewString()
		out = append(out, *m)
		kept = append(kept, m)
	}
	q.messages = kept
	return out, moved
}

// deadLetter appends the message to the DLQ, resolved by name at
// transfer time. Returns false when the DLQ does not exist, in which
// case the message keeps delivering from the source queue.
func (r *Registry) deadLetter(dlqName string, m *Message) bool {
	dlq, err := r.get(dlqName)
	if err != nil {
		return false
	}
	copied := *m
	copied.ReceiveCount = 0
	copied.VisibleAt = time.Time{}
	copied.ReceiptHandle = ""
	dlq.mu.Lock()
	dlq.messages = append(dlq.messages, &copied)
	dlq.notify()
	dlq.mu.Unlock()
	return true
}

// Delete removes the message whose current receipt handle matches.
// Stale or unknown handles are a silent no-op.
func (r *Registry) Delete(name, receiptHandle string) error {
	q, err := r.get(name)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.messages {
		if m.ReceiptHandle == receiptHandle && receiptHandle != "" {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			if q.attrs.FIFO {
				q.notify()
			}
			return nil
		}
	}
	return nil
}

// ChangeVisibility resets the visibility deadline for an in-flight
// message. A zero timeout makes it immediately eligible again.
func (r *Registry) ChangeVisibility(name, receiptHandle string, timeout time.Duration) error {
	q, err := r.get(name)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.messages {
		if m.ReceiptHandle == receiptHandle && receiptHandle != "" {
			m.VisibleAt = time.Now().Add(timeout)
			if timeout <= 0 {
				q.notify()
			}
			return nil
		}
	}
	return nil
}

// Purge drops all messages and the dedup history.
func (r *Registry) Purge(name string) error {
	q, err := r.get(name)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.messages = nil
	q.dedup = make(map[string]dedupEntry)
	q.mu.Unlock()
	return nil
}

// Reset drops every queue. Used by the management reset endpoint.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queues {
		q.mu.Lock()
		q.notify()
		q.mu.Unlock()
	}
	r.queues = make(map[string]*queue)
}

func (r *Registry) get(name string) (*queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return q, nil
}
