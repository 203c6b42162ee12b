package service

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"lws.localdev.org/common"
	"lws.localdev.org/dispatch"
	"lws.localdev.org/queue"
)

// NewQueueProvider serves the queue protocol (query/XML dialect).
func NewQueueProvider(deps *Deps, registry *queue.Registry) *httpProvider {
	h := &queueHandlers{registry: registry}
	table := &dispatch.Table{
		Service:      "queue",
		ActionPrefix: "sqs",
		Ops: map[string]dispatch.HandlerFunc{
			"CreateQueue":                  h.createQueue,
			"DeleteQueue":                  h.deleteQueue,
			"ListQueues":                   h.listQueues,
			"GetQueueUrl":                  h.getQueueURL,
			"GetQueueAttributes":           h.getQueueAttributes,
			"SetQueueAttributes":           h.setQueueAttributes,
			"TagQueue":                     h.tagQueue,
			"ListQueueTags":                h.listQueueTags,
			"SendMessage":                  h.sendMessage,
			"SendMessageBatch":             h.sendMessageBatch,
			"ReceiveMessage":               h.receiveMessage,
			"DeleteMessage":                h.deleteMessage,
			"DeleteMessageBatch":           h.deleteMessageBatch,
			"ChangeMessageVisibility":      h.changeVisibility,
			"ChangeMessageVisibilityBatch": h.changeVisibilityBatch,
			"PurgeQueue":                   h.purgeQueue,
		},
		Resource: func(c *dispatch.Call) string {
			name := queueName(c)
			if name == "" {
				return ""
			}
			return common.QueueARN(name)
		},
		Evaluator:      deps.Evaluator,
		TranslateError: translateQueueError,
	}
	return newHTTPProvider("queue", deps.port(OffsetQueue), deps, nil, func(e *echo.Echo) {
		table.Register(e)
	})
}

func translateQueueError(err error) *dispatch.Error {
	switch {
	case errors.Is(err, queue.ErrQueueNotFound):
		return dispatch.NewError("AWS.SimpleQueueService.NonExistentQueue", err.Error(), 400)
	case errors.Is(err, queue.ErrQueueExists):
		return dispatch.NewError("QueueNameExists", err.Error(), 400)
	case errors.Is(err, queue.ErrValidation):
		return dispatch.NewError("InvalidParameterValue", err.Error(), 400)
	}
	return nil
}

type queueHandlers struct {
	registry *queue.Registry
}

func queueName(c *dispatch.Call) string {
	if u := c.String("QueueUrl"); u != "" {
		return queue.NameFromURL(u)
	}
	return c.String("QueueName")
}

// parseAttributes maps Attribute.N.Name/Value form pairs onto the
// engine attribute struct. RedrivePolicy is a JSON sub-document.
func parseAttributes(c *dispatch.Call, base queue.Attributes) (queue.Attributes, error) {
	attrs := base
	for _, entry := range dispatch.BatchEntries(c.Form, "Attribute") {
		name, value := entry["Name"], entry["Value"]
		switch name {
		case "VisibilityTimeout":
			secs, err := strconv.Atoi(value)
			if err != nil {
				return attrs, dispatch.NewError("InvalidAttributeValue", "VisibilityTimeout must be an integer", 400)
			}
			attrs.VisibilityTimeout = time.Duration(secs) * time.Second
		case "FifoQueue":
			attrs.FIFO = value == "true"
		case "ContentBasedDeduplication":
			attrs.ContentBasedDedup = value == "true"
		case "RedrivePolicy":
			var rp struct {
				DeadLetterTargetArn string `json:"deadLetterTargetArn"`
				MaxReceiveCount     int    `json:"maxReceiveCount"`
			}
			if err := json.Unmarshal([]byte(value), &rp); err != nil {
				return attrs, dispatch.NewError("InvalidAttributeValue", "RedrivePolicy must be a JSON object", 400)
			}
			attrs.DLQ = arnLeaf(rp.DeadLetterTargetArn)
			attrs.MaxReceiveCount = rp.MaxReceiveCount
		}
	}
	return attrs, nil
}

func arnLeaf(arn string) string {
	for i := len(arn) - 1; i >= 0; i-- {
		if arn[i] == ':' {
			return arn[i+1:]
		}
	}
	return arn
}

type queueURLResult struct {
	QueueURL string `xml:"QueueUrl"`
}

func (h *queueHandlers) createQueue(c *dispatch.Call) (any, error) {
	attrs, err := parseAttributes(c, queue.Attributes{})
	if err != nil {
		return nil, err
	}
	tags := map[string]string{}
	for _, entry := range dispatch.BatchEntries(c.Form, "Tag") {
		tags[entry["Key"]] = entry["Value"]
	}
	url, err := h.registry.CreateQueue(c.String("QueueName"), attrs, tags)
	if err != nil {
		return nil, err
	}
	return queueURLResult{QueueURL: url}, nil
}

func (h *queueHandlers) deleteQueue(c *dispatch.Call) (any, error) {
	return nil, h.registry.DeleteQueue(queueName(c))
}

func (h *queueHandlers) listQueues(c *dispatch.Call) (any, error) {
	urls := h.registry.ListQueues(c.String("QueueNamePrefix"))
	return struct {
		QueueURLs []string `xml:"QueueUrl"`
	}{QueueURLs: urls}, nil
}

func (h *queueHandlers) getQueueURL(c *dispatch.Call) (any, error) {
	url, err := h.registry.GetQueueURL(c.String("QueueName"))
	if err != nil {
		return nil, err
	}
	return queueURLResult{QueueURL: url}, nil
}

type xmlAttribute struct {
	Name  string `xml:"Name"`
	Value string `xml:"Value"`
}

func (h *queueHandlers) getQueueAttributes(c *dispatch.Call) (any, error) {
	attrs, extra, err := h.registry.GetQueueAttributes(queueName(c))
	if err != nil {
		return nil, err
	}
	out := []xmlAttribute{
		{Name: "VisibilityTimeout", Value: strconv.Itoa(int(attrs.VisibilityTimeout / time.Second))},
		{Name: "FifoQueue", Value: strconv.FormatBool(attrs.FIFO)},
		{Name: "ContentBasedDeduplication", Value: strconv.FormatBool(attrs.ContentBasedDedup)},
	}
	if attrs.DLQ != "" {
		rp, _ := json.Marshal(map[string]any{
			"deadLetterTargetArn": common.QueueARN(attrs.DLQ),
			"maxReceiveCount":     attrs.MaxReceiveCount,
		})
		out = append(out, xmlAttribute{Name: "RedrivePolicy", Value: string(rp)})
	}
	for name, value := range extra {
		out = append(out, xmlAttribute{Name: name, Value: value})
	}
	return struct {
		Attributes []xmlAttribute `xml:"Attribute"`
	}{Attributes: out}, nil
}

func (h *queueHandlers) setQueueAttributes(c *dispatch.Call) (any, error) {
	name := queueName(c)
	current, _, err := h.registry.GetQueueAttributes(name)
	if err != nil {
		return nil, err
	}
	attrs, err := parseAttributes(c, current)
	if err != nil {
		return nil, err
	}
	return nil, h.registry.SetQueueAttributes(name, attrs)
}

func (h *queueHandlers) tagQueue(c *dispatch.Call) (any, error) {
	tags := map[string]string{}
	for _, entry := range dispatch.BatchEntries(c.Form, "Tag") {
		tags[entry["Key"]] = entry["Value"]
	}
	return nil, h.registry.TagQueue(queueName(c), tags)
}

func (h *queueHandlers) listQueueTags(c *dispatch.Call) (any, error) {
	tags, err := h.registry.ListTags(queueName(c))
	if err != nil {
		return nil, err
	}
	out := make([]xmlAttribute, 0, len(tags))
	for k, v := range tags {
		out = append(out, xmlAttribute{Name: k, Value: v})
	}
	return struct {
		Tags []xmlAttribute `xml:"Tag"`
	}{Tags: out}, nil
}

type sendMessageResult struct {
	MessageID              string `xml:"MessageId"`
	MD5OfMessageBody       string `xml:"MD5OfMessageBody"`
	SequenceNumber         string `xml:"SequenceNumber,omitempty"`
	MessageDeduplicationID string `xml:"MessageDeduplicationId,omitempty"`
}

func sendInputFrom(params map[string]string) queue.SendInput {
	in := queue.SendInput{
		Body:    params["MessageBody"],
		GroupID: params["MessageGroupId"],
		DedupID: params["MessageDeduplicationId"],
	}
	if secs, err := strconv.Atoi(params["DelaySeconds"]); err == nil {
		in.Delay = time.Duration(secs) * time.Second
	}
	return in
}

func (h *queueHandlers) sendMessage(c *dispatch.Call) (any, error) {
	in := queue.SendInput{
		Body:    c.String("MessageBody"),
		GroupID: c.String("MessageGroupId"),
		DedupID: c.String("MessageDeduplicationId"),
		Delay:   time.Duration(c.Int("DelaySeconds", 0)) * time.Second,
	}
	res, err := h.registry.Send(queueName(c), in)
	if err != nil {
		return nil, err
	}
	return sendMessageResult{MessageID: res.MessageID, MD5OfMessageBody: common.MD5Hex(in.Body)}, nil
}

type batchResultEntry struct {
	ID               string `xml:"Id"`
	MessageID        string `xml:"MessageId,omitempty"`
	MD5OfMessageBody string `xml:"MD5OfMessageBody,omitempty"`
}

type batchErrorEntry struct {
	ID          string `xml:"Id"`
	Code        string `xml:"Code"`
	Message     string `xml:"Message"`
	SenderFault bool   `xml:"SenderFault"`
}

type batchResult struct {
	Successful []batchResultEntry `xml:"SendMessageBatchResultEntry,omitempty"`
	Failed     []batchErrorEntry  `xml:"BatchResultErrorEntry,omitempty"`
}

// sendMessageBatch surfaces per-entry failures in the Failed element,
// never as a request error.
func (h *queueHandlers) sendMessageBatch(c *dispatch.Call) (any, error) {
	name := queueName(c)
	var result batchResult
	for _, entry := range dispatch.BatchEntries(c.Form, "SendMessageBatchRequestEntry") {
		res, err := h.registry.Send(name, sendInputFrom(entry))
		if err != nil {
			result.Failed = append(result.Failed, batchErrorEntry{
				ID: entry["Id"], Code: "InvalidParameterValue", Message: err.Error(), SenderFault: true,
			})
			continue
		}
		result.Successful = append(result.Successful, batchResultEntry{
			ID:               entry["Id"],
			MessageID:        res.MessageID,
			MD5OfMessageBody: common.MD5Hex(entry["MessageBody"]),
		})
	}
	return result, nil
}

type xmlMessage struct {
	MessageID     string         `xml:"MessageId"`
	ReceiptHandle string         `xml:"ReceiptHandle"`
	MD5OfBody     string         `xml:"MD5OfBody"`
	Body          string         `xml:"Body"`
	Attributes    []xmlAttribute `xml:"Attribute,omitempty"`
}

func (h *queueHandlers) receiveMessage(c *dispatch.Call) (any, error) {
	max := c.Int("MaxNumberOfMessages", 1)
	wait := time.Duration(c.Int("WaitTimeSeconds", 0)) * time.Second
	var visibility time.Duration
	if v := c.Int("VisibilityTimeout", -1); v >= 0 {
		visibility = time.Duration(v) * time.Second
	}
	msgs, err := h.registry.Receive(c.Echo.Request().Context(), queueName(c), max, wait, visibility)
	if err != nil {
		return nil, err
	}
	out := make([]xmlMessage, 0, len(msgs))
	for _, m := range msgs {
		xm := xmlMessage{
			MessageID:     m.ID,
			ReceiptHandle: m.ReceiptHandle,
			MD5OfBody:     common.MD5Hex(m.Body),
			Body:          m.Body,
			Attributes: []xmlAttribute{
				{Name: "ApproximateReceiveCount", Value: strconv.Itoa(m.ReceiveCount)},
			},
		}
		if m.GroupID != "" {
			xm.Attributes = append(xm.Attributes, xmlAttribute{Name: "MessageGroupId", Value: m.GroupID})
		}
		out = append(out, xm)
	}
	return struct {
		Messages []xmlMessage `xml:"Message,omitempty"`
	}{Messages: out}, nil
}

func (h *queueHandlers) deleteMessage(c *dispatch.Call) (any, error) {
	return nil, h.registry.Delete(queueName(c), c.String("ReceiptHandle"))
}

func (h *queueHandlers) deleteMessageBatch(c *dispatch.Call) (any, error) {
	name := queueName(c)
	var result struct {
		Successful []batchResultEntry `xml:"DeleteMessageBatchResultEntry,omitempty"`
		Failed     []batchErrorEntry  `xml:"BatchResultErrorEntry,omitempty"`
	}
	for _, entry := range dispatch.BatchEntries(c.Form, "DeleteMessageBatchRequestEntry") {
		if err := h.registry.Delete(name, entry["ReceiptHandle"]); err != nil {
			result.Failed = append(result.Failed, batchErrorEntry{
				ID: entry["Id"], Code: "InternalError", Message: err.Error(),
			})
			continue
		}
		result.Successful = append(result.Successful, batchResultEntry{ID: entry["Id"]})
	}
	return result, nil
}

func (h *queueHandlers) changeVisibility(c *dispatch.Call) (any, error) {
	timeout := time.Duration(c.Int("VisibilityTimeout", 0)) * time.Second
	return nil, h.registry.ChangeVisibility(queueName(c), c.String("ReceiptHandle"), timeout)
}

func (h *queueHandlers) changeVisibilityBatch(c *dispatch.Call) (any, error) {
	name := queueName(c)
	var result struct {
		Successful []batchResultEntry `xml:"ChangeMessageVisibilityBatchResultEntry,omitempty"`
		Failed     []batchErrorEntry  `xml:"BatchResultErrorEntry,omitempty"`
	}
	for _, entry := range dispatch.BatchEntries(c.Form, "ChangeMessageVisibilityBatchRequestEntry") {
		timeout, err := strconv.Atoi(entry["VisibilityTimeout"])
		if err != nil {
			result.Failed = append(result.Failed, batchErrorEntry{
				ID: entry["Id"], Code: "InvalidParameterValue", Message: "VisibilityTimeout must be an integer", SenderFault: true,
			})
			continue
		}
		if err := h.registry.ChangeVisibility(name, entry["ReceiptHandle"], time.Duration(timeout)*time.Second); err != nil {
			result.Failed = append(result.Failed, batchErrorEntry{
				ID: entry["Id"], Code: "InternalError", Message: err.Error(),
			})
			continue
		}
		result.Successful = append(result.Successful, batchResultEntry{ID: entry["Id"]})
	}
	return result, nil
}

func (h *queueHandlers) purgeQueue(c *dispatch.Call) (any, error) {
	return nil, h.registry.Purge(queueName(c))
}
