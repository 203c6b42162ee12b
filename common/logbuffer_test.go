package common

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBufferWrapAround(t *testing.T) {
	b := NewLogBuffer(3)
	for i := 0; i < 5; i++ {
		b.Append(AccessRecord{Path: fmt.Sprintf("/r%d", i)})
	}
	snap := b.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "/r2", snap[0].Path)
	assert.Equal(t, "/r4", snap[2].Path)
	assert.Equal(t, 3, b.Len())
}

func TestLogBufferSubscribe(t *testing.T) {
	b := NewLogBuffer(10)
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Append(AccessRecord{Path: "/x", Status: 200})

	select {
	case rec := <-ch:
		assert.Equal(t, "/x", rec.Path)
		assert.Equal(t, 200, rec.Status)
	case <-time.After(time.Second):
		t.Fatal("no record received")
	}
}

func TestLogBufferSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewLogBuffer(10)
	_, cancel := b.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Append(AccessRecord{})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("append blocked on slow subscriber")
	}
}

func TestARNFormats(t *testing.T) {
	assert.Equal(t, "arn:aws:dynamodb:local-1:000000000000:table/orders", TableARN("orders"))
	assert.Equal(t, "arn:aws:s3:::photos", BucketARN("photos"))
	assert.Equal(t, "arn:aws:lambda:local-1:000000000000:function:resize", FunctionARN("resize"))
}
