package object

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(t.TempDir())
	require.NoError(t, err)
	return e
}

func put(t *testing.T, e *Engine, bucket, key, body string) Info {
	t.Helper()
	info, err := e.Put(bucket, key, strings.NewReader(body), "text/plain", nil)
	require.NoError(t, err)
	return info
}

func TestPutGetRoundTrip(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.CreateBucket("data"))

	body := "hello object store"
	info := put(t, e, "data", "dir/file.txt", body)
	sum := md5.Sum([]byte(body))
	assert.Equal(t, hex.EncodeToString(sum[:]), info.ETag)
	assert.Equal(t, int64(len(body)), info.Size)

	rc, got, err := e.Get("data", "dir/file.txt")
	require.NoError(t, err)
	defer rc.Close()
	read, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, body, string(read))
	assert.Equal(t, info.ETag, got.ETag)
	assert.Equal(t, "text/plain", got.ContentType)
}

func TestHeadAndMissing(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.CreateBucket("data"))
	put(t, e, "data", "a", "x")

	_, err := e.Head("data", "missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)
	_, err = e.Head("nope", "a")
	assert.ErrorIs(t, err, ErrBucketNotFound)

	info, err := e.Head("data", "a")
	require.NoError(t, err)
	assert.Equal(t, "a", info.Key)
}

func TestKeyTraversalRejected(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.CreateBucket("data"))
	for _, key := range []string{"../escape", "a/../../b", "/abs", ""} {
		_, err := e.Put("data", key, strings.NewReader("x"), "", nil)
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

func TestBucketLifecycle(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.CreateBucket("data"))
	assert.ErrorIs(t, e.CreateBucket("data"), ErrBucketExists)
	require.NoError(t, e.HeadBucket("data"))

	put(t, e, "data", "a", "x")
	assert.ErrorIs(t, e.DeleteBucket("data"), ErrBucketNotEmpty)
	require.NoError(t, e.Delete("data", "a"))
	require.NoError(t, e.DeleteBucket("data"))
	assert.ErrorIs(t, e.HeadBucket("data"), ErrBucketNotFound)

	require.NoError(t, e.CreateBucket("one"))
	require.NoError(t, e.CreateBucket("two"))
	buckets, err := e.ListBuckets()
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, "one", buckets[0].Name)
}

func TestListPrefixDelimiterPaging(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.CreateBucket("data"))
	for _, key := range []string{"logs/2024/a", "logs/2024/b", "logs/2025/a", "readme", "zeta"} {
		put(t, e, "data", key, "x")
	}

	objs, prefixes, err := e.List("data", ListInput{Prefix: "logs/", Delimiter: "/"})
	require.NoError(t, err)
	assert.Empty(t, objs)
	assert.Equal(t, []string{"logs/2024/", "logs/2025/"}, prefixes)

	objs, _, err = e.List("data", ListInput{Prefix: "logs/2024/"})
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "logs/2024/a", objs[0].Key)

	// Page of 2, resume from the returned cursor.
	page1, _, err := e.List("data", ListInput{MaxKeys: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	page2, _, err := e.List("data", ListInput{ContinuationToken: page1[1].Key})
	require.NoError(t, err)
	require.Len(t, page2, 3)
	assert.Equal(t, "logs/2025/a", page2[0].Key)
}

func TestCopy(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.CreateBucket("src"))
	require.NoError(t, e.CreateBucket("dst"))
	orig := put(t, e, "src", "a", "payload")

	copied, err := e.Copy("src", "a", "dst", "b")
	require.NoError(t, err)
	assert.Equal(t, orig.ETag, copied.ETag)

	rc, _, err := e.Get("dst", "b")
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
}

func TestMultipartCompositeETag(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.CreateBucket("data"))

	assemble := func() Info {
		id, err := e.CreateMultipart("data", "big")
		require.NoError(t, err)
		var parts []CompletedPart
		for i, chunk := range []string{"first-part-", "second-part-", "third"} {
			etag, err := e.UploadPart(id, i+1, strings.NewReader(chunk))
			require.NoError(t, err)
			parts = append(parts, CompletedPart{PartNumber: i + 1, ETag: etag})
		}
		info, err := e.CompleteMultipart(id, parts)
		require.NoError(t, err)
		return info
	}

	first := assemble()
	assert.True(t, strings.HasSuffix(first.ETag, "-3"), first.ETag)

	rc, _, err := e.Get("data", "big")
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "first-part-second-part-third", string(body))

	// Same parts, same composite etag.
	second := assemble()
	assert.Equal(t, first.ETag, second.ETag)
}

func TestMultipartErrors(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.CreateBucket("data"))
	id, err := e.CreateMultipart("data", "big")
	require.NoError(t, err)

	_, err = e.UploadPart("bogus", 1, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrUploadNotFound)
	_, err = e.UploadPart(id, 0, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidPart)

	_, err = e.CompleteMultipart(id, []CompletedPart{{PartNumber: 7}})
	assert.ErrorIs(t, err, ErrInvalidPart)
	// Completion consumed the upload even on failure.
	assert.ErrorIs(t, e.AbortMultipart(id), ErrUploadNotFound)
}

func TestNotifications(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.CreateBucket("data"))
	var events []Event
	e.SetNotificationHook(func(ev Event) { events = append(events, ev) })

	put(t, e, "data", "a", "x")
	_, err := e.Copy("data", "a", "data", "b")
	require.NoError(t, err)
	require.NoError(t, e.Delete("data", "a"))
	require.NoError(t, e.Delete("data", "missing"))

	require.Len(t, events, 3, "deleting a missing key fires nothing")
	assert.Equal(t, "ObjectCreated:Put", events[0].EventType)
	assert.Equal(t, "ObjectCreated:Copy", events[1].EventType)
	assert.Equal(t, "ObjectRemoved:Delete", events[2].EventType)
	assert.Equal(t, "a", events[2].Key)
}

func TestListMaxKeysDefault(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.CreateBucket("data"))
	for i := 0; i < 5; i++ {
		put(t, e, "data", fmt.Sprintf("k%02d", i), "x")
	}
	objs, _, err := e.List("data", ListInput{})
	require.NoError(t, err)
	assert.Len(t, objs, 5)
}
