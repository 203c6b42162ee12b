// Package object implements the filesystem-backed object store: buckets
// as directories, object bodies under a blobs subtree, sidecar JSON
// metadata, multipart uploads and creation/removal notifications.
package object

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lws.localdev.org/common"
)

var (
	ErrBucketNotFound = errors.New("bucket does not exist")
	ErrBucketExists   = errors.New("bucket already exists")
	ErrBucketNotEmpty = errors.New("bucket is not empty")
	ErrObjectNotFound = errors.New("object does not exist")
	ErrInvalidKey     = errors.New("invalid object key")
	ErrUploadNotFound = errors.New("multipart upload does not exist")
	ErrInvalidPart    = errors.New("invalid multipart part")
)

// DefaultMaxKeys bounds list responses when the caller does not.
const DefaultMaxKeys = 1000

// Info is the stored metadata of one object.
type Info struct {
	Key          string            `json:"key"`
	ETag         string            `json:"etag"`
	Size         int64             `json:"size"`
	LastModified time.Time         `json:"lastModified"`
	ContentType  string            `json:"contentType,omitempty"`
	UserMetadata map[string]string `json:"userMetadata,omitempty"`
}

// Event is a bucket notification, fired after the mutation completes.
type Event struct {
	Bucket    string
	Key       string
	EventType string // ObjectCreated:Put, ObjectCreated:Copy, ObjectCreated:CompleteMultipartUpload, ObjectRemoved:Delete
	Size      int64
	ETag      string
	Time      time.Time
}

// NotificationHook receives events synchronously; implementations must
// hand off quickly.
type NotificationHook func(Event)

type part struct {
	number int
	etag   string
	data   []byte
}

type multipartUpload struct {
	bucket string
	key    string
	parts  map[int]part
}

// Engine is the object store rooted at one data directory.
type Engine struct {
	root string
	log  *logrus.Entry

	mu      sync.Mutex
	uploads map[string]*multipartUpload
	hook    NotificationHook
}

// Open prepares the store root.
func Open(root string) (*Engine, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object data dir: %w", err)
	}
	return &Engine{
		root:    root,
		log:     common.ServiceLogger("object"),
		uploads: make(map[string]*multipartUpload),
	}, nil
}

// SetNotificationHook installs the event receiver. Pass nil to detach.
func (e *Engine) SetNotificationHook(hook NotificationHook) {
	e.mu.Lock()
	e.hook = hook
	e.mu.Unlock()
}

func (e *Engine) fire(ev Event) {
	e.mu.Lock()
	hook := e.hook
	e.mu.Unlock()
	if hook != nil {
		ev.Time = time.Now().UTC()
		hook(ev)
	}
}

func (e *Engine) bucketDir(bucket string) string { return filepath.Join(e.root, bucket) }

// paths resolves the blob and metadata file for a key, rejecting any
// key that escapes the bucket root.
func (e *Engine) paths(bucket, key string) (blob, meta string, err error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	cleaned := path.Clean(key)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	base := e.bucketDir(bucket)
	blob = filepath.Join(base, "blobs", filepath.FromSlash(cleaned))
	meta = filepath.Join(base, "meta", filepath.FromSlash(cleaned)+".json")
	for _, p := range []string{blob, meta} {
		rel, err := filepath.Rel(base, p)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return blob, meta, nil
}

func (e *Engine) requireBucket(bucket string) error {
	st, err := os.Stat(e.bucketDir(bucket))
	if err != nil || !st.IsDir() {
		return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}
	return nil
}

// CreateBucket makes the bucket directories.
func (e *Engine) CreateBucket(bucket string) error {
	if bucket == "" || strings.ContainsAny(bucket, "/\\") {
		return fmt.Errorf("%w: bucket name %q", ErrInvalidKey, bucket)
	}
	dir := e.bucketDir(bucket)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("%w: %s", ErrBucketExists, bucket)
	}
	for _, sub := range []string{"blobs", "meta"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return err
		}
	}
	e.log.WithField("bucket", bucket).Info("bucket created")
	return nil
}

// DeleteBucket removes an empty bucket.
func (e *Engine) DeleteBucket(bucket string) error {
	if err := e.requireBucket(bucket); err != nil {
		return err
	}
	objs, _, err := e.List(bucket, ListInput{MaxKeys: 1})
	if err != nil {
		return err
	}
	if len(objs) > 0 {
		return fmt.Errorf("%w: %s", ErrBucketNotEmpty, bucket)
	}
	return os.RemoveAll(e.bucketDir(bucket))
}

// BucketInfo describes one bucket.
type BucketInfo struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListBuckets returns all buckets in name order.
func (e *Engine) ListBuckets() ([]BucketInfo, error) {
	entries, err := os.ReadDir(e.root)
	if err != nil {
		return nil, err
	}
	var out []BucketInfo
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		out = append(out, BucketInfo{Name: ent.Name(), CreatedAt: info.ModTime().UTC()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// HeadBucket reports whether the bucket exists.
func (e *Engine) HeadBucket(bucket string) error { return e.requireBucket(bucket) }

// Put stores an object, returning its metadata. The etag is the hex
// MD5 of the body.
func (e *Engine) Put(bucket, key string, body io.Reader, contentType string, userMeta map[string]string) (Info, error) {
	info, err := e.write(bucket, key, body, contentType, userMeta)
	if err != nil {
		return Info{}, err
	}
	e.fire(Event{Bucket: bucket, Key: key, EventType: "ObjectCreated:Put", Size: info.Size, ETag: info.ETag})
	return info, nil
}

func (e *Engine) write(bucket, key string, body io.Reader, contentType string, userMeta map[string]string) (Info, error) {
	if err := e.requireBucket(bucket); err != nil {
		return Info{}, err
	}
	blob, meta, err := e.paths(bucket, key)
	if err != nil {
		return Info{}, err
	}
	if err := os.MkdirAll(filepath.Dir(blob), 0o755); err != nil {
		return Info{}, err
	}
	f, err := os.Create(blob)
	if err != nil {
		return Info{}, err
	}
	sum := md5.New()
	size, err := io.Copy(io.MultiWriter(f, sum), body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(blob)
		return Info{}, err
	}
	info := Info{
		Key:          path.Clean(key),
		ETag:         hex.EncodeToString(sum.Sum(nil)),
		Size:         size,
		LastModified: time.Now().UTC(),
		ContentType:  contentType,
		UserMetadata: userMeta,
	}
	if err := writeMeta(meta, info); err != nil {
		os.Remove(blob)
		return Info{}, err
	}
	return info, nil
}

func writeMeta(metaPath string, info Info) error {
	if err := os.MkdirAll(filepath.Dir(metaPath), 0o755); err != nil {
		return err
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(metaPath, raw, 0o644)
}

// Get opens an object for reading.
func (e *Engine) Get(bucket, key string) (io.ReadCloser, Info, error) {
	info, err := e.Head(bucket, key)
	if err != nil {
		return nil, Info{}, err
	}
	blob, _, err := e.paths(bucket, key)
	if err != nil {
		return nil, Info{}, err
	}
	f, err := os.Open(blob)
	if err != nil {
		return nil, Info{}, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
	}
	return f, info, nil
}

// Head returns an object's metadata without opening the body.
func (e *Engine) Head(bucket, key string) (Info, error) {
	if err := e.requireBucket(bucket); err != nil {
		return Info{}, err
	}
	_, meta, err := e.paths(bucket, key)
	if err != nil {
		return Info{}, err
	}
	raw, err := os.ReadFile(meta)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return Info{}, err
	}
	return info, nil
}

// Delete removes an object. Deleting a missing object is a no-op, but
// the bucket must exist.
func (e *Engine) Delete(bucket, key string) error {
	if err := e.requireBucket(bucket); err != nil {
		return err
	}
	blob, meta, err := e.paths(bucket, key)
	if err != nil {
		return err
	}
	existed := false
	if _, err := os.Stat(blob); err == nil {
		existed = true
	}
	os.Remove(blob)
	os.Remove(meta)
	if existed {
		e.fire(Event{Bucket: bucket, Key: key, EventType: "ObjectRemoved:Delete"})
	}
	return nil
}

// Copy duplicates an object in-process.
func (e *Engine) Copy(srcBucket, srcKey, dstBucket, dstKey string) (Info, error) {
	src, srcInfo, err := e.Get(srcBucket, srcKey)
	if err != nil {
		return Info{}, err
	}
	defer src.Close()
	info, err := e.write(dstBucket, dstKey, src, srcInfo.ContentType, srcInfo.UserMetadata)
	if err != nil {
		return Info{}, err
	}
	e.fire(Event{Bucket: dstBucket, Key: dstKey, EventType: "ObjectCreated:Copy", Size: info.Size, ETag: info.ETag})
	return info, nil
}

// ListInput selects a lexicographic page of keys.
type ListInput struct {
	Prefix            string
	Delimiter         string
	MaxKeys           int
	ContinuationToken string // the last key of the previous page
}

// List walks the bucket in key order, folding keys behind the
// delimiter into common prefixes. The continuation token is the last
// returned key.
func (e *Engine) List(bucket string, in ListInput) (objects []Info, commonPrefixes []string, err error) {
	if err := e.requireBucket(bucket); err != nil {
		return nil, nil, err
	}
	if in.MaxKeys <= 0 {
		in.MaxKeys = DefaultMaxKeys
	}
	blobRoot := filepath.Join(e.bucketDir(bucket), "blobs")
	var keys []string
	err = filepath.WalkDir(blobRoot, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(blobRoot, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(keys)

	seenPrefix := make(map[string]bool)
	count := 0
	for _, key := range keys {
		if count >= in.MaxKeys {
			break
		}
		if in.Prefix != "" && !strings.HasPrefix(key, in.Prefix) {
			continue
		}
		if in.ContinuationToken != "" && key <= in.ContinuationToken {
			continue
		}
		if in.Delimiter != "" {
			rest := strings.TrimPrefix(key, in.Prefix)
			if i := strings.Index(rest, in.Delimiter); i >= 0 {
				cp := in.Prefix + rest[:i+len(in.Delimiter)]
				if !seenPrefix[cp] {
					seenPrefix[cp] = true
					commonPrefixes = append(commonPrefixes, cp)
					count++
				}
				continue
			}
		}
		info, err := e.Head(bucket, key)
		if err != nil {
			continue
		}
		objects = append(objects, info)
		count++
	}
	return objects, commonPrefixes, nil
}

// CreateMultipart starts a multipart upload. Parts live in memory until
// completion or abort.
func (e *Engine) CreateMultipart(bucket, key string) (string, error) {
	if err := e.requireBucket(bucket); err != nil {
		return "", err
	}
	if _, _, err := e.paths(bucket, key); err != nil {
		return "", err
	}
	id := uuid.NewString()
	e.mu.Lock()
	e.uploads[id] = &multipartUpload{bucket: bucket, key: key, parts: make(map[int]part)}
	e.mu.Unlock()
	return id, nil
}

// UploadPart stores one part and returns its etag. Re-uploading a part
// number replaces it.
func (e *Engine) UploadPart(uploadID string, partNumber int, body io.Reader) (string, error) {
	if partNumber < 1 {
		return "", fmt.Errorf("%w: part number %d", ErrInvalidPart, partNumber)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])
	e.mu.Lock()
	defer e.mu.Unlock()
	up, ok := e.uploads[uploadID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUploadNotFound, uploadID)
	}
	up.parts[partNumber] = part{number: partNumber, etag: etag, data: data}
	return etag, nil
}

// CompletedPart names one part of a completion request.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// CompleteMultipart assembles the object from the listed parts in part
// order. The composite etag is md5 over the concatenated binary part
// digests, suffixed with the part count.
func (e *Engine) CompleteMultipart(uploadID string, parts []CompletedPart) (Info, error) {
	e.mu.Lock()
	up, ok := e.uploads[uploadID]
	if ok {
		delete(e.uploads, uploadID)
	}
	e.mu.Unlock()
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrUploadNotFound, uploadID)
	}
	if len(parts) == 0 {
		return Info{}, fmt.Errorf("%w: no parts listed", ErrInvalidPart)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	var body bytes.Buffer
	digests := make([]byte, 0, len(parts)*md5.Size)
	for _, cp := range parts {
		stored, ok := up.parts[cp.PartNumber]
		if !ok || (cp.ETag != "" && cp.ETag != stored.etag) {
			return Info{}, fmt.Errorf("%w: part %d", ErrInvalidPart, cp.PartNumber)
		}
		body.Write(stored.data)
		raw, _ := hex.DecodeString(stored.etag)
		digests = append(digests, raw...)
	}
	info, err := e.write(up.bucket, up.key, &body, "", nil)
	if err != nil {
		return Info{}, err
	}
	sum := md5.Sum(digests)
	info.ETag = fmt.Sprintf("%s-%d", hex.EncodeToString(sum[:]), len(parts))
	_, meta, err := e.paths(up.bucket, up.key)
	if err != nil {
		return Info{}, err
	}
	if err := writeMeta(meta, info); err != nil {
		return Info{}, err
	}
	e.fire(Event{Bucket: up.bucket, Key: up.key, EventType: "ObjectCreated:CompleteMultipartUpload", Size: info.Size, ETag: info.ETag})
	return info, nil
}

// AbortMultipart discards an in-progress upload.
func (e *Engine) AbortMultipart(uploadID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.uploads[uploadID]; !ok {
		return fmt.Errorf("%w: %s", ErrUploadNotFound, uploadID)
	}
	delete(e.uploads, uploadID)
	return nil
}
