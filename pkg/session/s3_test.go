package session

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeS3Object struct {
	data         []byte
	contentType  string
	metadata     map[string]string
	lastModified time.Time
}

type fakeS3Client struct {
	mu      sync.Mutex
	objects map[string]*fakeS3Object
}

func newFakeS3Client() *fakeS3Client {
	return &fakeS3Client{objects: map[string]*fakeS3Object{}}
}

func (c *fakeS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	obj := &fakeS3Object{
		data:         data,
		metadata:     map[string]string{},
		lastModified: time.Now(),
	}
	if params.ContentType != nil {
		obj.contentType = *params.ContentType
	}
	for k, v := range params.Metadata {
		obj.metadata[k] = v
	}
	c.objects[*params.Key] = obj
	return &s3.PutObjectOutput{}, nil
}

func (c *fakeS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[*params.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	meta := map[string]string{}
	for k, v := range obj.metadata {
		meta[k] = v
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.data)),
		ContentLength: aws.Int64(int64(len(obj.data))),
		Metadata:      meta,
	}, nil
}

func (c *fakeS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[*params.Key]
	if !ok {
		return nil, &types.NotFound{}
	}
	meta := map[string]string{}
	for k, v := range obj.metadata {
		meta[k] = v
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		Metadata:      meta,
	}, nil
}

func (c *fakeS3Client) CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// CopySource is "bucket/key", path-escaped.
	src := *params.CopySource
	if i := strings.Index(src, "/"); i >= 0 {
		src = src[i+1:]
	}
	obj, ok := c.objects[src]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	dst := &fakeS3Object{
		data:         append([]byte(nil), obj.data...),
		contentType:  obj.contentType,
		metadata:     map[string]string{},
		lastModified: time.Now(),
	}
	if params.MetadataDirective == types.MetadataDirectiveReplace {
		for k, v := range params.Metadata {
			dst.metadata[k] = v
		}
	} else {
		for k, v := range obj.metadata {
			dst.metadata[k] = v
		}
	}
	c.objects[*params.Key] = dst
	return &s3.CopyObjectOutput{}, nil
}

func (c *fakeS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, *params.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (c *fakeS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for key, obj := range c.objects {
		if params.Prefix != nil && !strings.HasPrefix(key, *params.Prefix) {
			continue
		}
		k := key
		lm := obj.lastModified
		out.Contents = append(out.Contents, types.Object{
			Key:          &k,
			LastModified: &lm,
			Size:         aws.Int64(int64(len(obj.data))),
		})
	}
	out.KeyCount = aws.Int32(int32(len(out.Contents)))
	return out, nil
}

func TestS3Store_SaveLoadDelete(t *testing.T) {
	client := newFakeS3Client()
	store := NewS3Store(client, "bucket")
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	data := []byte(`{"id":"s1","user":"alice"}`)

	if err := store.Save(ctx, "s1", data, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if _, ok := client.objects["sessions/s1"]; !ok {
		t.Fatal("object not stored under the prefix")
	}

	loaded, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if string(loaded) != string(data) {
		t.Errorf("Load() got %q want %q", loaded, data)
	}

	if loaded, err := store.Load(ctx, "missing"); err != nil || loaded != nil {
		t.Errorf("Load(missing) got %v err=%v", loaded, err)
	}

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if loaded, err := store.Load(ctx, "s1"); err != nil || loaded != nil {
		t.Errorf("Load() after delete got %v err=%v", loaded, err)
	}

	// Deleting a record that is already gone must not fail.
	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete() of missing record error: %v", err)
	}
}

func TestS3Store_SaveAll(t *testing.T) {
	client := newFakeS3Client()
	store := NewS3Store(client, "bucket")
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	expiry := time.Now().Add(time.Minute)
	batch := map[string]SessionData{}
	for _, id := range []string{"a1", "a2", "a3", "a4", "a5"} {
		batch[id] = SessionData{Data: []byte("rec-" + id), ExpiresAt: expiry}
	}

	if err := store.SaveAll(ctx, batch); err != nil {
		t.Fatalf("SaveAll() error: %v", err)
	}
	for id := range batch {
		loaded, err := store.Load(ctx, id)
		if err != nil {
			t.Fatalf("Load(%s) error: %v", id, err)
		}
		if string(loaded) != "rec-"+id {
			t.Errorf("Load(%s) got %q want %q", id, loaded, "rec-"+id)
		}
	}
}

func TestS3Store_ExpiryEnforcedOnLoad(t *testing.T) {
	client := newFakeS3Client()
	store := NewS3Store(client, "bucket")
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	if err := store.Save(ctx, "stale", []byte("x"), time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := store.Load(ctx, "stale")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded != nil {
		t.Error("expired record was returned")
	}
	if _, ok := client.objects["sessions/stale"]; ok {
		t.Error("expired record was not reaped on read")
	}
}

func TestS3Store_TouchExtendsExpiry(t *testing.T) {
	client := newFakeS3Client()
	store := NewS3Store(client, "bucket")
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	if err := store.Save(ctx, "s1", []byte("x"), time.Now().Add(50*time.Millisecond)); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if err := store.Touch(ctx, "s1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Touch() error: %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	loaded, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if string(loaded) != "x" {
		t.Errorf("touched record gone: got %v", loaded)
	}

	// Touching a missing record is a no-op.
	if err := store.Touch(ctx, "missing", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Touch(missing) error: %v", err)
	}
}

func TestS3Store_Cleanup(t *testing.T) {
	client := newFakeS3Client()
	store := NewS3Store(client, "bucket", WithS3Prefix("sess/"))
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	if err := store.Save(ctx, "old", []byte("a"), time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if err := store.Save(ctx, "new", []byte("b"), time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	removed, err := store.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup() error: %v", err)
	}
	if removed != 1 {
		t.Errorf("Cleanup() removed %d want 1", removed)
	}
	if _, ok := client.objects["sess/old"]; ok {
		t.Error("expired object survived cleanup")
	}
	if _, ok := client.objects["sess/new"]; !ok {
		t.Error("live object was removed by cleanup")
	}
}

func TestS3Store_CloseMakesOperationsFail(t *testing.T) {
	store := NewS3Store(newFakeS3Client(), "bucket")
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	ctx := context.Background()
	if err := store.Save(ctx, "s", []byte("x"), time.Now().Add(time.Minute)); err == nil {
		t.Fatal("Save() expected error after Close, got nil")
	}
	if _, err := store.Load(ctx, "s"); err == nil {
		t.Fatal("Load() expected error after Close, got nil")
	}
}
