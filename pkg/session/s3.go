package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"
)

// S3API is the slice of the S3 client this store needs. *s3.Client
// satisfies it; tests substitute a fake.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

const s3ExpiresAtMeta = "expires-at"

// s3SaveAllConcurrency bounds the parallel puts in SaveAll.
const s3SaveAllConcurrency = 8

// S3Store keeps session records as S3 objects, one object per record
// with the expiry carried in object metadata. It suits deployments
// that already live on S3 and do not want to run a database for
// low-traffic session state.
//
// S3 has no per-object TTL, so expiry is enforced on read and by
// Cleanup. Pair the store with a bucket lifecycle rule on the prefix
// as a backstop.
//
// Example:
//
//	cfg, _ := config.LoadDefaultConfig(ctx)
//	store := session.NewS3Store(s3.NewFromConfig(cfg), "my-bucket")
type S3Store struct {
	client S3API
	bucket string
	prefix string
	closed bool
}

// S3StoreOption configures S3Store behavior.
type S3StoreOption func(*s3StoreConfig)

type s3StoreConfig struct {
	prefix string
}

// WithS3Prefix sets the object key prefix. Default: "sessions/".
func WithS3Prefix(prefix string) S3StoreOption {
	return func(c *s3StoreConfig) {
		c.prefix = prefix
	}
}

// NewS3Store creates an S3-backed session store.
func NewS3Store(client S3API, bucket string, opts ...S3StoreOption) *S3Store {
	cfg := &s3StoreConfig{
		prefix: "sessions/",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: cfg.prefix,
	}
}

func (s *S3Store) key(sessionID string) string {
	return s.prefix + sessionID
}

func isS3NotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}

// Save writes a record object with its expiry in metadata.
func (s *S3Store) Save(ctx context.Context, sessionID string, data []byte, expiresAt time.Time) error {
	if s.closed {
		return ErrStoreClosed{}
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(sessionID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			s3ExpiresAtMeta: expiresAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", sessionID, err)
	}
	return nil
}

// Load retrieves a record, (nil, nil) when the object is missing or
// its metadata says it expired.
func (s *S3Store) Load(ctx context.Context, sessionID string) ([]byte, error) {
	if s.closed {
		return nil, ErrStoreClosed{}
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(sessionID)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("s3 get %s: %w", sessionID, err)
	}
	defer out.Body.Close()

	if expired(out.Metadata, time.Now()) {
		// Lazy expiry; the object gets reaped here or by Cleanup.
		_ = s.Delete(ctx, sessionID)
		return nil, nil
	}

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read %s: %w", sessionID, err)
	}
	return data, nil
}

func expired(metadata map[string]string, now time.Time) bool {
	raw, ok := metadata[s3ExpiresAtMeta]
	if !ok {
		return false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}
	return now.After(t)
}

// Delete removes a record object. A missing object is not an error.
func (s *S3Store) Delete(ctx context.Context, sessionID string) error {
	if s.closed {
		return ErrStoreClosed{}
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(sessionID)),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("s3 delete %s: %w", sessionID, err)
	}
	return nil
}

// Touch rewrites the expiry metadata through a server-side self-copy.
func (s *S3Store) Touch(ctx context.Context, sessionID string, expiresAt time.Time) error {
	if s.closed {
		return ErrStoreClosed{}
	}

	key := s.key(sessionID)
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(url.PathEscape(s.bucket + "/" + key)),
		MetadataDirective: types.MetadataDirectiveReplace,
		ContentType:       aws.String("application/json"),
		Metadata: map[string]string{
			s3ExpiresAtMeta: expiresAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil
		}
		return fmt.Errorf("s3 touch %s: %w", sessionID, err)
	}
	return nil
}

// SaveAll fans the records out in parallel; S3 has no batch put and
// the puts are independent. Concurrency is bounded so a shutdown
// flush cannot open hundreds of connections.
func (s *S3Store) SaveAll(ctx context.Context, sessions map[string]SessionData) error {
	if s.closed {
		return ErrStoreClosed{}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s3SaveAllConcurrency)
	for id, sd := range sessions {
		id, sd := id, sd
		g.Go(func() error {
			return s.Save(ctx, id, sd.Data, sd.ExpiresAt)
		})
	}
	return g.Wait()
}

// Close marks the store closed. The S3 client stays usable, it may be
// shared with other components.
func (s *S3Store) Close() error {
	s.closed = true
	return nil
}

// Cleanup deletes expired record objects under the prefix. Run it from
// a cron or rely on a bucket lifecycle rule instead.
func (s *S3Store) Cleanup(ctx context.Context) (int, error) {
	if s.closed {
		return 0, ErrStoreClosed{}
	}

	now := time.Now()
	removed := 0

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return removed, fmt.Errorf("s3 list: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				continue
			}
			if !expired(head.Metadata, now) {
				continue
			}
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			}); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
