// Package archive exports the history records of entities to S3.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ttab/elephant-versionstore/internal"
	"github.com/ttab/elephant-versionstore/kv"
	"github.com/ttab/elephant-versionstore/versions"
)

type S3Options struct {
	Endpoint        string
	AccessKeyID     string
	AccessKeySecret string
	DisableHTTPS    bool
}

// S3Client creates a S3 client, a custom endpoint switches the client to path
// style addressing.
func S3Client(
	ctx context.Context, opts S3Options,
) (*s3.Client, error) {
	var (
		options   []func(*config.LoadOptions) error
		s3Options []func(*s3.Options)
	)

	if opts.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.EndpointOptions.DisableHTTPS = opts.DisableHTTPS
			o.UsePathStyle = true
		})
	}

	if opts.AccessKeyID != "" {
		creds := credentials.NewStaticCredentialsProvider(
			opts.AccessKeyID, opts.AccessKeySecret, "")

		options = append(options,
			config.WithCredentialsProvider(creds))
	}

	cfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS SDK config: %w", err)
	}

	return s3.NewFromConfig(cfg, s3Options...), nil
}

type ObjectPutter interface {
	PutObject(
		ctx context.Context, params *s3.PutObjectInput,
		optFns ...func(*s3.Options),
	) (*s3.PutObjectOutput, error)
}

// Record is the archived form of a history record.
type Record struct {
	ID      string `json:"id"`
	SortKey string `json:"sort_key"`
	Version int64  `json:"version,omitempty"`
	Time    string `json:"time"`
	State   []byte `json:"state"`
}

type Options struct {
	Logger *slog.Logger
	Bucket string
	// Prefix is prepended to all object keys, defaults to "entities".
	Prefix string
}

// Archiver writes the history records of an entity to S3 as one JSON object
// per record. Objects are overwritten on re-archival, and records are never
// removed from the store.
type Archiver struct {
	logger *slog.Logger
	store  kv.Store
	s3     ObjectPutter
	bucket string
	prefix string
}

func NewArchiver(
	store kv.Store, client ObjectPutter, opts Options,
) (*Archiver, error) {
	if opts.Bucket == "" {
		return nil, errors.New("missing archive bucket")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "entities"
	}

	return &Archiver{
		logger: logger,
		store:  store,
		s3:     client,
		bucket: opts.Bucket,
		prefix: prefix,
	}, nil
}

// ObjectKey returns the object key for a history record.
func (a *Archiver) ObjectKey(key kv.Key) string {
	return path.Join(a.prefix, key.ID, key.Sort+".json")
}

// ArchiveEntity writes every history record of the entity to the bucket and
// returns the number of archived records.
func (a *Archiver) ArchiveEntity(ctx context.Context, id string) (int, error) {
	if id == "." || id == ".." || strings.Contains(id, "/") {
		return 0, kv.Errorf(kv.ErrCodeBadRequest,
			"entity ID %q cannot be used as an object key", id)
	}

	items, err := a.store.Query(ctx, kv.Query{
		ID:             id,
		ConsistentRead: true,
	})
	if err != nil {
		return 0, fmt.Errorf("list records of %q: %w", id, err)
	}

	var count int

	for _, it := range items {
		if it.Sort == versions.PointerSortKey {
			continue
		}

		err := a.archiveItem(ctx, it)
		if err != nil {
			return count, err
		}

		count++
	}

	a.logger.InfoContext(ctx, "archived entity",
		internal.LogKeyEntityID, id,
		internal.LogKeyBucket, a.bucket,
		internal.LogKeyCount, count)

	return count, nil
}

func (a *Archiver) archiveItem(ctx context.Context, it kv.Item) error {
	rec := Record{
		ID:      it.ID,
		SortKey: it.Sort,
		Time:    it.Time,
		State:   it.State,
	}

	if n, ok := versions.ParseHistorySortKey(it.Sort); ok {
		rec.Version = n
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", it.Key, err)
	}

	objectKey := a.ObjectKey(it.Key)

	_, err = a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("store %s as %q: %w", it.Key, objectKey, err)
	}

	a.logger.DebugContext(ctx, "archived record",
		internal.LogKeySortKey, it.Sort,
		internal.LogKeyObjectKey, objectKey)

	return nil
}
