package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quillmd/quill/internal/content"
	"github.com/quillmd/quill/internal/logging"
)

// S3Config configures the S3 transport. Endpoint is optional and selects a
// compatible service such as MinIO.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Prefix    string // key prefix for the workspace, e.g. "workspaces/ws-1/"

	Logger *zap.Logger
}

// Object user metadata keys.
const (
	metaPath     = "path"
	metaHash     = "content-hash"
	metaKind     = "content-kind"
	metaModified = "modified"
)

// S3 stores each document as <prefix>objects/<id> and records deletions as
// empty <prefix>tombstones/<id> objects so that they show up in change
// listings. The change token is the newest S3 LastModified seen; listings
// include objects at the token time again, which the engine skips as
// already observed.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewS3 builds a client from cfg. Static credentials are used when both
// keys are set, otherwise the default AWS credential chain applies.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket cannot be empty")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logging.OrNop(cfg.Logger).Named("s3"),
		now:    time.Now,
	}, nil
}

func (s *S3) objectKey(id string) string    { return s.prefix + "objects/" + id }
func (s *S3) tombstoneKey(id string) string { return s.prefix + "tombstones/" + id }

// ListChanges implements Transport.
func (s *S3) ListChanges(ctx context.Context, token string) (*ChangeSet, error) {
	var since time.Time
	if token != "" {
		t, err := time.Parse(time.RFC3339Nano, token)
		if err != nil {
			return nil, Rejected(fmt.Errorf("invalid change token %q", token))
		}
		since = t
	}

	high := since
	byID := make(map[string]Change)
	var order []string

	scan := func(prefix string, deleted bool) error {
		p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(prefix),
		})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				return classifyS3("list", err)
			}
			for _, item := range page.Contents {
				modified := aws.ToTime(item.LastModified)
				if !since.IsZero() && modified.Before(since) {
					continue
				}
				if modified.After(high) {
					high = modified
				}
				id := strings.TrimPrefix(aws.ToString(item.Key), prefix)
				change, err := s.describe(ctx, aws.ToString(item.Key), id, deleted)
				if errors.Is(err, ErrNotFound) {
					// Removed between listing and head.
					continue
				}
				if err != nil {
					return err
				}
				prev, seen := byID[id]
				if !seen {
					order = append(order, id)
				}
				if !seen || change.ModifiedTime.After(prev.ModifiedTime) {
					byID[id] = change
				}
			}
		}
		return nil
	}

	if err := scan(s.prefix+"objects/", false); err != nil {
		return nil, err
	}
	if err := scan(s.prefix+"tombstones/", true); err != nil {
		return nil, err
	}

	cs := &ChangeSet{NewToken: token}
	for _, id := range order {
		cs.Changes = append(cs.Changes, byID[id])
	}
	if !high.IsZero() {
		cs.NewToken = high.UTC().Format(time.RFC3339Nano)
	}
	return cs, nil
}

func (s *S3) describe(ctx context.Context, key, id string, deleted bool) (Change, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Change{}, classifyS3("head "+key, err)
	}
	path, modified := decodeMeta(head.Metadata)
	if modified.IsZero() {
		modified = aws.ToTime(head.LastModified)
	}
	return Change{
		RemoteID:     id,
		Path:         path,
		ContentHash:  head.Metadata[metaHash],
		ModifiedTime: modified,
		Deleted:      deleted,
	}, nil
}

// Upload implements Transport. The staleness check reads the object's
// metadata first; S3 has no compare-and-swap on user metadata so a write
// racing between the check and the put is not detected.
func (s *S3) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	id := req.RemoteID
	var prevModified time.Time
	if id == "" {
		id = uuid.NewString()
	} else {
		head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(id)),
		})
		if err != nil {
			return nil, classifyS3("head "+id, err)
		}
		_, prevModified = decodeMeta(head.Metadata)
		if !req.Force && prevModified.After(req.BaseModified) {
			return nil, &ConflictError{
				RemoteID:       id,
				RemoteModified: prevModified,
				RemoteHash:     head.Metadata[metaHash],
			}
		}
	}

	modified := s.now().UTC()
	if !modified.After(prevModified) {
		modified = prevModified.Add(time.Millisecond)
	}
	hash := req.Content.Hash()
	body := req.Content.Bytes()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(id)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(req.MimeType),
		Metadata: map[string]string{
			metaPath:     url.PathEscape(req.Path),
			metaHash:     hash,
			metaKind:     string(req.Content.Kind()),
			metaModified: modified.Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return nil, classifyS3("put "+id, err)
	}

	s.logger.Debug("put object", zap.String("id", id), zap.String("path", req.Path), zap.Int("size", len(body)))
	return &UploadResult{RemoteID: id, ModifiedTime: modified, ContentHash: hash}, nil
}

// Download implements Transport.
func (s *S3) Download(ctx context.Context, remoteID string) (*Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(remoteID)),
	})
	if err != nil {
		return nil, classifyS3("get "+remoteID, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, Transient(fmt.Errorf("read %s: %w", remoteID, err))
	}

	path, modified := decodeMeta(out.Metadata)
	if modified.IsZero() {
		modified = aws.ToTime(out.LastModified)
	}
	c := content.Text(string(body))
	if content.Kind(out.Metadata[metaKind]) == content.KindBinary {
		c = content.Binary(body)
	}
	return &Object{
		RemoteID:     remoteID,
		Path:         path,
		Content:      c,
		MimeType:     aws.ToString(out.ContentType),
		ModifiedTime: modified,
		ContentHash:  out.Metadata[metaHash],
	}, nil
}

// Delete implements Transport.
func (s *S3) Delete(ctx context.Context, remoteID string) error {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(remoteID)),
	})
	if err != nil {
		return classifyS3("head "+remoteID, err)
	}
	_, prevModified := decodeMeta(head.Metadata)
	modified := s.now().UTC()
	if !modified.After(prevModified) {
		modified = prevModified.Add(time.Millisecond)
	}

	// Tombstone first so a crash between the calls never hides a deletion.
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.tombstoneKey(remoteID)),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
		Metadata: map[string]string{
			metaPath:     head.Metadata[metaPath],
			metaModified: modified.Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return classifyS3("put tombstone "+remoteID, err)
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(remoteID)),
	}); err != nil {
		return classifyS3("delete "+remoteID, err)
	}

	s.logger.Debug("deleted object", zap.String("id", remoteID))
	return nil
}

func decodeMeta(meta map[string]string) (path string, modified time.Time) {
	path = meta[metaPath]
	if p, err := url.PathUnescape(path); err == nil {
		path = p
	}
	if v := meta[metaModified]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			modified = t
		}
	}
	return path, modified
}

// classifyS3 maps SDK errors onto the transport error classes. Errors
// without an API code (DNS, connection reset, timeouts) are transient.
func classifyS3(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("s3 %s: %w: %w", op, ErrNotFound, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
			"NoSuchBucket", "InvalidArgument", "EntityTooLarge", "InvalidBucketName":
			return fmt.Errorf("s3 %s: %w", op, Rejected(err))
		}
	}
	return fmt.Errorf("s3 %s: %w", op, Transient(err))
}
