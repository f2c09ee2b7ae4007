// Keeps snapshots in AWS S3 (or anything speaking its API)
package s3objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/function61/docsnap/pkg/objectstore"
	"github.com/function61/docsnap/pkg/snaptypes"
	"github.com/function61/gokit/aws/s3facade"
	"github.com/function61/gokit/logex"
)

type Config struct {
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix"` // "" or "path/" (must end in slash)
	RegionID        string `json:"region"`
	AccessKeyID     string `json:"access_key_id"`
	AccessKeySecret string `json:"access_key_secret"`
}

func (c Config) Validate() error {
	switch {
	case c.Bucket == "":
		return errors.New("s3: bucket not set")
	case c.RegionID == "":
		return errors.New("s3: region not set")
	case c.AccessKeyID == "" || c.AccessKeySecret == "":
		return errors.New("s3: access key not set")
	case c.Prefix != "" && !strings.HasSuffix(c.Prefix, "/"):
		return fmt.Errorf("s3: prefix must end in '/'; got %s", c.Prefix)
	case strings.HasPrefix(c.Prefix, "/"):
		return fmt.Errorf("s3: prefix must not start with '/'; got %s", c.Prefix)
	default:
		return nil
	}
}

type s3store struct {
	bucket   string
	prefix   string
	client   *s3.S3
	uploader *s3manager.Uploader
	logl     *logex.Leveled
}

var _ objectstore.Store = (*s3store)(nil)

func New(conf Config, logger *log.Logger) (*s3store, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	client, err := s3facade.Client(conf.AccessKeyID, conf.AccessKeySecret, conf.RegionID)
	if err != nil {
		return nil, err
	}

	return NewWithClient(client, conf.Bucket, conf.Prefix, logger), nil
}

func NewWithClient(client *s3.S3, bucket string, prefix string, logger *log.Logger) *s3store {
	return &s3store{
		bucket: bucket,
		prefix: prefix,
		client: client,
		// PutObject wants an io.ReadSeeker, which would force us to buffer the whole archive.
		// multipart upload keeps only "Concurrency" parts in memory, and is aborted on error
		// so that no object appears.
		uploader: s3manager.NewUploaderWithClient(client, func(u *s3manager.Uploader) {
			u.Concurrency = 2
			u.LeavePartsOnError = false
		}),
		logl: logex.Levels(logex.NonNil(logger)),
	}
}

// IDs are keys relative to the prefix, containerID is a sub-prefix (without trailing slash)
func (s *s3store) Create(ctx context.Context, name string, content io.Reader, containerID string) (*snaptypes.ObjectInfo, error) {
	if name == "" || strings.Contains(name, "/") {
		return nil, snaptypes.Wrap(snaptypes.ErrValidation, fmt.Errorf("invalid object name: %s", name))
	}

	id := name
	if containerID != "" {
		id = strings.TrimSuffix(containerID, "/") + "/" + name
	}

	counter := &countingReader{Reader: content}

	if _, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      &s.bucket,
		Key:         aws.String(s.key(id)),
		Body:        counter,
		ContentType: aws.String(objectstore.ArchiveContentType),
	}); err != nil {
		return nil, fmt.Errorf("s3 Upload: %w", classifyError(err))
	}

	return &snaptypes.ObjectInfo{
		ID:   id,
		Name: name,
		Kind: snaptypes.ObjectKindFile,
		Size: counter.n,
	}, nil
}

func (s *s3store) Read(ctx context.Context, id string) (io.ReadCloser, error) {
	res, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 GetObject: %w", classifyError(err))
	}

	return res.Body, nil
}

// S3 DeleteObject succeeds for missing keys, so we ask first
func (s *s3store) Delete(ctx context.Context, id string) error {
	if _, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(s.key(id)),
	}); err != nil {
		return fmt.Errorf("s3 HeadObject: %w", classifyError(err))
	}

	if _, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(s.key(id)),
	}); err != nil {
		return fmt.Errorf("s3 DeleteObject: %w", classifyError(err))
	}

	return nil
}

// with includeContainers only one level is listed and sub-prefixes are reported as containers
func (s *s3store) List(ctx context.Context, includeContainers bool, containerID string) ([]snaptypes.ObjectInfo, error) {
	listPrefix := s.prefix
	if containerID != "" {
		listPrefix = s.key(strings.TrimSuffix(containerID, "/") + "/")
	}

	input := &s3.ListObjectsV2Input{
		Bucket:  &s.bucket,
		Prefix:  aws.String(listPrefix),
		MaxKeys: aws.Int64(objectstore.ListLimit),
		// direct children only, like a Drive folder
		Delimiter: aws.String("/"),
	}

	res, err := s.client.ListObjectsV2WithContext(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("s3 ListObjectsV2: %w", classifyError(err))
	}

	infos := []snaptypes.ObjectInfo{}

	for _, commonPrefix := range res.CommonPrefixes {
		if !includeContainers {
			break
		}

		id := strings.TrimSuffix(s.idFromKey(aws.StringValue(commonPrefix.Prefix)), "/")

		infos = append(infos, snaptypes.ObjectInfo{
			ID:   id,
			Name: baseName(id),
			Kind: snaptypes.ObjectKindContainer,
		})
	}

	for _, obj := range res.Contents {
		key := aws.StringValue(obj.Key)
		if strings.HasSuffix(key, "/") { // "folder" placeholder objects of web consoles
			continue
		}

		id := s.idFromKey(key)

		infos = append(infos, snaptypes.ObjectInfo{
			ID:      id,
			Name:    baseName(id),
			Kind:    snaptypes.ObjectKindFile,
			Created: aws.TimeValue(obj.LastModified),
			Size:    aws.Int64Value(obj.Size),
		})
	}

	if len(infos) > objectstore.ListLimit {
		infos = infos[:objectstore.ListLimit]
	}

	return infos, nil
}

// S3 has no trash. (versioned buckets keep deleted versions, but expiring them is lifecycle
// policy's job)
func (s *s3store) EmptyTrash(ctx context.Context) error {
	return nil
}

func (s *s3store) key(id string) string {
	return s.prefix + id
}

func (s *s3store) idFromKey(key string) string {
	return strings.TrimPrefix(key, s.prefix)
}

func baseName(id string) string {
	if idx := strings.LastIndex(id, "/"); idx != -1 {
		return id[idx+1:]
	}
	return id
}

func classifyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var reqFailure awserr.RequestFailure
	if errors.As(err, &reqFailure) {
		switch code := reqFailure.StatusCode(); {
		case code == http.StatusNotFound:
			return snaptypes.Wrap(snaptypes.ErrNotFound, err)
		case code == http.StatusTooManyRequests, code >= 500:
			return snaptypes.Wrap(snaptypes.ErrConnectivity, err)
		}
	}

	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		switch awsErr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return snaptypes.Wrap(snaptypes.ErrNotFound, err)
		case "RequestError", "SlowDown", "RequestTimeout":
			return snaptypes.Wrap(snaptypes.ErrConnectivity, err)
		}
	}

	return err
}

type countingReader struct {
	io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.Reader.Read(p)
	c.n += int64(n)
	return n, err
}
