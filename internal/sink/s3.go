package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/zstd"
)

// ProgressFunc receives cumulative bytes handed to the upload manager for the
// shard at key. Notifications are a diagnostic side effect; upload completion
// is signaled only by Handle.Close.
type ProgressFunc func(key string, bytes int64)

// S3Options configures an S3Sink.
type S3Options struct {
	Bucket       string
	Folder       string
	Region       string
	Endpoint     string
	PathStyle    bool
	AccessKey    string
	SecretKey    string
	SessionToken string
	Compress     bool
	Progress     ProgressFunc
}

// S3Sink writes shards to <bucket>/<folder>/<key> in S3-compatible object
// storage. Each shard streams through a pipe into a managed multi-part
// upload.
type S3Sink struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	folder   string
	compress bool
	progress ProgressFunc
}

// NewS3Sink creates an S3Sink from opts.
func NewS3Sink(ctx context.Context, opts S3Options) (*S3Sink, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		func(lo *awsconfig.LoadOptions) error {
			if opts.Endpoint != "" {
				lo.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
					func(service, region string, options ...interface{}) (aws.Endpoint, error) {
						return aws.Endpoint{
							URL:               opts.Endpoint,
							SigningRegion:     opts.Region,
							HostnameImmutable: opts.PathStyle,
						}, nil
					},
				)
			}
			if opts.AccessKey != "" && opts.SecretKey != "" {
				lo.Credentials = credentials.NewStaticCredentialsProvider(
					opts.AccessKey, opts.SecretKey, opts.SessionToken,
				)
			}
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	return &S3Sink{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
		folder:   opts.Folder,
		compress: opts.Compress,
		progress: opts.Progress,
	}, nil
}

// key returns the full object key for a shard key.
func (s *S3Sink) key(key string) string {
	if s.folder == "" {
		return key
	}
	return path.Join(s.folder, key)
}

// Exists probes the bucket with HeadObject.
func (s *S3Sink) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head object: %w", err)
	}
	return true, nil
}

// Open starts a streaming upload for key. Objects cannot be appended to, so
// only create and overwrite are supported; create-mode collision avoidance
// happens through the Exists probe before Open.
func (s *S3Sink) Open(ctx context.Context, key string, mode Mode) (Handle, error) {
	if mode == ModeAppend {
		return nil, ErrAppendUnsupported
	}

	pr, pw := io.Pipe()
	var body io.Reader = pr
	if s.progress != nil {
		body = &progressReader{r: pr, key: key, fn: s.progress}
	}

	h := &s3Handle{pw: pw, w: pw, done: make(chan error, 1)}
	if s.compress {
		enc, err := zstd.NewWriter(pw)
		if err != nil {
			pw.Close()
			return nil, err
		}
		h.enc = enc
		h.w = enc
	}

	go func() {
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(key)),
			Body:   body,
		})
		if err != nil {
			err = fmt.Errorf("upload %s: %w", key, err)
		}
		// Unblock any in-flight pipe write before reporting.
		pr.CloseWithError(err)
		h.done <- err
	}()

	if err := h.Write(ctx, []byte("[")); err != nil {
		h.abort()
		return nil, err
	}
	return h, nil
}

type s3Handle struct {
	pw   *io.PipeWriter
	w    io.Writer
	enc  *zstd.Encoder
	done chan error
}

func (h *s3Handle) Write(_ context.Context, p []byte) error {
	// Blocks until the upload manager has consumed the bytes, which is the
	// backpressure signal for the writer.
	_, err := h.w.Write(p)
	return err
}

func (h *s3Handle) Close(_ context.Context, trailing []byte) error {
	_, werr := h.w.Write(trailing)
	var encErr error
	if h.enc != nil {
		encErr = h.enc.Close()
	}
	h.pw.Close()
	uploadErr := <-h.done
	if werr != nil {
		return werr
	}
	if encErr != nil {
		return encErr
	}
	return uploadErr
}

func (h *s3Handle) NeedsSeparator() bool { return false }

// abort tears down a handle whose upload never received a full payload.
func (h *s3Handle) abort() {
	h.pw.CloseWithError(errors.New("upload aborted"))
	<-h.done
}

// progressReader counts bytes as the upload manager consumes them.
type progressReader struct {
	r     io.Reader
	key   string
	fn    ProgressFunc
	total atomic.Int64
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.fn(p.key, p.total.Add(int64(n)))
	}
	return n, err
}

// isNotFound checks if an error is a "not found" error from S3.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
