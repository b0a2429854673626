package provider

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ensure interface is implemented
var _ Provider = (*S3Provider)(nil)

// S3API is the part of *s3.Client the provider uses.
type S3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	s3.ListObjectsV2APIClient
	manager.UploadAPIClient
}

// S3Provider serves paths under an optional key prefix of one bucket.
type S3Provider struct {
	client   S3API
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Provider creates a new S3Provider.
// bucket is the S3 bucket name.
func NewS3Provider(ctx context.Context, bucket string, prefix string) (*S3Provider, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	return NewS3ProviderFromClient(client, bucket, prefix), nil
}

// NewS3ProviderFromClient wraps an already configured client.
func NewS3ProviderFromClient(client S3API, bucket string, prefix string) *S3Provider {
	return &S3Provider{
		client: client,
		bucket: bucket,
		prefix: prefix,
		// Failed uploads must not leave orphaned multipart parts behind.
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.LeavePartsOnError = false
		}),
	}
}

// buildKey constructs the full S3 key based on the provider's prefix
func (p *S3Provider) buildKey(subPath string) string {
	subPath = strings.TrimPrefix(subPath, "/")
	if p.prefix == "" {
		return subPath
	}
	// Avoid double slashes
	key := path.Join(p.prefix, subPath)
	return strings.TrimPrefix(key, "/")
}

// Stat returns the FileInfo for the given path.
func (p *S3Provider) Stat(ctx context.Context, pth string) (FileInfo, error) {
	key := p.buildKey(pth)

	headOut, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return &fileInfo{
			name:    path.Base(key),
			size:    aws.ToInt64(headOut.ContentLength),
			isDir:   strings.HasSuffix(key, "/"),
			modTime: aws.ToTime(headOut.LastModified),
		}, nil
	}

	// maybe a directory? Let's check prefix
	dirPrefix := key + "/"
	if key == "" {
		dirPrefix = ""
	}

	listOut, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(dirPrefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("stat failed for %q: %w", pth, err)
	}

	if len(listOut.Contents) > 0 || len(listOut.CommonPrefixes) > 0 {
		return &fileInfo{
			name:  path.Base(key),
			isDir: true,
		}, nil
	}

	return nil, fmt.Errorf("stat %q: %w", pth, ErrNotFound)
}

// List returns the contents of the given directory.
func (p *S3Provider) List(ctx context.Context, pth string) ([]FileInfo, error) {
	dirPrefix := p.buildKey(pth)
	if dirPrefix != "" && !strings.HasSuffix(dirPrefix, "/") {
		dirPrefix += "/"
	}

	var infos []FileInfo
	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(p.bucket),
		Prefix:    aws.String(dirPrefix),
		Delimiter: aws.String("/"),
	})

	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %q: %w", pth, err)
		}

		for _, cp := range out.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), dirPrefix), "/")
			infos = append(infos, &fileInfo{name: name, isDir: true})
		}

		for _, obj := range out.Contents {
			if info := objectInfo(obj, dirPrefix); info != nil {
				infos = append(infos, info)
			}
		}
	}

	return infos, nil
}

func objectInfo(obj types.Object, dirPrefix string) FileInfo {
	name := strings.TrimPrefix(aws.ToString(obj.Key), dirPrefix)
	if name == "" { // sometimes the dir itself is in the results
		return nil
	}
	isDir := strings.HasSuffix(name, "/")
	return &fileInfo{
		name:    strings.TrimSuffix(name, "/"),
		size:    aws.ToInt64(obj.Size),
		isDir:   isDir,
		modTime: aws.ToTime(obj.LastModified),
	}
}

// OpenRead opens a file for streaming reads.
func (p *S3Provider) OpenRead(ctx context.Context, pth string) (io.ReadCloser, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.buildKey(pth)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open read %q: %w", pth, err)
	}
	return &ctxReader{ctx: ctx, rc: out.Body}, nil
}

// OpenWrite streams into a multipart upload. The object only exists once
// the upload completes, which happens inside Close.
func (p *S3Provider) OpenWrite(ctx context.Context, pth string) (Writer, error) {
	key := p.buildKey(pth)
	pr, pw := io.Pipe()
	errChan := make(chan error, 1)

	go func() {
		_, err := p.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
			Body:   pr,
		})
		pr.CloseWithError(err)
		errChan <- err
	}()

	return &asyncS3Writer{
		ctx:     ctx,
		key:     key,
		pw:      pw,
		errChan: errChan,
	}, nil
}

type asyncS3Writer struct {
	ctx     context.Context
	key     string
	pw      *io.PipeWriter
	errChan <-chan error

	once sync.Once
	err  error
}

func (w *asyncS3Writer) Write(p []byte) (n int, err error) {
	return w.pw.Write(p)
}

func (w *asyncS3Writer) Close() error {
	w.once.Do(func() {
		if err := w.ctx.Err(); err != nil {
			w.abort()
			w.err = fmt.Errorf("commit s3://%s: %w", w.key, err)
			return
		}
		if err := w.pw.Close(); err != nil {
			w.err = err
			return
		}
		// Wait for upload to complete
		if err := <-w.errChan; err != nil {
			w.err = fmt.Errorf("s3 upload failed: %w", err)
		}
	})
	return w.err
}

func (w *asyncS3Writer) Abort() error {
	w.once.Do(func() {
		w.abort()
		w.err = ErrAborted
	})
	return nil
}

// abort fails the upload's body so the uploader gives up without creating
// the object, then waits for it to return.
func (w *asyncS3Writer) abort() {
	w.pw.CloseWithError(ErrAborted)
	select {
	case <-w.errChan:
	case <-time.After(abortWait):
	}
}

// abortWait bounds how long Abort waits for the uploader to notice the
// failed body.
const abortWait = 30 * time.Second
