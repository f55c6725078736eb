// Package attachment loads whole files referenced by the attachments option.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/outbound/compose"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/mailerr"
)

const s3Scheme = "s3://"

// S3API is the part of the S3 client the loader needs.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Loader resolves local paths, local directories and s3://bucket/key references.
type Loader struct {
	logger *zap.Logger

	s3Once   sync.Once
	s3Client S3API
	s3Err    error
	newS3    func(ctx context.Context) (S3API, error)
}

// Option customizes a Loader.
type Option func(*Loader)

// WithLogger sets the loader logger.
func WithLogger(l *zap.Logger) Option {
	return func(ld *Loader) {
		if l != nil {
			ld.logger = l
		}
	}
}

// WithS3Client uses c instead of building a client from the default AWS config.
func WithS3Client(c S3API) Option {
	return func(ld *Loader) {
		ld.newS3 = func(context.Context) (S3API, error) { return c, nil }
	}
}

// NewLoader returns a loader. The S3 client is built lazily on the first s3:// reference.
func NewLoader(opts ...Option) *Loader {
	ld := &Loader{logger: zap.NewNop(), newS3: defaultS3}
	for _, opt := range opts {
		opt(ld)
	}
	return ld
}

func defaultS3(ctx context.Context) (S3API, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

var _ compose.Loader = (*Loader)(nil)

// Load returns the files behind ref. A directory yields its regular files
// in name order; an s3:// reference ending in "/" yields every object under
// that prefix.
func (ld *Loader) Load(ctx context.Context, ref string) ([]compose.File, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, mailerr.Fatal("attachment", errors.New("empty attachment reference"))
	}
	if strings.HasPrefix(ref, s3Scheme) {
		return ld.loadS3(ctx, ref)
	}
	return ld.loadLocal(ref)
}

func (ld *Loader) loadLocal(p string) ([]compose.File, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, mailerr.Fatal("attachment "+p, err)
	}
	if !info.IsDir() {
		f, err := readLocal(p)
		if err != nil {
			return nil, err
		}
		return []compose.File{f}, nil
	}

	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, mailerr.Fatal("attachment "+p, err)
	}
	var files []compose.File
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		f, err := readLocal(filepath.Join(p, e.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		ld.logger.Warn("attachment directory is empty", zap.String("path", p))
	}
	return files, nil
}

func readLocal(p string) (compose.File, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return compose.File{}, mailerr.Fatal("attachment "+p, err)
	}
	name := filepath.Base(p)
	return compose.File{Name: name, ContentType: contentType(name), Data: data}, nil
}

func (ld *Loader) client(ctx context.Context) (S3API, error) {
	ld.s3Once.Do(func() {
		ld.s3Client, ld.s3Err = ld.newS3(ctx)
	})
	return ld.s3Client, ld.s3Err
}

func (ld *Loader) loadS3(ctx context.Context, ref string) ([]compose.File, error) {
	bucket, key, ok := strings.Cut(strings.TrimPrefix(ref, s3Scheme), "/")
	if !ok || bucket == "" || key == "" {
		return nil, mailerr.Fatal("attachment", fmt.Errorf("malformed s3 reference %q", ref))
	}
	c, err := ld.client(ctx)
	if err != nil {
		return nil, mailerr.Fatal("attachment s3 client", err)
	}

	if !strings.HasSuffix(key, "/") {
		f, err := getObject(ctx, c, bucket, key)
		if err != nil {
			return nil, err
		}
		return []compose.File{f}, nil
	}

	var keys []string
	var token *string
	for {
		out, err := c.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(key),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, classifyS3("attachment s3 list "+ref, err)
		}
		for _, obj := range out.Contents {
			k := aws.ToString(obj.Key)
			if k != "" && !strings.HasSuffix(k, "/") {
				keys = append(keys, k)
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(keys)

	files := make([]compose.File, 0, len(keys))
	for _, k := range keys {
		f, err := getObject(ctx, c, bucket, k)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

func getObject(ctx context.Context, c S3API, bucket, key string) (compose.File, error) {
	out, err := c.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return compose.File{}, classifyS3("attachment s3 get "+bucket+"/"+key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return compose.File{}, mailerr.Connectivity("attachment s3 read "+bucket+"/"+key, err)
	}
	name := path.Base(key)
	ct := aws.ToString(out.ContentType)
	if ct == "" || ct == "binary/octet-stream" {
		ct = contentType(name)
	}
	return compose.File{Name: name, ContentType: ct, Data: data}, nil
}

// classifyS3 treats API errors answered by S3 as fatal and everything else
// (DNS, sockets, timeouts) as connectivity.
func classifyS3(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return mailerr.Fatal(op, err)
	}
	return mailerr.Connectivity(op, err)
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
