// Package s3 archives the results of completed jobs to S3 or an
// S3-compatible store.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bmatcuk/doublestar/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"reportd/internal/config"
	"reportd/internal/domain"
)

// PutObjectAPI is the part of the S3 client the archiver needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads the files of a job directory that match the include
// patterns to <prefix>/<job key>/<relative path>.
type Archiver struct {
	client  PutObjectAPI
	bucket  string
	prefix  string
	include []string
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New builds an archiver from configuration using the AWS default
// credential chain unless static credentials are configured.
func New(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (*Archiver, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix, cfg.Include, logger)
}

// NewWithClient builds an archiver around an existing client.
func NewWithClient(client PutObjectAPI, bucket, prefix string, include []string, logger *slog.Logger) (*Archiver, error) {
	if bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	if len(include) == 0 {
		return nil, errors.New("at least one include pattern is required")
	}
	for _, pattern := range include {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid include pattern %q", pattern)
		}
	}
	return &Archiver{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		include: include,
		logger:  logger.With("component", "s3-archiver", "bucket", bucket),
		tracer:  otel.Tracer("reportd-archive"),
	}, nil
}

// Archive uploads the matching files of job. Every file is attempted; the
// returned error joins the failures.
func (a *Archiver) Archive(ctx context.Context, job *domain.Job) error {
	ctx, span := a.tracer.Start(ctx, "archive.Archive", trace.WithAttributes(
		attribute.String("job.key", job.Key),
		attribute.String("s3.bucket", a.bucket),
	))
	defer span.End()

	files, err := a.matches(job.BaseDir)
	if err != nil {
		span.RecordError(err)
		return err
	}

	var errs []error
	for _, rel := range files {
		if err := a.upload(ctx, job, rel); err != nil {
			errs = append(errs, err)
		}
	}
	span.SetAttributes(attribute.Int("archive.files", len(files)), attribute.Int("archive.failures", len(errs)))
	a.logger.InfoContext(ctx, "archived job", "job_key", job.Key, "files", len(files), "failures", len(errs))
	return errors.Join(errs...)
}

// ObjectKey is the key a file of the job is stored under.
func (a *Archiver) ObjectKey(jobKey, rel string) string {
	return path.Join(a.prefix, jobKey, rel)
}

// matches lists the files below baseDir, slash separated and relative to
// it, that match an include pattern.
func (a *Archiver) matches(baseDir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(baseDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, pattern := range a.include {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				files = append(files, rel)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", baseDir, err)
	}
	return files, nil
}

func (a *Archiver) upload(ctx context.Context, job *domain.Job, rel string) error {
	f, err := os.Open(filepath.Join(job.BaseDir, filepath.FromSlash(rel)))
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	key := a.ObjectKey(job.Key, rel)
	size := info.Size()
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: &size,
		Metadata: map[string]string{
			"job-key":   job.Key,
			"requestor": job.User.Sub,
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
