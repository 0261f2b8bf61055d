package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"bgtransfer/internal/domain"
	"bgtransfer/internal/repository"
)

// S3TaskRepository keeps descriptors in Amazon S3 (or compatible APIs).
type S3TaskRepository struct {
	client   *s3.Client
	uploader *manager.Uploader
	opts     Options
}

func NewS3TaskRepository(client *s3.Client, opts Options) *S3TaskRepository {
	return &S3TaskRepository{
		client:   client,
		uploader: manager.NewUploader(client),
		opts:     opts,
	}
}

func (s *S3TaskRepository) Init(ctx context.Context) error {
	if s.opts.Bucket == "" {
		return fmt.Errorf("storage bucket is required")
	}
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.opts.Bucket)}); err != nil {
		return fmt.Errorf("head bucket %s: %w", s.opts.Bucket, err)
	}
	return nil
}

func (s *S3TaskRepository) Save(ctx context.Context, task *domain.Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.opts.Bucket),
		Key:         aws.String(s.opts.objectKey(task.ID())),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		ACL:         types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return fmt.Errorf("upload task %s: %w", task.ID(), err)
	}
	return nil
}

func (s *S3TaskRepository) Get(ctx context.Context, id string) (*domain.Task, error) {
	rec, err := s.readRecord(ctx, s.opts.objectKey(id))
	if err != nil {
		return nil, err
	}
	return domain.Decode(rec)
}

func (s *S3TaskRepository) Load(ctx context.Context) ([]repository.LoadResult, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.opts.Bucket),
	}
	if p := s.opts.prefix(); p != "" {
		input.Prefix = aws.String(p)
	}

	var results []repository.LoadResult
	for {
		output, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}

		for _, obj := range output.Contents {
			key := aws.ToString(obj.Key)
			id, ok := s.opts.idFromKey(key)
			if !ok {
				continue
			}
			rec, err := s.readRecord(ctx, key)
			if err != nil {
				results = append(results, repository.LoadResult{ID: id, Err: err})
				continue
			}
			task, err := domain.Decode(rec)
			results = append(results, repository.LoadResult{ID: id, Task: task, Err: err})
		}

		if !aws.ToBool(output.IsTruncated) || output.NextContinuationToken == nil {
			break
		}
		input.ContinuationToken = output.NextContinuationToken
	}

	return results, nil
}

func (s *S3TaskRepository) Delete(ctx context.Context, id string) error {
	key := s.opts.objectKey(id)
	// DeleteObject succeeds for missing keys, so check first
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		if isNotFound(err) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("head object: %w", err)
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (s *S3TaskRepository) readRecord(ctx context.Context, key string) (domain.Record, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	return decodeRecord(out.Body)
}

func decodeRecord(r io.Reader) (domain.Record, error) {
	var rec domain.Record
	if err := json.NewDecoder(r).Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptRecord, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: empty document", domain.ErrCorruptRecord)
	}
	return rec, nil
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var resp *awshttp.ResponseError
	return errors.As(err, &resp) && resp.HTTPStatusCode() == http.StatusNotFound
}

var _ repository.TaskRepository = (*S3TaskRepository)(nil)
