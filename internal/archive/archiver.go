// Package archive writes convergence reports and rollout records to an
// S3-compatible bucket for long-term retention.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/edvin/convoy/internal/model"
)

// S3Archiver uploads JSON artifacts to a bucket, keyed by host and ID.
type S3Archiver struct {
	logger zerolog.Logger
	client *s3.Client
	bucket string
}

// NewS3Archiver creates an archiver against an S3-compatible endpoint.
// Path-style addressing is used so self-hosted gateways work without
// wildcard DNS.
func NewS3Archiver(logger zerolog.Logger, endpoint, accessKey, secretKey, bucket string) *S3Archiver {
	client := s3.New(s3.Options{
		BaseEndpoint: aws.String(endpoint),
		Region:       "us-east-1",
		Credentials:  credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		UsePathStyle: true,
	})
	return &S3Archiver{
		logger: logger.With().Str("component", "archiver").Logger(),
		client: client,
		bucket: bucket,
	}
}

// ArchiveRecord uploads a finished rollout record.
func (a *S3Archiver) ArchiveRecord(ctx context.Context, rec model.RolloutRecord) error {
	key := fmt.Sprintf("rollouts/%s/%s.json", rec.Host, rec.ID)
	if err := a.put(ctx, key, rec); err != nil {
		return fmt.Errorf("archive rollout record %s: %w", rec.ID, err)
	}
	a.logger.Debug().Str("key", key).Msg("archived rollout record")
	return nil
}

// ArchiveReport uploads a convergence report, keyed by host and start time.
func (a *S3Archiver) ArchiveReport(ctx context.Context, report *model.ConvergenceReport) error {
	key := fmt.Sprintf("converge/%s/%s.json", report.Host, report.StartedAt.UTC().Format("20060102T150405Z"))
	if err := a.put(ctx, key, report); err != nil {
		return fmt.Errorf("archive convergence report: %w", err)
	}
	a.logger.Debug().Str("key", key).Msg("archived convergence report")
	return nil
}

// Appender is the primary destination for rollout records.
type Appender interface {
	Append(ctx context.Context, rec model.RolloutRecord) error
}

// TeeSink appends records to the primary store and then archives them.
// Archive failures are logged but do not fail the append; the database row
// is the source of truth.
type TeeSink struct {
	Primary  Appender
	Archiver *S3Archiver
}

func (t *TeeSink) Append(ctx context.Context, rec model.RolloutRecord) error {
	if err := t.Primary.Append(ctx, rec); err != nil {
		return err
	}
	if err := t.Archiver.ArchiveRecord(ctx, rec); err != nil {
		t.Archiver.logger.Warn().Err(err).Str("rollout_id", rec.ID).Msg("archive failed")
	}
	return nil
}

func (a *S3Archiver) put(ctx context.Context, key string, v any) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	return err
}
