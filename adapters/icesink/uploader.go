// Package icesink is a batch-consumer sink that archives a destination's
// batches as compressed newline-delimited JSON objects in Google Cloud
// Storage, one object per batch. It generalizes the teacher's
// pkg/icestore.GCSBatchUploader, which grouped a typed ArchivalData stream by
// an application-level batch key itself, into a stagepipe consumer.HandleBatch
// acking against the batch the batcher stage already assembled.
package icesink

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/flowcrate/stagepipe/pkg/message"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config configures the destination bucket and object naming.
type Config struct {
	BucketName   string
	ObjectPrefix string
}

// Uploader is a consumer.HandleBatch implementation that streams each batch,
// gzip-compressed and newline-delimited, to one GCS object named by a random
// UUID under ObjectPrefix/<publisher key>/.
type Uploader struct {
	client GCSClient
	cfg    Config
	logger zerolog.Logger
}

// New returns an Uploader writing to cfg.BucketName via client. Pass a real
// client through NewGCSClientAdapter, or a fake GCSClient in tests.
func New(client GCSClient, cfg Config, logger zerolog.Logger) (*Uploader, error) {
	if client == nil {
		return nil, errors.New("icesink: client cannot be nil")
	}
	if cfg.BucketName == "" {
		return nil, errors.New("icesink: bucket name is required")
	}
	return &Uploader{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "icesink.Uploader").Str("bucket", cfg.BucketName).Logger(),
	}, nil
}

// HandleBatch streams batch.Messages' payloads into one compressed object,
// acking the whole batch together: icesink writes are all-or-nothing, since
// a partial object is not something a consumer downstream could safely read.
func (u *Uploader) HandleBatch(ctx context.Context, batch *message.Batch, userCtx any) (message.AckResult, error) {
	if len(batch.Messages) == 0 {
		return message.AckResult{}, nil
	}

	objectName := path.Join(u.cfg.ObjectPrefix, batch.Info.PublisherKey, fmt.Sprintf("%s.jsonl.gz", uuid.NewString()))
	logger := u.logger.With().Str("object_name", objectName).Int("batch_size", len(batch.Messages)).Logger()

	obj := u.client.Bucket(u.cfg.BucketName).Object(objectName)
	writer := obj.NewWriter(ctx)
	pr, pw := io.Pipe()

	go func() {
		var err error
		defer func() { _ = pw.CloseWithError(err) }()
		gz := gzip.NewWriter(pw)
		defer func() { _ = gz.Close() }()
		enc := json.NewEncoder(gz)
		for _, m := range batch.Messages {
			if err = enc.Encode(m.Data); err != nil {
				err = fmt.Errorf("icesink: encoding message %s: %w", m.ID, err)
				return
			}
		}
	}()

	bytesWritten, copyErr := io.Copy(writer, pr)
	closeErr := writer.Close()

	if copyErr != nil {
		logger.Error().Err(copyErr).Msg("icesink: streaming to GCS failed")
		return message.AckResult{Failed: batch.Messages}, nil
	}
	if closeErr != nil {
		logger.Error().Err(closeErr).Msg("icesink: closing GCS object failed")
		return message.AckResult{Failed: batch.Messages}, nil
	}

	logger.Info().Int64("bytes_written", bytesWritten).Msg("icesink: batch archived")
	return message.AckResult{Successful: batch.Messages}, nil
}
