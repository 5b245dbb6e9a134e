// Package bqsink is a batch-consumer sink that streams a destination's
// batches into a BigQuery table. It generalizes the teacher's
// pkg/bqstore.BigQueryInserter/BatchInserter, which batched a typed stream
// itself, into a stagepipe consumer.HandleBatch that acks against the batch
// stagepipe already assembled.
package bqsink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/flowcrate/stagepipe/pkg/message"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// Row is implemented by the user's payload type to produce the value BigQuery
// streams in; it mirrors bigquery.ValueSaver so any payload usable directly
// with the BigQuery client also works here.
type Row interface {
	Save() (row map[string]bigquery.Value, insertID string, err error)
}

// DatasetConfig names the destination table and, optionally, a non-default
// credentials file.
type DatasetConfig struct {
	DatasetID       string
	TableID         string
	CredentialsFile string
}

// NewClient builds a BigQuery client the way the teacher's
// NewProductionBigQueryClient does: ADC by default, or a credentials file if given.
func NewClient(ctx context.Context, projectID, credentialsFile string, logger zerolog.Logger) (*bigquery.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bqsink: bigquery.NewClient: %w", err)
	}
	logger.Info().Str("project_id", projectID).Msg("bqsink: bigquery client created")
	return client, nil
}

// Inserter is a consumer.HandleBatch implementation that streams every
// message's payload (which must implement Row) into one BigQuery table via
// the Storage Write API-backed streaming inserter.
type Inserter struct {
	table    *bigquery.Table
	inserter *bigquery.Inserter
	logger   zerolog.Logger
}

// New creates the destination table (inferring its schema from sample, a
// zero-value instance of the row type) if it does not already exist, the way
// the teacher's NewBigQueryInserter does, and returns an Inserter ready to be
// used as a publisher's HandleBatch.
func New(ctx context.Context, client *bigquery.Client, cfg DatasetConfig, sample Row, logger zerolog.Logger) (*Inserter, error) {
	if client == nil {
		return nil, errors.New("bqsink: client cannot be nil")
	}
	l := logger.With().Str("component", "bqsink.Inserter").Str("dataset_id", cfg.DatasetID).Str("table_id", cfg.TableID).Logger()

	table := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	if _, err := table.Metadata(ctx); err != nil {
		if !strings.Contains(err.Error(), "notFound") {
			return nil, fmt.Errorf("bqsink: table metadata: %w", err)
		}
		schema, inferErr := bigquery.InferSchema(sample)
		if inferErr != nil {
			return nil, fmt.Errorf("bqsink: inferring schema for %T: %w", sample, inferErr)
		}
		if createErr := table.Create(ctx, &bigquery.TableMetadata{Schema: schema}); createErr != nil {
			return nil, fmt.Errorf("bqsink: creating table %s.%s: %w", cfg.DatasetID, cfg.TableID, createErr)
		}
		l.Info().Msg("bqsink: table created with inferred schema")
	}

	return &Inserter{table: table, inserter: table.Inserter(), logger: l}, nil
}

// HandleBatch implements consumer.HandleBatch: it streams every message's
// payload into BigQuery in one Put call. On success every message is
// reported successful. On a PutMultiError only the rows it names are reported
// failed and the rest successful; on any other error every message in the
// batch is reported failed, since Put then does not expose which rows landed.
func (ins *Inserter) HandleBatch(ctx context.Context, batch *message.Batch, userCtx any) (message.AckResult, error) {
	if len(batch.Messages) == 0 {
		return message.AckResult{}, nil
	}

	rows := make([]Row, 0, len(batch.Messages))
	for _, m := range batch.Messages {
		row, ok := m.Data.(Row)
		if !ok {
			return message.AckResult{}, fmt.Errorf("bqsink: message %s payload %T does not implement bqsink.Row", m.ID, m.Data)
		}
		rows = append(rows, row)
	}

	if err := ins.inserter.Put(ctx, rows); err != nil {
		ins.logger.Error().Err(err).Int("batch_size", len(rows)).Msg("bqsink: insert failed")
		var multiErr bigquery.PutMultiError
		if errors.As(err, &multiErr) {
			return partitionByRowErrors(batch.Messages, multiErr), nil
		}
		return message.AckResult{Failed: batch.Messages}, nil
	}

	ins.logger.Debug().Int("batch_size", len(rows)).Msg("bqsink: batch inserted")
	return message.AckResult{Successful: batch.Messages}, nil
}

// partitionByRowErrors uses BigQuery's per-row error detail to ack everything
// that was not named in the PutMultiError and fail everything that was.
func partitionByRowErrors(msgs []*message.Message, multiErr bigquery.PutMultiError) message.AckResult {
	failedIdx := make(map[int]bool, len(multiErr))
	for _, rowErr := range multiErr {
		failedIdx[rowErr.RowIndex] = true
	}
	var result message.AckResult
	for i, m := range msgs {
		if failedIdx[i] {
			result.Failed = append(result.Failed, m)
		} else {
			result.Successful = append(result.Successful, m)
		}
	}
	return result
}

// Close is a no-op; the bigquery.Client's lifecycle is owned by whoever
// constructed it and passed it to New, matching the teacher's convention.
func (ins *Inserter) Close() error { return nil }
