package bqsink

import (
	"testing"

	"cloud.google.com/go/bigquery"
	"github.com/flowcrate/stagepipe/pkg/message"
	"github.com/stretchr/testify/assert"
)

func TestPartitionByRowErrors(t *testing.T) {
	msgs := []*message.Message{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	multiErr := bigquery.PutMultiError{
		{RowIndex: 1, Errors: bigquery.MultiError{bigquery.Error{Reason: "invalid"}}},
	}

	result := partitionByRowErrors(msgs, multiErr)

	assert.ElementsMatch(t, []*message.Message{msgs[0], msgs[2]}, result.Successful)
	assert.ElementsMatch(t, []*message.Message{msgs[1]}, result.Failed)
}

func TestPartitionByRowErrors_NoFailures(t *testing.T) {
	msgs := []*message.Message{{ID: "a"}, {ID: "b"}}
	result := partitionByRowErrors(msgs, bigquery.PutMultiError{})
	assert.ElementsMatch(t, msgs, result.Successful)
	assert.Empty(t, result.Failed)
}
