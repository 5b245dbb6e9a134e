package icesink

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"testing"

	"github.com/flowcrate/stagepipe/pkg/message"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	buf    *bytes.Buffer
	closed bool
}

func (w *fakeWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *fakeWriter) Close() error                { w.closed = true; return nil }

type fakeObjectHandle struct {
	name   string
	writer *fakeWriter
}

func (h *fakeObjectHandle) NewWriter(ctx context.Context) GCSWriter { return h.writer }

type fakeBucketHandle struct {
	objects map[string]*fakeObjectHandle
}

func (h *fakeBucketHandle) Object(name string) GCSObjectHandle {
	obj := &fakeObjectHandle{name: name, writer: &fakeWriter{buf: &bytes.Buffer{}}}
	h.objects[name] = obj
	return obj
}

type fakeClient struct {
	bucket *fakeBucketHandle
}

func (c *fakeClient) Bucket(name string) GCSBucketHandle { return c.bucket }

func TestUploader_HandleBatch_WritesGzippedJSONLines(t *testing.T) {
	client := &fakeClient{bucket: &fakeBucketHandle{objects: map[string]*fakeObjectHandle{}}}
	u, err := New(client, Config{BucketName: "archive", ObjectPrefix: "raw"}, zerolog.Nop())
	require.NoError(t, err)

	batch := &message.Batch{
		Info: message.BatchInfo{PublisherKey: "even"},
		Messages: []*message.Message{
			{ID: "1", Data: map[string]any{"v": 2}},
			{ID: "2", Data: map[string]any{"v": 4}},
		},
	}

	result, err := u.HandleBatch(context.Background(), batch, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, batch.Messages, result.Successful)
	assert.Empty(t, result.Failed)

	require.Len(t, client.bucket.objects, 1)
	var obj *fakeObjectHandle
	for _, o := range client.bucket.objects {
		obj = o
	}
	assert.True(t, obj.writer.closed)

	gz, err := gzip.NewReader(bytes.NewReader(obj.writer.buf.Bytes()))
	require.NoError(t, err)
	dec := json.NewDecoder(gz)

	var first map[string]any
	require.NoError(t, dec.Decode(&first))
	assert.EqualValues(t, 2, first["v"])

	var second map[string]any
	require.NoError(t, dec.Decode(&second))
	assert.EqualValues(t, 4, second["v"])
}

func TestUploader_HandleBatch_EmptyBatch(t *testing.T) {
	client := &fakeClient{bucket: &fakeBucketHandle{objects: map[string]*fakeObjectHandle{}}}
	u, err := New(client, Config{BucketName: "archive"}, zerolog.Nop())
	require.NoError(t, err)

	result, err := u.HandleBatch(context.Background(), &message.Batch{}, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Successful)
	assert.Empty(t, result.Failed)
	assert.Empty(t, client.bucket.objects)
}
