package icesink

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
)

// GCSClient abstracts the top-level *storage.Client so Uploader can be unit
// tested without a real GCS client, mirroring the teacher's icestore.GCSClient.
type GCSClient interface {
	Bucket(name string) GCSBucketHandle
}

// GCSBucketHandle abstracts a *storage.BucketHandle.
type GCSBucketHandle interface {
	Object(name string) GCSObjectHandle
}

// GCSObjectHandle abstracts a *storage.ObjectHandle.
type GCSObjectHandle interface {
	NewWriter(ctx context.Context) GCSWriter
}

// GCSWriter abstracts a *storage.Writer.
type GCSWriter interface {
	io.WriteCloser
}

type gcsClientAdapter struct{ client *storage.Client }

// NewGCSClientAdapter wraps a real *storage.Client to satisfy GCSClient.
func NewGCSClientAdapter(client *storage.Client) GCSClient {
	if client == nil {
		return nil
	}
	return &gcsClientAdapter{client: client}
}

func (a *gcsClientAdapter) Bucket(name string) GCSBucketHandle {
	return &gcsBucketHandleAdapter{handle: a.client.Bucket(name)}
}

type gcsBucketHandleAdapter struct{ handle *storage.BucketHandle }

func (a *gcsBucketHandleAdapter) Object(name string) GCSObjectHandle {
	return &gcsObjectHandleAdapter{handle: a.handle.Object(name)}
}

type gcsObjectHandleAdapter struct{ handle *storage.ObjectHandle }

func (a *gcsObjectHandleAdapter) NewWriter(ctx context.Context) GCSWriter {
	return a.handle.NewWriter(ctx)
}
