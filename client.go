package main

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"
)

var ErrBucketNotFound = errors.New("bucket not found")

// Bucket is a resolved remote container.
type Bucket struct {
	ID   string
	Name string
}

// ObjectInfo describes one stored object version.
type ObjectInfo struct {
	// ID identifies this exact version. Deleting by ID removes only it.
	ID          string
	Name        string
	Size        int64
	ContentSHA1 Sha1Hash
	UploadedAt  time.Time
	IsLatest    bool
}

// UnfinishedUpload is a multipart upload session that was never completed.
type UnfinishedUpload struct {
	UploadID   string
	ObjectName string
	StartedAt  time.Time
}

// ProgressFunc receives upload progress. It must not block and may be
// called from several goroutines at once.
type ProgressFunc func(objectName string, sent, total int64)

// BucketClient is everything the sync engine needs from object storage.
type BucketClient interface {
	FindBucket(ctx context.Context, name string) (Bucket, error)
	// ListObjects returns the current version of every object under prefix.
	ListObjects(ctx context.Context, bucket Bucket, prefix string) ([]ObjectInfo, error)
	// ListObjectVersions returns every stored version under prefix.
	ListObjectVersions(ctx context.Context, bucket Bucket, prefix string) ([]ObjectInfo, error)
	ListUnfinishedUploads(ctx context.Context, bucket Bucket) ([]UnfinishedUpload, error)
	UploadFile(ctx context.Context, bucket Bucket, objectName string, body io.Reader, size int64, sha1 Sha1Hash, progress ProgressFunc) (ObjectInfo, error)
	// DeleteObject removes one exact version. An empty objectID removes the
	// name instead: versioned buckets keep the history behind a delete
	// marker and the name stops being listed.
	DeleteObject(ctx context.Context, bucket Bucket, objectID, objectName string) error
	CancelUpload(ctx context.Context, bucket Bucket, upload UnfinishedUpload) error
	// ObjectSHA1 resolves the fingerprint of an object listed as UnknownSHA1.
	ObjectSHA1(ctx context.Context, bucket Bucket, obj ObjectInfo) (Sha1Hash, error)
}

// progressReader reports bytes read through a ProgressFunc.
type progressReader struct {
	r        io.Reader
	name     string
	total    int64
	sent     atomic.Int64
	progress ProgressFunc
}

// seekableProgressReader keeps io.ReaderAt and io.Seeker visible so the
// uploader reads parts straight from the file instead of buffering them.
type seekableProgressReader struct {
	*progressReader
	ra io.ReaderAt
	rs io.Seeker
}

type readAtSeeker interface {
	io.ReaderAt
	io.ReadSeeker
}

func newProgressReader(r io.Reader, name string, total int64, progress ProgressFunc) io.Reader {
	if progress == nil {
		return r
	}

	p := &progressReader{r: r, name: name, total: total, progress: progress}
	if ras, ok := r.(readAtSeeker); ok {
		return &seekableProgressReader{progressReader: p, ra: ras, rs: ras}
	}

	return p
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.report(n)

	return n, err
}

func (p *progressReader) report(n int) {
	if n <= 0 {
		return
	}
	sent := p.sent.Add(int64(n))
	if p.total > 0 && sent > p.total {
		// a retried part is read twice
		sent = p.total
	}
	p.progress(p.name, sent, p.total)
}

func (p *seekableProgressReader) ReadAt(b []byte, off int64) (int, error) {
	n, err := p.ra.ReadAt(b, off)
	p.report(n)

	return n, err
}

func (p *seekableProgressReader) Seek(offset int64, whence int) (int64, error) {
	return p.rs.Seek(offset, whence)
}
