package main

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MockBucketClient is an in-memory, versioned BucketClient. Deleting the
// latest version of a name promotes the previous one, as S3 and B2 do.
// Deleting by name hides every version, like a delete marker.
type MockBucketClient struct {
	UploadRequests []MockRequest
	DeleteRequests []MockRequest
	CancelRequests []MockRequest
	SHA1Requests   int

	// LargeObjectThreshold makes objects at least this big list with
	// UnknownSHA1. Zero disables it.
	LargeObjectThreshold int64
	// UnresolvableSHA1 makes ObjectSHA1 find no stored fingerprint.
	UnresolvableSHA1 bool

	lock       sync.Mutex
	clock      clockwork.Clock
	buckets    map[string]bool
	versions   []mockVersion
	unfinished []UnfinishedUpload
	failures   map[string]int
	nextID     int
}

type MockRequest struct {
	Bucket string
	Key    string
	ID     string
}

type mockVersion struct {
	bucket  string
	info    ObjectInfo
	content []byte
}

// alwaysFail makes an injected failure permanent.
const alwaysFail = -1

func NewMockClient(clock clockwork.Clock, buckets ...string) *MockBucketClient {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	known := make(map[string]bool)
	for _, b := range buckets {
		known[b] = true
	}

	return &MockBucketClient{
		UploadRequests: make([]MockRequest, 0),
		DeleteRequests: make([]MockRequest, 0),
		CancelRequests: make([]MockRequest, 0),
		clock:          clock,
		buckets:        known,
		failures:       make(map[string]int),
	}
}

// FailOperation injects failures for "upload:<name>" or "delete:<name>".
// times may be alwaysFail.
func (s *MockBucketClient) FailOperation(op, objectName string, times int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.failures[op+":"+objectName] = times
}

// PutVersion stores a version directly, bypassing request logging.
func (s *MockBucketClient) PutVersion(bucket, objectName string, content []byte, at time.Time) ObjectInfo {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.putLocked(bucket, objectName, content, at)
}

// AddUnfinishedUpload simulates an upload that was interrupted mid-way.
func (s *MockBucketClient) AddUnfinishedUpload(objectName string) UnfinishedUpload {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.nextID++
	upload := UnfinishedUpload{
		UploadID:   "upload-" + strconv.Itoa(s.nextID),
		ObjectName: objectName,
		StartedAt:  s.clock.Now(),
	}
	s.unfinished = append(s.unfinished, upload)

	return upload
}

// Contents returns the latest content per object name in bucket.
func (s *MockBucketClient) Contents(bucket string) map[string][]byte {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make(map[string][]byte)
	for _, v := range s.versions {
		if v.bucket == bucket && v.info.IsLatest {
			result[v.info.Name] = v.content
		}
	}

	return result
}

// VersionCount returns how many versions are stored in bucket.
func (s *MockBucketClient) VersionCount(bucket string) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	count := 0
	for _, v := range s.versions {
		if v.bucket == bucket {
			count++
		}
	}

	return count
}

func (s *MockBucketClient) FindBucket(ctx context.Context, name string) (Bucket, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.buckets[name] {
		return Bucket{}, fmt.Errorf("%w: %q", ErrBucketNotFound, name)
	}

	return Bucket{ID: name, Name: name}, nil
}

func (s *MockBucketClient) ListObjects(ctx context.Context, bucket Bucket, prefix string) ([]ObjectInfo, error) {
	return s.list(ctx, bucket, prefix, true)
}

func (s *MockBucketClient) ListObjectVersions(ctx context.Context, bucket Bucket, prefix string) ([]ObjectInfo, error) {
	return s.list(ctx, bucket, prefix, false)
}

func (s *MockBucketClient) list(ctx context.Context, bucket Bucket, prefix string, latestOnly bool) ([]ObjectInfo, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	objects := make([]ObjectInfo, 0)
	for _, v := range s.versions {
		if v.bucket != bucket.Name || !strings.HasPrefix(v.info.Name, prefix) {
			continue
		}
		if latestOnly && !v.info.IsLatest {
			continue
		}
		info := v.info
		if s.LargeObjectThreshold > 0 && info.Size >= s.LargeObjectThreshold {
			info.ContentSHA1 = UnknownSHA1
		}
		objects = append(objects, info)
	}
	sort.SliceStable(objects, func(i, j int) bool {
		if objects[i].Name != objects[j].Name {
			return objects[i].Name < objects[j].Name
		}
		return objects[i].UploadedAt.After(objects[j].UploadedAt)
	})

	return objects, nil
}

func (s *MockBucketClient) ListUnfinishedUploads(ctx context.Context, bucket Bucket) ([]UnfinishedUpload, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	return append([]UnfinishedUpload{}, s.unfinished...), nil
}

func (s *MockBucketClient) UploadFile(
	ctx context.Context,
	bucket Bucket,
	objectName string,
	body io.Reader,
	size int64,
	sha1 Sha1Hash,
	progress ProgressFunc,
) (ObjectInfo, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ObjectInfo{}, ctxErr
	}
	content, readErr := io.ReadAll(newProgressReader(body, objectName, size, progress))
	if readErr != nil {
		return ObjectInfo{}, readErr
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	s.UploadRequests = append(s.UploadRequests, MockRequest{Bucket: bucket.Name, Key: objectName})
	if s.shouldFailLocked("upload", objectName) {
		s.nextID++
		s.unfinished = append(s.unfinished, UnfinishedUpload{
			UploadID:   "upload-" + strconv.Itoa(s.nextID),
			ObjectName: objectName,
			StartedAt:  s.clock.Now(),
		})
		return ObjectInfo{}, fmt.Errorf("mock upload failure for %s", objectName)
	}

	return s.putLocked(bucket.Name, objectName, content, s.clock.Now()), nil
}

func (s *MockBucketClient) DeleteObject(ctx context.Context, bucket Bucket, objectID, objectName string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.DeleteRequests = append(s.DeleteRequests, MockRequest{Bucket: bucket.Name, Key: objectName, ID: objectID})
	if s.shouldFailLocked("delete", objectName) {
		return fmt.Errorf("mock delete failure for %s", objectName)
	}

	if objectID == "" {
		for i := range s.versions {
			if s.versions[i].bucket == bucket.Name && s.versions[i].info.Name == objectName {
				s.versions[i].info.IsLatest = false
			}
		}
		return nil
	}

	for i, v := range s.versions {
		if v.bucket != bucket.Name || v.info.Name != objectName || v.info.ID != objectID {
			continue
		}
		s.versions = append(s.versions[:i], s.versions[i+1:]...)
		if v.info.IsLatest {
			s.promoteLocked(bucket.Name, objectName)
		}
		return nil
	}

	return fmt.Errorf("no version %s of %s", objectID, objectName)
}

func (s *MockBucketClient) CancelUpload(ctx context.Context, bucket Bucket, upload UnfinishedUpload) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.CancelRequests = append(s.CancelRequests, MockRequest{Bucket: bucket.Name, Key: upload.ObjectName, ID: upload.UploadID})
	for i, u := range s.unfinished {
		if u.UploadID == upload.UploadID {
			s.unfinished = append(s.unfinished[:i], s.unfinished[i+1:]...)
			return nil
		}
	}

	return fmt.Errorf("no such upload %s", upload.UploadID)
}

func (s *MockBucketClient) ObjectSHA1(ctx context.Context, bucket Bucket, obj ObjectInfo) (Sha1Hash, error) {
	if !obj.ContentSHA1.IsUnknown() {
		return obj.ContentSHA1, nil
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.SHA1Requests++
	if s.UnresolvableSHA1 {
		return UnknownSHA1, nil
	}
	for _, v := range s.versions {
		if v.bucket == bucket.Name && v.info.ID == obj.ID {
			return v.info.ContentSHA1, nil
		}
	}

	return UnknownSHA1, fmt.Errorf("no version %s of %s", obj.ID, obj.Name)
}

func (s *MockBucketClient) putLocked(bucket, objectName string, content []byte, at time.Time) ObjectInfo {
	for i := range s.versions {
		if s.versions[i].bucket == bucket && s.versions[i].info.Name == objectName {
			s.versions[i].info.IsLatest = false
		}
	}
	s.nextID++
	sum := sha1.Sum(content)
	info := ObjectInfo{
		ID:          "v" + strconv.Itoa(s.nextID),
		Name:        objectName,
		Size:        int64(len(content)),
		ContentSHA1: Sha1Hash(hex.EncodeToString(sum[:])),
		UploadedAt:  at,
		IsLatest:    true,
	}
	s.buckets[bucket] = true
	s.versions = append(s.versions, mockVersion{bucket: bucket, info: info, content: bytes.Clone(content)})

	return info
}

func (s *MockBucketClient) promoteLocked(bucket, objectName string) {
	newest := -1
	for i, v := range s.versions {
		if v.bucket != bucket || v.info.Name != objectName {
			continue
		}
		if newest < 0 || v.info.UploadedAt.After(s.versions[newest].info.UploadedAt) {
			newest = i
		}
	}
	if newest >= 0 {
		s.versions[newest].info.IsLatest = true
	}
}

func (s *MockBucketClient) shouldFailLocked(op, objectName string) bool {
	key := op + ":" + objectName
	remaining, ok := s.failures[key]
	if !ok || remaining == 0 {
		return false
	}
	if remaining > 0 {
		s.failures[key] = remaining - 1
	}

	return true
}
