package main

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

const (
	// sha1MetadataKey matches the file info name B2 uses for large files, so
	// objects uploaded through the native B2 tooling resolve the same way.
	sha1MetadataKey = "large_file_sha1"

	sha1CacheSize = 8192
)

type S3Client struct {
	Client   *s3.Client
	uploader *manager.Uploader
	sha1s    *lru.Cache[string, Sha1Hash]
}

func NewS3BucketClient(ctx context.Context, appConfig AppConfig) (BucketClient, error) {
	var bucketClient BucketClient

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(appConfig.Provider.Region),
	}
	if appConfig.Provider.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(appConfig.Provider.Profile))
	}
	if appConfig.Provider.KeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(appConfig.Provider.KeyID, appConfig.Provider.ApplicationKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return bucketClient, fmt.Errorf("Error creating s3 client: %w", err)
	}

	awsS3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if appConfig.Provider.Endpoint != "" {
			o.BaseEndpoint = aws.String(appConfig.Provider.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3Client(awsS3Client, appConfig.Concurrency, appConfig.PartSize), nil
}

func NewS3Client(client *s3.Client, concurrency int, partSize int64) *S3Client {
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if concurrency > 0 {
			u.Concurrency = concurrency
		}
		if partSize >= manager.MinUploadPartSize {
			u.PartSize = partSize
		}
	})
	// only errors on a non-positive size
	sha1s, _ := lru.New[string, Sha1Hash](sha1CacheSize)

	return &S3Client{Client: client, uploader: uploader, sha1s: sha1s}
}

func (s *S3Client) FindBucket(ctx context.Context, name string) (Bucket, error) {
	_, headErr := s.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(name),
	})
	if headErr != nil {
		if isNotFound(headErr) {
			return Bucket{}, fmt.Errorf("%w: %q", ErrBucketNotFound, name)
		}
		return Bucket{}, fmt.Errorf("head bucket %q: %w", name, headErr)
	}

	return Bucket{ID: name, Name: name}, nil
}

func (s *S3Client) ListObjects(ctx context.Context, bucket Bucket, prefix string) ([]ObjectInfo, error) {
	return s.listVersions(ctx, bucket, prefix, true)
}

func (s *S3Client) ListObjectVersions(ctx context.Context, bucket Bucket, prefix string) ([]ObjectInfo, error) {
	return s.listVersions(ctx, bucket, prefix, false)
}

// listVersions pages through ListObjectVersions. Current objects are read
// from the version listing too, since only it carries the version ids
// needed to delete an exact version. Keys whose latest entry is a delete
// marker never appear with IsLatest set and so drop out of latestOnly.
func (s *S3Client) listVersions(ctx context.Context, bucket Bucket, prefix string, latestOnly bool) ([]ObjectInfo, error) {
	objects := make([]ObjectInfo, 0)
	listParams := &s3.ListObjectVersionsInput{
		Bucket: aws.String(bucket.Name),
	}
	if prefix != "" {
		listParams.Prefix = aws.String(prefix)
	}

	for {
		page, pageErr := s.Client.ListObjectVersions(ctx, listParams)
		if pageErr != nil {
			return objects, fmt.Errorf("list object versions in %s: %w", bucket.Name, pageErr)
		}
		for _, version := range page.Versions {
			isLatest := aws.ToBool(version.IsLatest)
			if latestOnly && !isLatest {
				continue
			}
			objects = append(objects, ObjectInfo{
				ID:          aws.ToString(version.VersionId),
				Name:        aws.ToString(version.Key),
				Size:        aws.ToInt64(version.Size),
				ContentSHA1: UnknownSHA1,
				UploadedAt:  aws.ToTime(version.LastModified),
				IsLatest:    isLatest,
			})
		}
		if !aws.ToBool(page.IsTruncated) {
			break
		}
		listParams.KeyMarker = page.NextKeyMarker
		listParams.VersionIdMarker = page.NextVersionIdMarker
	}

	return objects, nil
}

func (s *S3Client) ListUnfinishedUploads(ctx context.Context, bucket Bucket) ([]UnfinishedUpload, error) {
	uploads := make([]UnfinishedUpload, 0)
	listParams := &s3.ListMultipartUploadsInput{
		Bucket: aws.String(bucket.Name),
	}

	for {
		page, pageErr := s.Client.ListMultipartUploads(ctx, listParams)
		if pageErr != nil {
			return uploads, fmt.Errorf("list multipart uploads in %s: %w", bucket.Name, pageErr)
		}
		for _, upload := range page.Uploads {
			uploads = append(uploads, UnfinishedUpload{
				UploadID:   aws.ToString(upload.UploadId),
				ObjectName: aws.ToString(upload.Key),
				StartedAt:  aws.ToTime(upload.Initiated),
			})
		}
		if !aws.ToBool(page.IsTruncated) {
			break
		}
		listParams.KeyMarker = page.NextKeyMarker
		listParams.UploadIdMarker = page.NextUploadIdMarker
	}

	return uploads, nil
}

func (s *S3Client) UploadFile(
	ctx context.Context,
	bucket Bucket,
	objectName string,
	body io.Reader,
	size int64,
	sha1 Sha1Hash,
	progress ProgressFunc,
) (ObjectInfo, error) {
	putReq := &s3.PutObjectInput{
		Bucket: aws.String(bucket.Name),
		Key:    aws.String(objectName),
		Body:   newProgressReader(body, objectName, size, progress),
	}
	if !sha1.IsUnknown() {
		putReq.Metadata = map[string]string{sha1MetadataKey: strings.ToLower(sha1.String())}
	}

	out, putErr := s.uploader.Upload(ctx, putReq)
	if putErr != nil {
		return ObjectInfo{}, putErr
	}

	info := ObjectInfo{
		ID:          aws.ToString(out.VersionID),
		Name:        objectName,
		Size:        size,
		ContentSHA1: sha1,
		UploadedAt:  time.Now().UTC(),
		IsLatest:    true,
	}
	if info.ID != "" && !sha1.IsUnknown() {
		s.sha1s.Add(sha1CacheKey(info), sha1)
	}

	return info, nil
}

func (s *S3Client) DeleteObject(ctx context.Context, bucket Bucket, objectID, objectName string) error {
	delReq := &s3.DeleteObjectInput{
		Bucket: aws.String(bucket.Name),
		Key:    aws.String(objectName),
	}
	if objectID != "" {
		delReq.VersionId = aws.String(objectID)
	}
	_, delErr := s.Client.DeleteObject(ctx, delReq)

	return delErr
}

func (s *S3Client) CancelUpload(ctx context.Context, bucket Bucket, upload UnfinishedUpload) error {
	_, abortErr := s.Client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket.Name),
		Key:      aws.String(upload.ObjectName),
		UploadId: aws.String(upload.UploadID),
	})

	return abortErr
}

// ObjectSHA1 reads the fingerprint from object metadata, falling back to an
// S3 SHA-1 checksum when the object was uploaded in a single part with one.
// Objects carrying neither resolve to UnknownSHA1.
func (s *S3Client) ObjectSHA1(ctx context.Context, bucket Bucket, obj ObjectInfo) (Sha1Hash, error) {
	if !obj.ContentSHA1.IsUnknown() {
		return obj.ContentSHA1, nil
	}
	cacheKey := sha1CacheKey(obj)
	if cached, ok := s.sha1s.Get(cacheKey); ok {
		return cached, nil
	}

	headReq := &s3.HeadObjectInput{
		Bucket:       aws.String(bucket.Name),
		Key:          aws.String(obj.Name),
		ChecksumMode: types.ChecksumModeEnabled,
	}
	if obj.ID != "" {
		headReq.VersionId = aws.String(obj.ID)
	}
	head, headErr := s.Client.HeadObject(ctx, headReq)
	if headErr != nil {
		return UnknownSHA1, fmt.Errorf("head object %s: %w", obj.Name, headErr)
	}

	hash := sha1FromHead(head)
	if hash.IsUnknown() {
		log.WithField("object", obj.Name).Debug("Object carries no SHA-1, treating as changed")
		return UnknownSHA1, nil
	}
	s.sha1s.Add(cacheKey, hash)

	return hash, nil
}

// sha1FromHead prefers the metadata written on upload. Composite checksums
// of multipart uploads (suffixed "-<parts>") are not a content SHA-1.
func sha1FromHead(head *s3.HeadObjectOutput) Sha1Hash {
	if fromMeta := head.Metadata[sha1MetadataKey]; fromMeta != "" {
		return Sha1Hash(strings.ToLower(fromMeta))
	}
	checksum := aws.ToString(head.ChecksumSHA1)
	if checksum == "" || strings.Contains(checksum, "-") {
		return UnknownSHA1
	}
	raw, decodeErr := base64.StdEncoding.DecodeString(checksum)
	if decodeErr != nil || len(raw) != sha1.Size {
		return UnknownSHA1
	}

	return Sha1Hash(hex.EncodeToString(raw))
}

func sha1CacheKey(obj ObjectInfo) string {
	return obj.Name + "\x00" + obj.ID
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchBucket", "BucketNotFound":
			return true
		}
	}

	return false
}
