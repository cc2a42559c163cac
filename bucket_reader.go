package main

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// RemoteFileRecord is a current object version keyed like a local file.
type RemoteFileRecord struct {
	Key FileKey
	ObjectInfo
}

// BucketContents is the keyed result of one listing.
type BucketContents struct {
	Map   map[FileKey]RemoteFileRecord
	Items []RemoteFileRecord
}

// ReadBucketContents lists the current objects under targetPath.
func ReadBucketContents(ctx context.Context, client BucketClient, bucket Bucket, targetPath string) (BucketContents, error) {
	contents := BucketContents{
		Map:   make(map[FileKey]RemoteFileRecord),
		Items: make([]RemoteFileRecord, 0),
	}

	objects, listErr := client.ListObjects(ctx, bucket, listPrefix(targetPath))
	if listErr != nil {
		return contents, fmt.Errorf("listing bucket %s: %w", bucket.Name, listErr)
	}

	for _, object := range objects {
		if isFolderMarker(object.Name) {
			log.Debug(fmt.Sprintf("Skipping folder marker %s", object.Name))
			continue
		}
		key, keyErr := KeyFromObjectName(targetPath, object.Name)
		if keyErr != nil {
			log.WithError(keyErr).Warn("Skipping object outside target path")
			continue
		}
		record := RemoteFileRecord{Key: key, ObjectInfo: object}
		if existing, dup := contents.Map[key]; dup {
			// a listing should never repeat a current name; keep the newer
			log.Warn(fmt.Sprintf("Bucket listed %s twice, keeping the newer version", object.Name))
			if existing.UploadedAt.After(object.UploadedAt) {
				continue
			}
			for i := range contents.Items {
				if contents.Items[i].Key == key {
					contents.Items[i] = record
				}
			}
			contents.Map[key] = record
			continue
		}
		contents.Items = append(contents.Items, record)
		contents.Map[key] = record
	}

	return contents, nil
}

// isFolderMarker reports the empty objects some tools create to show a
// folder. They never map to a local file.
func isFolderMarker(objectName string) bool {
	return strings.HasSuffix(objectName, "/")
}
