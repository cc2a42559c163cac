package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
)

// CleanReport counts what one cleaner pass looked at and removed.
type CleanReport struct {
	Scanned int
	Deleted int
	Failed  int
}

// BucketCleaner removes storage left behind by interrupted uploads and
// overwritten objects. Both passes are idempotent; per-item failures are
// counted, only listing errors are returned.
type BucketCleaner struct {
	Client BucketClient
}

func NewBucketCleaner(client BucketClient) *BucketCleaner {
	return &BucketCleaner{Client: client}
}

func (c *BucketCleaner) PurgeUnfinishedUploads(ctx context.Context, bucket Bucket) (CleanReport, error) {
	var report CleanReport

	uploads, listErr := c.Client.ListUnfinishedUploads(ctx, bucket)
	if listErr != nil {
		return report, fmt.Errorf("listing unfinished uploads: %w", listErr)
	}
	report.Scanned = len(uploads)
	log.Info(fmt.Sprintf("Found %d unfinished large files to delete in %s", len(uploads), bucket.Name))

	for _, upload := range uploads {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return report, ctxErr
		}
		log.Info(fmt.Sprintf("Cancelling upload %s of %s started %s", upload.UploadID, upload.ObjectName, humanize.Time(upload.StartedAt)))
		if cancelErr := c.Client.CancelUpload(ctx, bucket, upload); cancelErr != nil {
			log.WithError(cancelErr).WithField("upload", upload.UploadID).Warn("Failed to cancel unfinished upload")
			report.Failed++
			continue
		}
		report.Deleted++
	}

	return report, nil
}

// PurgePriorVersions keeps only the newest version of every key under
// targetPath.
func (c *BucketCleaner) PurgePriorVersions(ctx context.Context, bucket Bucket, targetPath string) (CleanReport, error) {
	var report CleanReport

	versions, listErr := c.Client.ListObjectVersions(ctx, bucket, listPrefix(targetPath))
	if listErr != nil {
		return report, fmt.Errorf("listing object versions: %w", listErr)
	}
	report.Scanned = len(versions)

	byKey := make(map[FileKey][]ObjectInfo)
	for _, v := range versions {
		if isFolderMarker(v.Name) {
			continue
		}
		key, keyErr := KeyFromObjectName(targetPath, v.Name)
		if keyErr != nil {
			log.WithError(keyErr).Debug("Skipping version outside target path")
			continue
		}
		byKey[key] = append(byKey[key], v)
	}

	for key, keyVersions := range byKey {
		for _, stale := range supersededVersions(keyVersions) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}
			log.Info(fmt.Sprintf("Deleting prior version %s of %s uploaded %s", stale.ID, key, stale.UploadedAt))
			if delErr := c.Client.DeleteObject(ctx, bucket, stale.ID, stale.Name); delErr != nil {
				log.WithError(delErr).WithField("object", stale.Name).Warn("Failed to delete prior version")
				report.Failed++
				continue
			}
			report.Deleted++
		}
	}

	log.Info(fmt.Sprintf("Pruned %d of %d versions in %s", report.Deleted, report.Scanned, bucket.Name))
	return report, nil
}

// supersededVersions returns every version except the newest. Equal upload
// times fall back to the greater version id so the survivor is stable.
func supersededVersions(versions []ObjectInfo) []ObjectInfo {
	if len(versions) < 2 {
		return nil
	}
	sorted := append([]ObjectInfo{}, versions...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].UploadedAt.Equal(sorted[j].UploadedAt) {
			return sorted[i].UploadedAt.After(sorted[j].UploadedAt)
		}
		return sorted[i].ID > sorted[j].ID
	})

	return sorted[1:]
}
