package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var ErrSyncRunning = errors.New("Unable to acquire sync lock")

// ResultMap collects per-key outcomes of one run. A nil error means the
// operation eventually succeeded.
type ResultMap struct {
	Added     map[FileKey]error
	Changed   map[FileKey]error
	Delete    map[FileKey]error
	Unchanged map[FileKey]error

	PermanentFailures []SyncTask
	PreClean          CleanReport
	PostClean         CleanReport
	LocalCount        int
	RemoteCount       int
	Duration          time.Duration

	lock *sync.Mutex
}

func NewResultMap() *ResultMap {
	return &ResultMap{
		Added:             make(map[FileKey]error),
		Changed:           make(map[FileKey]error),
		Delete:            make(map[FileKey]error),
		Unchanged:         make(map[FileKey]error),
		PermanentFailures: make([]SyncTask, 0),
		lock:              new(sync.Mutex),
	}
}

func (r *ResultMap) AddUploadResult(key FileKey, changed bool, result error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if changed {
		r.Changed[key] = result
	} else {
		r.Added[key] = result
	}
}

func (r *ResultMap) AddDeleteResult(key FileKey, result error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.Delete[key] = result
}

func (r *ResultMap) AddUnchanged(key FileKey) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.Unchanged[key] = nil
}

func (r *ResultMap) Summary() string {
	r.lock.Lock()
	defer r.lock.Unlock()

	return fmt.Sprintf("local=%d remote=%d added=%d changed=%d unchanged=%d deleted=%d failed=%d",
		r.LocalCount, r.RemoteCount,
		countOK(r.Added), countOK(r.Changed), len(r.Unchanged), countOK(r.Delete),
		len(r.PermanentFailures))
}

func countOK(m map[FileKey]error) int {
	n := 0
	for _, err := range m {
		if err == nil {
			n++
		}
	}

	return n
}

// Syncer mirrors one source folder into one bucket. A Syncer may be run
// repeatedly but never concurrently with itself.
type Syncer struct {
	Client      BucketClient
	Config      SyncConfig
	Scanner     *Scanner
	Hasher      *ContentHasher
	Cleaner     *BucketCleaner
	Ledger      *HashLedger
	Notifier    Notifier
	Clock       clockwork.Clock
	Concurrency int
	MaxAttempts int
	RetryDelay  time.Duration

	lock *sync.Mutex
}

func NewSyncer(client BucketClient, appConfig AppConfig, sc SyncConfig, ledger *HashLedger, notifier Notifier) *Syncer {
	var cache HashCache
	if ledger != nil {
		cache = ledger
	}

	return &Syncer{
		Client:      client,
		Config:      sc,
		Scanner:     NewScanner(sc),
		Hasher:      NewContentHasher(appFs, cache),
		Cleaner:     NewBucketCleaner(client),
		Ledger:      ledger,
		Notifier:    notifier,
		Clock:       clockwork.NewRealClock(),
		Concurrency: appConfig.Concurrency,
		MaxAttempts: appConfig.MaxAttempts,
		RetryDelay:  appConfig.RetryDelay,
		lock:        new(sync.Mutex),
	}
}

// syncRun is the state of one Run call.
type syncRun struct {
	*Syncer
	bucket Bucket
	queue  *RetryQueue
	result *ResultMap
	log    *log.Entry
}

// Run performs one full sync. Only unrecoverable problems are returned:
// a missing bucket, an unreadable source, a failed listing, an invalid
// configuration or cancellation. Per-file failures end up in the result.
func (s *Syncer) Run(ctx context.Context) (*ResultMap, error) {
	result := NewResultMap()
	if !s.lock.TryLock() {
		log.Warn("Another sync routine is already running. Skipping.")
		return result, ErrSyncRunning
	}
	defer s.lock.Unlock()

	run := &syncRun{
		Syncer: s,
		queue:  NewRetryQueue(s.MaxAttempts, s.RetryDelay, s.Clock),
		result: result,
		log: log.WithFields(log.Fields{
			"run":    uuid.NewString()[:8],
			"source": s.Config.SourceFolder,
			"bucket": s.Config.DestinationBucket,
		}),
	}
	start := s.Clock.Now()
	run.log.Info(fmt.Sprintf("Sync starting for %s.", s.Config.SourceFolder))

	syncErr := run.execute(ctx)
	result.Duration = s.Clock.Now().Sub(start)
	if syncErr != nil {
		run.log.WithError(syncErr).Error(fmt.Sprintf("Sync failed for %s after %s", s.Config.SourceFolder, result.Duration))
	} else {
		run.log.Info(fmt.Sprintf("Sync complete for %s. Took %s. %s", s.Config.SourceFolder, result.Duration, result.Summary()))
	}

	if s.Notifier != nil {
		if notifyErr := s.Notifier.NotifySyncResults(ctx, s.Config, result, syncErr); notifyErr != nil {
			run.log.WithError(notifyErr).Warn("Failed to publish sync results")
		}
	}

	return result, syncErr
}

func (r *syncRun) execute(ctx context.Context) error {
	if pathErr := ValidateTargetPath(r.Config.TargetPath); pathErr != nil {
		return pathErr
	}

	bucket, findErr := r.Client.FindBucket(ctx, r.Config.DestinationBucket)
	if findErr != nil {
		return fmt.Errorf("could not find bucket named %q: %w", r.Config.DestinationBucket, findErr)
	}
	r.bucket = bucket

	local, scanErr := r.Scanner.Scan()
	if scanErr != nil {
		return fmt.Errorf("Error walking local directory: %w", scanErr)
	}
	r.result.LocalCount = len(local.Items)

	remote, listErr := ReadBucketContents(ctx, r.Client, bucket, r.Config.TargetPath)
	if listErr != nil {
		return fmt.Errorf("Error listing bucket: %w", listErr)
	}
	r.result.RemoteCount = len(remote.Items)
	r.log.Info(fmt.Sprintf("Found %d local files and %d objects in %s", len(local.Items), len(remote.Items), bucket.Name))
	r.reportIncomplete()

	r.preClean(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	diff := DiffKeys(local.Map, remote.Map)
	r.log.Info(fmt.Sprintf("%d added, %d removed, %d to compare", diff.Added.Cardinality(), diff.Removed.Cardinality(), diff.Common.Cardinality()))

	if err := r.uploadAdded(ctx, diff, local); err != nil {
		return err
	}
	if err := r.deleteRemoved(ctx, diff, remote); err != nil {
		return err
	}
	if err := r.reconcileCommon(ctx, diff, local, remote); err != nil {
		return err
	}

	// uploads interrupted in this run leave sessions behind
	report, cleanErr := r.Cleaner.PurgeUnfinishedUploads(ctx, bucket)
	if cleanErr != nil {
		r.log.WithError(cleanErr).Warn("Post-sync cleanup failed")
	}
	r.result.PostClean = report

	permanent, drainErr := r.queue.Drain(ctx, r.retry)
	r.result.PermanentFailures = permanent
	if drainErr != nil {
		return drainErr
	}

	r.forgetRemoved(diff)
	return nil
}

func (r *syncRun) preClean(ctx context.Context) {
	if r.Config.PreClean.UnfinishedUploads {
		report, cleanErr := r.Cleaner.PurgeUnfinishedUploads(ctx, r.bucket)
		if cleanErr != nil {
			r.log.WithError(cleanErr).Warn("Pre-sync cleanup of unfinished uploads failed")
		}
		r.result.PreClean.Scanned += report.Scanned
		r.result.PreClean.Deleted += report.Deleted
		r.result.PreClean.Failed += report.Failed
	}
	if r.Config.PreClean.PriorVersions {
		report, cleanErr := r.Cleaner.PurgePriorVersions(ctx, r.bucket, r.Config.TargetPath)
		if cleanErr != nil {
			r.log.WithError(cleanErr).Warn("Pre-sync pruning of prior versions failed")
		}
		r.result.PreClean.Scanned += report.Scanned
		r.result.PreClean.Deleted += report.Deleted
		r.result.PreClean.Failed += report.Failed
	}
}

func (r *syncRun) uploadAdded(ctx context.Context, diff KeyDiff, local DirectoryContents) error {
	return r.forEach(ctx, Sorted(diff.Added), func(ctx context.Context, key FileKey) {
		record := local.Map[key]
		r.log.Info(fmt.Sprintf("Uploading new file %s", record.Path))
		uploadErr := r.upload(ctx, record, "")
		r.result.AddUploadResult(key, false, uploadErr)
		if uploadErr != nil {
			r.queueUpload(record, false, uploadErr)
		}
	})
}

func (r *syncRun) deleteRemoved(ctx context.Context, diff KeyDiff, remote BucketContents) error {
	return r.forEach(ctx, Sorted(diff.Removed), func(ctx context.Context, key FileKey) {
		object := remote.Map[key]
		r.log.Info(fmt.Sprintf("Deleting %s from bucket %s", object.Name, r.bucket.Name))
		delErr := r.Client.DeleteObject(ctx, r.bucket, "", object.Name)
		r.result.AddDeleteResult(key, delErr)
		if delErr != nil {
			r.log.WithError(delErr).Warn(fmt.Sprintf("Error deleting: %s", object.Name))
			r.queue.Enqueue(SyncTask{
				Op:         OpDelete,
				Key:        key,
				ObjectName: object.Name,
				Attempts:   1,
				LastErr:    delErr,
			})
		}
	})
}

func (r *syncRun) reconcileCommon(ctx context.Context, diff KeyDiff, local DirectoryContents, remote BucketContents) error {
	return r.forEach(ctx, Sorted(diff.Common), func(ctx context.Context, key FileKey) {
		localFile := local.Map[key]
		remoteFile := remote.Map[key]

		changed, localHash, compareErr := r.contentChanged(ctx, localFile, remoteFile)
		if compareErr != nil {
			r.log.WithError(compareErr).Warn(fmt.Sprintf("Could not compare %s, uploading it again", key))
			r.result.AddUploadResult(key, true, compareErr)
			r.queueUpload(localFile, true, compareErr)
			return
		}
		if !changed {
			r.log.Debug(fmt.Sprintf("%s and %s are identical, skipping.", localFile.Path, remoteFile.Name))
			r.result.AddUnchanged(key)
			r.markComplete(localFile.Path)
			return
		}

		r.log.Info(fmt.Sprintf("%s has been modified, will update", localFile.Path))
		uploadErr := r.upload(ctx, localFile, localHash)
		r.result.AddUploadResult(key, true, uploadErr)
		if uploadErr != nil {
			r.queueUpload(localFile, true, uploadErr)
		}
	})
}

// contentChanged compares fingerprints. Files of different size differ
// without reading either side.
func (r *syncRun) contentChanged(ctx context.Context, localFile LocalFileRecord, remoteFile RemoteFileRecord) (bool, Sha1Hash, error) {
	if localFile.Size != remoteFile.Size {
		return true, "", nil
	}

	localHash, hashErr := r.Hasher.Hash(localFile)
	if hashErr != nil {
		return false, "", hashErr
	}

	remoteHash := remoteFile.ContentSHA1
	if remoteHash.IsUnknown() {
		resolved, sha1Err := r.Client.ObjectSHA1(ctx, r.bucket, remoteFile.ObjectInfo)
		if sha1Err != nil {
			return false, localHash, sha1Err
		}
		remoteHash = resolved
	}
	if remoteHash.IsUnknown() {
		return true, localHash, nil
	}
	r.log.Debug(fmt.Sprintf("%s:%s - %s:%s", localFile.Path, localHash, remoteFile.Name, remoteHash))

	return !localHash.Equal(remoteHash), localHash, nil
}

// upload sends one local file to its target object name. hash may be empty,
// in which case it is computed first so it can be stored with the object.
func (r *syncRun) upload(ctx context.Context, record LocalFileRecord, hash Sha1Hash) error {
	if hash == "" {
		computed, hashErr := r.Hasher.Hash(record)
		if hashErr != nil {
			return hashErr
		}
		hash = computed
	}

	fd, fileErr := r.Scanner.Fs.Open(record.Path)
	if fileErr != nil {
		return fileErr
	}
	defer fd.Close()

	objectName := TargetObjectName(r.Config.TargetPath, record.Key)
	_, uploadErr := r.Client.UploadFile(ctx, r.bucket, objectName, fd, record.Size, hash, r.progress())
	if uploadErr != nil {
		r.log.WithError(uploadErr).Warn(fmt.Sprintf("Upload of %s failed", record.Path))
		return uploadErr
	}
	r.log.Info(fmt.Sprintf("Uploaded file %s as key %s (%s)", record.Path, objectName, humanize.Bytes(uint64(record.Size))))
	r.markComplete(record.Path)

	return nil
}

func (r *syncRun) queueUpload(record LocalFileRecord, changed bool, cause error) {
	r.queue.Enqueue(SyncTask{
		Op:         OpUpload,
		Key:        record.Key,
		LocalPath:  record.Path,
		ObjectName: TargetObjectName(r.Config.TargetPath, record.Key),
		Replace:    changed,
		Attempts:   1,
		LastErr:    cause,
	})
}

// retry re-runs a queued task. Uploads re-stat the file so a retry sends
// its current content.
func (r *syncRun) retry(ctx context.Context, task SyncTask) error {
	switch task.Op {
	case OpDelete:
		delErr := r.Client.DeleteObject(ctx, r.bucket, "", task.ObjectName)
		r.result.AddDeleteResult(task.Key, delErr)
		return delErr
	case OpUpload:
		changed := task.Replace
		info, statErr := r.Scanner.Fs.Stat(task.LocalPath)
		if statErr != nil {
			r.result.AddUploadResult(task.Key, changed, statErr)
			return statErr
		}
		record := LocalFileRecord{Key: task.Key, Path: task.LocalPath, Size: info.Size(), ModTime: info.ModTime()}
		uploadErr := r.upload(ctx, record, "")
		r.result.AddUploadResult(task.Key, changed, uploadErr)
		return uploadErr
	default:
		return fmt.Errorf("unknown sync operation %q", task.Op)
	}
}

// forEach runs fn for every key on at most Concurrency workers and waits
// for all of them. It stops starting new work once ctx is done.
func (r *syncRun) forEach(ctx context.Context, keys []FileKey, fn func(context.Context, FileKey)) error {
	limit := r.Concurrency
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, key := range keys {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			fn(gctx, key)
			return nil
		})
	}
	_ = g.Wait()

	return ctx.Err()
}

func (r *syncRun) progress() ProgressFunc {
	var lock sync.Mutex
	lastQuarter := int64(-1)
	return func(objectName string, sent, total int64) {
		if total <= 0 {
			return
		}
		quarter := sent * 4 / total
		lock.Lock()
		if quarter <= lastQuarter {
			lock.Unlock()
			return
		}
		lastQuarter = quarter
		lock.Unlock()
		r.log.Debug(fmt.Sprintf("Uploading %s: %s of %s", objectName, humanize.Bytes(uint64(sent)), humanize.Bytes(uint64(total))))
	}
}

func (r *syncRun) markComplete(path string) {
	if r.Ledger == nil {
		return
	}
	if err := r.Ledger.MarkComplete(path); err != nil {
		r.log.WithError(err).Warn("Failed to update hash ledger")
	}
}

func (r *syncRun) reportIncomplete() {
	if r.Ledger == nil {
		return
	}
	paths, err := r.Ledger.IncompletePaths()
	if err != nil {
		r.log.WithError(err).Warn("Failed to read hash ledger")
		return
	}
	root := filepath.Clean(r.Config.SourceFolder) + string(filepath.Separator)
	pending := 0
	for _, p := range paths {
		if strings.HasPrefix(p, root) {
			pending++
		}
	}
	if pending > 0 {
		r.log.Info(fmt.Sprintf("%d files were hashed by an earlier run but never finished uploading", pending))
	}
}

func (r *syncRun) forgetRemoved(diff KeyDiff) {
	if r.Ledger == nil || diff.Removed.Cardinality() == 0 {
		return
	}
	paths := make([]string, 0, diff.Removed.Cardinality())
	for _, key := range Sorted(diff.Removed) {
		paths = append(paths, filepath.Join(r.Config.SourceFolder, filepath.FromSlash(string(key))))
	}
	if err := r.Ledger.Forget(paths); err != nil {
		r.log.WithError(err).Warn("Failed to prune hash ledger")
	}
}

// Clean runs both cleaner passes against the configured bucket.
func (s *Syncer) Clean(ctx context.Context) (CleanReport, CleanReport, error) {
	bucket, findErr := s.Client.FindBucket(ctx, s.Config.DestinationBucket)
	if findErr != nil {
		return CleanReport{}, CleanReport{}, fmt.Errorf("could not find bucket named %q: %w", s.Config.DestinationBucket, findErr)
	}

	uploads, uploadsErr := s.Cleaner.PurgeUnfinishedUploads(ctx, bucket)
	if uploadsErr != nil {
		return uploads, CleanReport{}, uploadsErr
	}
	versions, versionsErr := s.Cleaner.PurgePriorVersions(ctx, bucket, s.Config.TargetPath)

	return uploads, versions, versionsErr
}
