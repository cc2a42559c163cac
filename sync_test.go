package main

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const mockBucket = "not-real-bucket"

func sha1Of(content string) Sha1Hash {
	sum := sha1.Sum([]byte(content))
	return Sha1Hash(hex.EncodeToString(sum[:]))
}

func newTestSyncer(fs afero.Fs, client BucketClient, sc SyncConfig) *Syncer {
	appConfig := AppConfig{Concurrency: 2, MaxAttempts: 3}
	syncer := NewSyncer(client, appConfig, sc, nil, nil)
	syncer.Scanner.Fs = fs
	syncer.Hasher.Fs = fs
	syncer.Clock = clockwork.NewFakeClock()

	return syncer
}

// uploadedKeys returns the keys that were uploaded successfully.
func uploadedKeys(results *ResultMap) []FileKey {
	results.lock.Lock()
	defer results.lock.Unlock()
	keys := make([]FileKey, 0)
	for _, m := range []map[FileKey]error{results.Added, results.Changed} {
		for k, err := range m {
			if err == nil {
				keys = append(keys, k)
			}
		}
	}
	slices.Sort(keys)

	return keys
}

// deletedKeys returns the keys whose remote object was deleted.
func deletedKeys(results *ResultMap) []FileKey {
	results.lock.Lock()
	defer results.lock.Unlock()
	keys := make([]FileKey, 0)
	for k, err := range results.Delete {
		if err == nil {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	return keys
}

func mockSyncConfig() SyncConfig {
	return SyncConfig{
		SourceFolder:      "/folder1",
		DestinationBucket: mockBucket,
		TargetPath:        "backup",
	}
}

func TestSyncMixedChanges(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMockFiles(t, fs, map[string]string{
		"/folder1/a.txt": "content one",
		"/folder1/b.txt": "content two",
	})
	mockClient := NewMockClient(nil, mockBucket)
	mockClient.PutVersion(mockBucket, "backup/a.txt", []byte("content one"), time.Now())
	mockClient.PutVersion(mockBucket, "backup/c.txt", []byte("content three"), time.Now())

	results, syncErr := newTestSyncer(fs, mockClient, mockSyncConfig()).Run(context.Background())

	require.NoError(t, syncErr)
	assert.Equal(t, []FileKey{"b.txt"}, uploadedKeys(results))
	assert.Equal(t, []FileKey{"c.txt"}, deletedKeys(results))
	assert.Contains(t, results.Unchanged, FileKey("a.txt"))
	assert.Empty(t, results.PermanentFailures)
	assert.Len(t, mockClient.UploadRequests, 1)
	assert.Equal(t, map[string][]byte{
		"backup/a.txt": []byte("content one"),
		"backup/b.txt": []byte("content two"),
	}, mockClient.Contents(mockBucket))
}

func TestSyncOverwritesChangedFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMockFiles(t, fs, map[string]string{"/folder1/a.txt": "new!"})
	mockClient := NewMockClient(nil, mockBucket)
	mockClient.PutVersion(mockBucket, "backup/a.txt", []byte("old!"), time.Now().Add(-time.Hour))
	syncer := newTestSyncer(fs, mockClient, mockSyncConfig())

	results, syncErr := syncer.Run(context.Background())

	require.NoError(t, syncErr)
	assert.Len(t, mockClient.UploadRequests, 1)
	assert.Contains(t, results.Changed, FileKey("a.txt"))
	assert.Nil(t, results.Changed["a.txt"])

	remote, listErr := ReadBucketContents(context.Background(), mockClient, Bucket{ID: mockBucket, Name: mockBucket}, "backup")
	require.NoError(t, listErr)
	require.Len(t, remote.Items, 1)
	assert.Equal(t, sha1Of("new!"), remote.Map["a.txt"].ContentSHA1)
}

func TestSyncOverwritesFileOfDifferentSize(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMockFiles(t, fs, map[string]string{"/folder1/a.txt": "grown content"})
	mockClient := NewMockClient(nil, mockBucket)
	mockClient.PutVersion(mockBucket, "backup/a.txt", []byte("short"), time.Now())

	results, syncErr := newTestSyncer(fs, mockClient, mockSyncConfig()).Run(context.Background())

	require.NoError(t, syncErr)
	assert.Equal(t, []FileKey{"a.txt"}, uploadedKeys(results))
	assert.Equal(t, []byte("grown content"), mockClient.Contents(mockBucket)["backup/a.txt"])
}

func TestSyncIsIdempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMockFiles(t, fs, map[string]string{
		"/folder1/a.txt":         "a",
		"/folder1/folder2/b.txt": "b",
	})
	mockClient := NewMockClient(nil, mockBucket)
	syncer := newTestSyncer(fs, mockClient, mockSyncConfig())

	_, syncErr := syncer.Run(context.Background())
	require.NoError(t, syncErr)
	uploads := len(mockClient.UploadRequests)
	assert.Equal(t, 2, uploads)

	results, syncErr := syncer.Run(context.Background())
	require.NoError(t, syncErr)
	assert.Len(t, mockClient.UploadRequests, uploads)
	assert.Empty(t, mockClient.DeleteRequests)
	assert.Empty(t, uploadedKeys(results))
	assert.Len(t, results.Unchanged, 2)
}

func TestSyncKeysRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMockFiles(t, fs, map[string]string{
		"/folder1/a.txt":              "a",
		"/folder1/folder2/deep/b.txt": "b",
	})
	mockClient := NewMockClient(nil, mockBucket)
	syncer := newTestSyncer(fs, mockClient, mockSyncConfig())

	_, syncErr := syncer.Run(context.Background())
	require.NoError(t, syncErr)

	local, scanErr := syncer.Scanner.Scan()
	require.NoError(t, scanErr)
	remote, listErr := ReadBucketContents(context.Background(), mockClient, Bucket{ID: mockBucket, Name: mockBucket}, "backup")
	require.NoError(t, listErr)

	diff := DiffKeys(local.Map, remote.Map)
	assert.Zero(t, diff.Added.Cardinality())
	assert.Zero(t, diff.Removed.Cardinality())
	assert.Equal(t, 2, diff.Common.Cardinality())
}

func TestSyncResolvesUnknownRemoteSHA1(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMockFiles(t, fs, map[string]string{"/folder1/big.bin": "pretend this is large"})
	mockClient := NewMockClient(nil, mockBucket)
	mockClient.LargeObjectThreshold = 10
	mockClient.PutVersion(mockBucket, "backup/big.bin", []byte("pretend this is large"), time.Now())

	results, syncErr := newTestSyncer(fs, mockClient, mockSyncConfig()).Run(context.Background())

	require.NoError(t, syncErr)
	assert.Equal(t, 1, mockClient.SHA1Requests)
	assert.Empty(t, mockClient.UploadRequests)
	assert.Contains(t, results.Unchanged, FileKey("big.bin"))
}

func TestSyncUploadsWhenRemoteSHA1Unresolvable(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMockFiles(t, fs, map[string]string{"/folder1/big.bin": "pretend this is large"})
	mockClient := NewMockClient(nil, mockBucket)
	mockClient.LargeObjectThreshold = 10
	mockClient.UnresolvableSHA1 = true
	mockClient.PutVersion(mockBucket, "backup/big.bin", []byte("pretend this is large"), time.Now())

	results, syncErr := newTestSyncer(fs, mockClient, mockSyncConfig()).Run(context.Background())

	require.NoError(t, syncErr)
	assert.Equal(t, 1, mockClient.SHA1Requests)
	assert.Equal(t, []FileKey{"big.bin"}, uploadedKeys(results))
	assert.Contains(t, results.Changed, FileKey("big.bin"))
	assert.NotContains(t, results.Unchanged, FileKey("big.bin"))
}

func TestSyncRemovedKeyStaysRemoved(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fs := afero.NewMemMapFs()
	writeMockFiles(t, fs, map[string]string{"/folder1/a.txt": "content one"})
	mockClient := NewMockClient(clock, mockBucket)
	mockClient.PutVersion(mockBucket, "backup/a.txt", []byte("content one"), clock.Now())
	mockClient.PutVersion(mockBucket, "backup/c.txt", []byte("old c"), clock.Now())
	clock.Advance(time.Minute)
	mockClient.PutVersion(mockBucket, "backup/c.txt", []byte("new c"), clock.Now())
	syncer := newTestSyncer(fs, mockClient, mockSyncConfig())

	results, syncErr := syncer.Run(context.Background())
	require.NoError(t, syncErr)
	assert.Equal(t, []FileKey{"c.txt"}, deletedKeys(results))
	assert.Equal(t, map[string][]byte{
		"backup/a.txt": []byte("content one"),
	}, mockClient.Contents(mockBucket))

	results, syncErr = syncer.Run(context.Background())
	require.NoError(t, syncErr)
	assert.Empty(t, deletedKeys(results))
	assert.Empty(t, uploadedKeys(results))
	require.Len(t, mockClient.DeleteRequests, 1)
	assert.Empty(t, mockClient.DeleteRequests[0].ID)
	// both versions of c.txt remain as history
	assert.Equal(t, 3, mockClient.VersionCount(mockBucket))
}

func TestSyncIgnoresFolderMarkers(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMockFiles(t, fs, map[string]string{"/folder1/photos/a.txt": "a"})
	mockClient := NewMockClient(nil, mockBucket)
	mockClient.PutVersion(mockBucket, "photos/", nil, time.Now())
	mockClient.PutVersion(mockBucket, "photos/a.txt", []byte("a"), time.Now())
	sc := mockSyncConfig()
	sc.TargetPath = ""

	results, syncErr := newTestSyncer(fs, mockClient, sc).Run(context.Background())

	require.NoError(t, syncErr)
	assert.Empty(t, mockClient.DeleteRequests)
	assert.Contains(t, results.Unchanged, FileKey("photos/a.txt"))
	assert.Contains(t, mockClient.Contents(mockBucket), "photos/")
}

func TestSyncPostCleanWithEnvironmentConfig(t *testing.T) {
	clearSyncEnv(t)
	t.Setenv("SOURCE_DIR", "/folder1")
	t.Setenv("TARGET_BUCKET", mockBucket)
	t.Setenv("TARGET_PATH", "backup")
	appConfig, configErr := LoadConfig("")
	require.NoError(t, configErr)
	require.Len(t, appConfig.Sync, 1)

	fs := afero.NewMemMapFs()
	writeMockFiles(t, fs, map[string]string{"/folder1/a.txt": "a"})
	mockClient := NewMockClient(nil, mockBucket)
	mockClient.FailOperation("upload", "backup/a.txt", 1)

	results, syncErr := newTestSyncer(fs, mockClient, appConfig.Sync[0]).Run(context.Background())

	require.NoError(t, syncErr)
	// the failed first upload left a session behind
	assert.Equal(t, 1, results.PostClean.Deleted)
	leftover, listErr := mockClient.ListUnfinishedUploads(context.Background(), Bucket{ID: mockBucket, Name: mockBucket})
	require.NoError(t, listErr)
	assert.Empty(t, leftover)
	assert.Equal(t, []byte("a"), mockClient.Contents(mockBucket)["backup/a.txt"])
}

func TestSyncBucketNotFound(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMockFiles(t, fs, map[string]string{"/folder1/a.txt": "a"})
	mockClient := NewMockClient(nil)

	_, syncErr := newTestSyncer(fs, mockClient, mockSyncConfig()).Run(context.Background())

	assert.ErrorIs(t, syncErr, ErrBucketNotFound)
	assert.Empty(t, mockClient.UploadRequests)
}

func TestSyncMissingSourceFolder(t *testing.T) {
	mockClient := NewMockClient(nil, mockBucket)
	mockClient.PutVersion(mockBucket, "backup/a.txt", []byte("a"), time.Now())

	_, syncErr := newTestSyncer(afero.NewMemMapFs(), mockClient, mockSyncConfig()).Run(context.Background())

	// an unreadable root must never be mistaken for an empty one
	assert.Error(t, syncErr)
	assert.Empty(t, mockClient.DeleteRequests)
}

func TestSyncInvalidTargetPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMockFiles(t, fs, map[string]string{"/folder1/a.txt": "a"})
	sc := mockSyncConfig()
	sc.TargetPath = "backup/"

	_, syncErr := newTestSyncer(fs, NewMockClient(nil, mockBucket), sc).Run(context.Background())

	assert.ErrorIs(t, syncErr, ErrInvalidTargetPath)
}

func TestSyncLeavesObjectsOutsideTargetPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/folder1", 0o755))
	mockClient := NewMockClient(nil, mockBucket)
	mockClient.PutVersion(mockBucket, "other/a.txt", []byte("a"), time.Now())
	mockClient.PutVersion(mockBucket, "backup2/b.txt", []byte("b"), time.Now())

	_, syncErr := newTestSyncer(fs, mockClient, mockSyncConfig()).Run(context.Background())

	require.NoError(t, syncErr)
	assert.Empty(t, mockClient.DeleteRequests)
	assert.Len(t, mockClient.Contents(mockBucket), 2)
}

func TestSyncRetriesFailedUpload(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMockFiles(t, fs, map[string]string{"/folder1/a.txt": "a"})
	mockClient := NewMockClient(nil, mockBucket)
	mockClient.FailOperation("upload", "backup/a.txt", 1)

	results, syncErr := newTestSyncer(fs, mockClient, mockSyncConfig()).Run(context.Background())

	require.NoError(t, syncErr)
	assert.Len(t, mockClient.UploadRequests, 2)
	assert.Empty(t, results.PermanentFailures)
	assert.Equal(t, []FileKey{"a.txt"}, uploadedKeys(results))
	assert.Equal(t, []byte("a"), mockClient.Contents(mockBucket)["backup/a.txt"])
}

func TestSyncGivesUpAfterMaxAttempts(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMockFiles(t, fs, map[string]string{
		"/folder1/a.txt": "a",
		"/folder1/b.txt": "b",
	})
	mockClient := NewMockClient(nil, mockBucket)
	mockClient.FailOperation("upload", "backup/a.txt", alwaysFail)

	results, syncErr := newTestSyncer(fs, mockClient, mockSyncConfig()).Run(context.Background())

	// exhausted retries are reported, not fatal
	require.NoError(t, syncErr)
	require.Len(t, results.PermanentFailures, 1)
	assert.Equal(t, FileKey("a.txt"), results.PermanentFailures[0].Key)
	assert.Equal(t, 3, results.PermanentFailures[0].Attempts)
	assert.Error(t, results.Added["a.txt"])
	assert.Equal(t, []FileKey{"b.txt"}, uploadedKeys(results))

	attempts := 0
	for _, req := range mockClient.UploadRequests {
		if req.Key == "backup/a.txt" {
			attempts++
		}
	}
	assert.Equal(t, 3, attempts)
}

func TestSyncRetriesFailedDelete(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/folder1", 0o755))
	mockClient := NewMockClient(nil, mockBucket)
	mockClient.PutVersion(mockBucket, "backup/gone.txt", []byte("x"), time.Now())
	mockClient.FailOperation("delete", "backup/gone.txt", 1)

	results, syncErr := newTestSyncer(fs, mockClient, mockSyncConfig()).Run(context.Background())

	require.NoError(t, syncErr)
	assert.Len(t, mockClient.DeleteRequests, 2)
	assert.Equal(t, []FileKey{"gone.txt"}, deletedKeys(results))
	assert.Empty(t, mockClient.Contents(mockBucket))
}

func TestSyncCleansUnfinishedUploads(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMockFiles(t, fs, map[string]string{"/folder1/a.txt": "a"})
	mockClient := NewMockClient(nil, mockBucket)
	mockClient.AddUnfinishedUpload("backup/crashed.bin")
	mockClient.FailOperation("upload", "backup/a.txt", 1)
	sc := mockSyncConfig()
	sc.PreClean.UnfinishedUploads = true

	results, syncErr := newTestSyncer(fs, mockClient, sc).Run(context.Background())

	require.NoError(t, syncErr)
	assert.Equal(t, 1, results.PreClean.Deleted)
	// the failed first attempt left one behind
	assert.Equal(t, 1, results.PostClean.Deleted)
	assert.Len(t, mockClient.CancelRequests, 2)

	leftover, listErr := mockClient.ListUnfinishedUploads(context.Background(), Bucket{ID: mockBucket, Name: mockBucket})
	require.NoError(t, listErr)
	assert.Empty(t, leftover)
}

func TestSyncPrunesPriorVersions(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fs := afero.NewMemMapFs()
	writeMockFiles(t, fs, map[string]string{"/folder1/a.txt": "v3"})
	mockClient := NewMockClient(clock, mockBucket)
	for _, content := range []string{"v1", "v2", "v3"} {
		mockClient.PutVersion(mockBucket, "backup/a.txt", []byte(content), clock.Now())
		clock.Advance(time.Minute)
	}
	sc := mockSyncConfig()
	sc.PreClean.PriorVersions = true

	results, syncErr := newTestSyncer(fs, mockClient, sc).Run(context.Background())

	require.NoError(t, syncErr)
	assert.Equal(t, 2, results.PreClean.Deleted)
	assert.Equal(t, 1, mockClient.VersionCount(mockBucket))
	assert.Empty(t, mockClient.UploadRequests)
}

func TestSyncCancelled(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMockFiles(t, fs, map[string]string{"/folder1/a.txt": "a"})
	mockClient := NewMockClient(nil, mockBucket)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, syncErr := newTestSyncer(fs, mockClient, mockSyncConfig()).Run(ctx)

	assert.ErrorIs(t, syncErr, context.Canceled)
	assert.Empty(t, mockClient.UploadRequests)
}

func TestSyncSkipsWhenAlreadyRunning(t *testing.T) {
	syncer := newTestSyncer(afero.NewMemMapFs(), NewMockClient(nil, mockBucket), mockSyncConfig())
	syncer.lock.Lock()
	defer syncer.lock.Unlock()

	_, syncErr := syncer.Run(context.Background())

	assert.ErrorIs(t, syncErr, ErrSyncRunning)
}

func TestSyncNotifiesResults(t *testing.T) {
	ctrl := gomock.NewController(t)
	fs := afero.NewMemMapFs()
	writeMockFiles(t, fs, map[string]string{"/folder1/a.txt": "a"})
	sc := mockSyncConfig()
	syncer := newTestSyncer(fs, NewMockClient(nil, mockBucket), sc)

	notifier := NewMockNotifier(ctrl)
	notifier.EXPECT().
		NotifySyncResults(gomock.Any(), sc, gomock.Any(), gomock.Nil()).
		DoAndReturn(func(ctx context.Context, syncConfig SyncConfig, results *ResultMap, syncErr error) error {
			assert.Equal(t, []FileKey{"a.txt"}, uploadedKeys(results))
			return errors.New("publish failed")
		})
	syncer.Notifier = notifier

	// a failing notifier does not fail the run
	_, syncErr := syncer.Run(context.Background())
	assert.NoError(t, syncErr)
}

func TestSyncNotifiesFatalError(t *testing.T) {
	ctrl := gomock.NewController(t)
	syncer := newTestSyncer(afero.NewMemMapFs(), NewMockClient(nil), mockSyncConfig())

	notifier := NewMockNotifier(ctrl)
	notifier.EXPECT().
		NotifySyncResults(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Not(gomock.Nil())).
		Return(nil)
	syncer.Notifier = notifier

	_, syncErr := syncer.Run(context.Background())
	assert.ErrorIs(t, syncErr, ErrBucketNotFound)
}

func TestSyncWithHashLedger(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMockFiles(t, fs, map[string]string{"/folder1/a.txt": "a"})
	mockClient := NewMockClient(nil, mockBucket)
	mockClient.PutVersion(mockBucket, "backup/removed.txt", []byte("r"), time.Now())
	ledger, openErr := OpenHashLedger(filepath.Join(t.TempDir(), "hashes.sqlite"))
	require.NoError(t, openErr)
	defer ledger.Close()
	require.NoError(t, ledger.Record(LocalFileRecord{Path: "/folder1/removed.txt", Size: 1, ModTime: time.Now()}, sha1Of("r")))

	syncer := NewSyncer(mockClient, AppConfig{Concurrency: 1, MaxAttempts: 3}, mockSyncConfig(), ledger, nil)
	syncer.Scanner.Fs = fs
	syncer.Hasher.Fs = fs

	_, syncErr := syncer.Run(context.Background())
	require.NoError(t, syncErr)

	incomplete, queryErr := ledger.IncompletePaths()
	require.NoError(t, queryErr)
	assert.Empty(t, incomplete)

	info, statErr := fs.Stat("/folder1/a.txt")
	require.NoError(t, statErr)
	hash, found, lookupErr := ledger.Lookup(LocalFileRecord{Path: "/folder1/a.txt", Size: info.Size(), ModTime: info.ModTime()})
	require.NoError(t, lookupErr)
	assert.True(t, found)
	assert.Equal(t, sha1Of("a"), hash)
}
