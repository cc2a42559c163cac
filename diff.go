package main

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// KeyDiff partitions the keys of a local and a remote collection.
type KeyDiff struct {
	Added   mapset.Set[FileKey] // local only
	Removed mapset.Set[FileKey] // remote only
	Common  mapset.Set[FileKey]
}

// DiffKeys compares the key sets of local and remote. It does no I/O.
func DiffKeys[L, R any](local map[FileKey]L, remote map[FileKey]R) KeyDiff {
	localKeys := mapset.NewThreadUnsafeSetWithSize[FileKey](len(local))
	for k := range local {
		localKeys.Add(k)
	}
	remoteKeys := mapset.NewThreadUnsafeSetWithSize[FileKey](len(remote))
	for k := range remote {
		remoteKeys.Add(k)
	}

	return KeyDiff{
		Added:   localKeys.Difference(remoteKeys),
		Removed: remoteKeys.Difference(localKeys),
		Common:  localKeys.Intersect(remoteKeys),
	}
}

// Sorted orders a key set for logging. Correctness never depends on it.
func Sorted(keys mapset.Set[FileKey]) []FileKey {
	sorted := keys.ToSlice()
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return sorted
}
