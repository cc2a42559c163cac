package main

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/oxtoacart/bpool"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	hashBufferSize  = 1 << 20
	hashBufferCount = 16
)

// HashCache remembers fingerprints of unchanged files between runs.
type HashCache interface {
	Lookup(record LocalFileRecord) (Sha1Hash, bool, error)
	Record(record LocalFileRecord, hash Sha1Hash) error
}

// ContentHasher computes SHA-1 fingerprints of local files.
type ContentHasher struct {
	Fs    afero.Fs
	Cache HashCache

	pool *bpool.BytePool
}

func NewContentHasher(fs afero.Fs, cache HashCache) *ContentHasher {
	return &ContentHasher{
		Fs:    fs,
		Cache: cache,
		pool:  bpool.NewBytePool(hashBufferCount, hashBufferSize),
	}
}

// Hash returns the SHA-1 of the file. A cache hit requires the same path,
// size and modification time; cache errors only cost a recomputation.
func (h *ContentHasher) Hash(record LocalFileRecord) (Sha1Hash, error) {
	if h.Cache != nil {
		cached, ok, lookupErr := h.Cache.Lookup(record)
		if lookupErr != nil {
			log.WithError(lookupErr).WithField("path", record.Path).Warn("Hash cache lookup failed")
		} else if ok {
			return cached, nil
		}
	}

	hash, hashErr := h.hashFile(record.Path)
	if hashErr != nil {
		return "", hashErr
	}

	if h.Cache != nil {
		if recordErr := h.Cache.Record(record, hash); recordErr != nil {
			log.WithError(recordErr).WithField("path", record.Path).Warn("Hash cache update failed")
		}
	}

	return hash, nil
}

func (h *ContentHasher) hashFile(path string) (Sha1Hash, error) {
	f, openErr := h.Fs.Open(path)
	if openErr != nil {
		return "", fmt.Errorf("open %s: %w", path, openErr)
	}
	defer f.Close()

	buf := h.pool.Get()
	defer h.pool.Put(buf)

	start := time.Now()
	hasher := sha1.New()
	n, copyErr := io.CopyBuffer(hasher, f, buf)
	if copyErr != nil {
		return "", fmt.Errorf("read %s: %w", path, copyErr)
	}
	log.Debug(fmt.Sprintf("Calculated SHA1 of %s (%s) in %s", path, humanize.Bytes(uint64(n)), time.Since(start)))

	return Sha1Hash(hex.EncodeToString(hasher.Sum(nil))), nil
}
