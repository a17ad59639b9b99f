package disk_cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/pierrec/lz4/v4"
	"go.uber.org/zap"

	"github.com/nestalert/edgecache/pkg/cache"
)

var nopLogger = zap.NewNop()

const entrySuffix = ".entry"

var _ cache.Backend = (*DiskCache)(nil)

// DiskCache is a cache.Backend on the local filesystem. Each
// generation is a directory, each entry an lz4-compressed file named
// by the sha256 of its URL. Writes go through a temp file and rename,
// so readers never observe partial entries. A file lock at the cache
// root serializes generation deletion against writers from other
// processes: writers hold it shared, DeleteGeneration holds it
// exclusive.
type DiskCache struct {
	baseDir string
	lock    *flock.Flock
	logger  *zap.Logger
}

func NewDiskCache(baseDir string, logger *zap.Logger) (*DiskCache, error) {
	if len(baseDir) == 0 {
		return nil, errors.New("empty cache dir")
	}
	if logger == nil {
		logger = nopLogger
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	return &DiskCache{
		baseDir: baseDir,
		lock:    flock.New(filepath.Join(baseDir, ".lock")),
		logger:  logger,
	}, nil
}

func (d *DiskCache) entryPath(key cache.Key) string {
	sum := sha256.Sum256([]byte(key.URL))
	return filepath.Join(d.baseDir, key.Generation, hex.EncodeToString(sum[:])+entrySuffix)
}

func (d *DiskCache) Get(key cache.Key) (*cache.Entry, bool) {
	f, err := os.Open(d.entryPath(key))
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Warn("disk cache open", zap.Error(err))
		}
		return nil, false
	}
	defer f.Close()

	packed, err := io.ReadAll(lz4.NewReader(f))
	if err != nil {
		d.logger.Warn("disk cache read", zap.String("file", f.Name()), zap.Error(err))
		return nil, false
	}
	e, err := cache.Unpack(packed)
	if err != nil {
		d.logger.Warn("disk cache unpack", zap.String("file", f.Name()), zap.Error(err))
		return nil, false
	}
	return e, true
}

func (d *DiskCache) Store(key cache.Key, e *cache.Entry) {
	if err := d.lock.RLock(); err != nil {
		d.logger.Warn("disk cache lock", zap.Error(err))
		return
	}
	defer d.lock.Unlock()

	path := d.entryPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		d.logger.Warn("disk cache mkdir", zap.Error(err))
		return
	}

	buf := new(bytes.Buffer)
	zw := lz4.NewWriter(buf)
	if _, err := zw.Write(e.Pack()); err != nil {
		d.logger.Warn("disk cache compress", zap.Error(err))
		return
	}
	if err := zw.Close(); err != nil {
		d.logger.Warn("disk cache compress", zap.Error(err))
		return
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		d.logger.Warn("disk cache temp file", zap.Error(err))
		return
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		d.logger.Warn("disk cache write", zap.Error(err))
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		d.logger.Warn("disk cache close", zap.Error(err))
		return
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		d.logger.Warn("disk cache rename", zap.Error(err))
	}
}

func (d *DiskCache) Delete(key cache.Key) {
	if err := os.Remove(d.entryPath(key)); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("disk cache delete", zap.Error(err))
	}
}

func (d *DiskCache) Generations() []string {
	dirs, err := os.ReadDir(d.baseDir)
	if err != nil {
		d.logger.Warn("disk cache readdir", zap.Error(err))
		return nil
	}

	var gens []string
	for _, dir := range dirs {
		if dir.IsDir() {
			gens = append(gens, dir.Name())
		}
	}
	return gens
}

func (d *DiskCache) DeleteGeneration(generation string) int {
	if err := d.lock.Lock(); err != nil {
		d.logger.Warn("disk cache lock", zap.Error(err))
		return 0
	}
	defer d.lock.Unlock()

	dir := filepath.Join(d.baseDir, generation)
	n := d.countEntries(dir)
	if err := os.RemoveAll(dir); err != nil {
		d.logger.Warn("disk cache delete generation", zap.Error(err))
		return 0
	}
	return n
}

func (d *DiskCache) Len() int {
	sum := 0
	for _, gen := range d.Generations() {
		sum += d.countEntries(filepath.Join(d.baseDir, gen))
	}
	return sum
}

func (d *DiskCache) Close() error {
	return nil
}

func (d *DiskCache) countEntries(dir string) int {
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, f := range files {
		if !f.IsDir() && strings.HasSuffix(f.Name(), entrySuffix) {
			n++
		}
	}
	return n
}
