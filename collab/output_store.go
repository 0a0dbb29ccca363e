package collab

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// OutputStore keeps large execution results out of the replicated document.
// records are addressed by (file id, cell id, output index); the document
// only carries a placeholder with a locator. stores are shared across rooms
// but partitioned by file id, so rooms never interfere.
type OutputStore interface {
	Put(ctx context.Context, fileId string, cellId string, index int, payload []byte) error
	// Get returns ErrNotFound for a missing or tombstoned record
	Get(ctx context.Context, fileId string, cellId string, index int) ([]byte, error)
	// Clear tombstones every record of the cell
	Clear(ctx context.Context, fileId string, cellId string) error
}

// OutputLocator is the URL-like reference embedded in a placeholder. the
// read endpoint in server.go serves it.
func OutputLocator(fileId string, cellId string, index int) string {
	return fmt.Sprintf("/api/outputs/%s/%s/%d", fileId, cellId, index)
}

// OutputIndexTracker allocates output indices per cell. outputs that share
// a display id reuse the first index allocated for that display id, so an
// updated display replaces rather than appends.
type OutputIndexTracker struct {
	stateLock sync.Mutex

	lastIndex      map[string]int
	displayIndices map[string]int
	cellDisplayIds map[string][]string
}

func NewOutputIndexTracker() *OutputIndexTracker {
	return &OutputIndexTracker{
		lastIndex:      map[string]int{},
		displayIndices: map[string]int{},
		cellDisplayIds: map[string][]string{},
	}
}

func (self *OutputIndexTracker) Allocate(cellId string, displayId string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	lastIndex, ok := self.lastIndex[cellId]
	if !ok {
		lastIndex = -1
	}
	if displayId != "" {
		if index, ok := self.displayIndices[displayId]; ok {
			return index
		}
		self.displayIndices[displayId] = lastIndex + 1
		self.cellDisplayIds[cellId] = append(self.cellDisplayIds[cellId], displayId)
	}
	self.lastIndex[cellId] = lastIndex + 1
	return lastIndex + 1
}

func (self *OutputIndexTracker) Index(displayId string) (int, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	index, ok := self.displayIndices[displayId]
	return index, ok
}

func (self *OutputIndexTracker) ClearCell(cellId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.lastIndex, cellId)
	for _, displayId := range self.cellDisplayIds[cellId] {
		delete(self.displayIndices, displayId)
	}
	delete(self.cellDisplayIds, cellId)
}

// DiskOutputStore lays records out as {root}/{fileId}/{cellId}/{index}.output
type DiskOutputStore struct {
	rootDir string
}

func NewDiskOutputStore(rootDir string) *DiskOutputStore {
	return &DiskOutputStore{
		rootDir: rootDir,
	}
}

func (self *DiskOutputStore) path(fileId string, cellId string, index int) string {
	return filepath.Join(self.rootDir, fileId, cellId, fmt.Sprintf("%d.output", index))
}

func (self *DiskOutputStore) Put(ctx context.Context, fileId string, cellId string, index int, payload []byte) error {
	path := self.path(fileId, cellId, index)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0600)
}

func (self *DiskOutputStore) Get(ctx context.Context, fileId string, cellId string, index int) ([]byte, error) {
	payload, err := os.ReadFile(self.path(fileId, cellId, index))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("output %s/%s/%d: %w", fileId, cellId, index, ErrNotFound)
		}
		return nil, err
	}
	return payload, nil
}

func (self *DiskOutputStore) Clear(ctx context.Context, fileId string, cellId string) error {
	return os.RemoveAll(filepath.Join(self.rootDir, fileId, cellId))
}

// RedisOutputStore keeps records in redis with a ttl, for multi-instance
// deployments where the read endpoint may be served by another process.
type RedisOutputStoreSettings struct {
	Ttl time.Duration
}

func DefaultRedisOutputStoreSettings() *RedisOutputStoreSettings {
	return &RedisOutputStoreSettings{
		Ttl: 24 * time.Hour,
	}
}

type RedisOutputStore struct {
	client *redis.Client

	settings *RedisOutputStoreSettings
}

func NewRedisOutputStore(client *redis.Client, settings *RedisOutputStoreSettings) *RedisOutputStore {
	return &RedisOutputStore{
		client:   client,
		settings: settings,
	}
}

func (self *RedisOutputStore) key(fileId string, cellId string, index int) string {
	return fmt.Sprintf("collab:outputs:%s:%s:%d", fileId, cellId, index)
}

func (self *RedisOutputStore) Put(ctx context.Context, fileId string, cellId string, index int, payload []byte) error {
	return self.client.Set(
		ctx,
		self.key(fileId, cellId, index),
		payload,
		self.settings.Ttl,
	).Err()
}

func (self *RedisOutputStore) Get(ctx context.Context, fileId string, cellId string, index int) ([]byte, error) {
	payload, err := self.client.Get(ctx, self.key(fileId, cellId, index)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("output %s/%s/%d: %w", fileId, cellId, index, ErrNotFound)
		}
		return nil, err
	}
	return payload, nil
}

func (self *RedisOutputStore) Clear(ctx context.Context, fileId string, cellId string) error {
	pattern := fmt.Sprintf("collab:outputs:%s:%s:*", fileId, cellId)
	iter := self.client.Scan(ctx, 0, pattern, 0).Iterator()
	keys := []string{}
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return self.client.Del(ctx, keys...).Err()
}
