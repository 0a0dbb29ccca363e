package collab

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ContentsStore is the backing storage for document content, addressed by a
// relative path. implementations must return ErrNotFound for a missing
// path so callers can distinguish a moved/deleted file from an io failure.
type ContentsStore interface {
	Load(ctx context.Context, path string) ([]byte, time.Time, error)
	Save(ctx context.Context, path string, content []byte) (time.Time, error)
	Stat(ctx context.Context, path string) (time.Time, error)
	// WatchPath returns a filesystem path usable for change notification,
	// when the store is filesystem-backed
	WatchPath(path string) (string, bool)
}

// FileIdResolver maps stable file ids to paths. file identity survives
// renames; an unresolvable id means the file was moved or deleted outside
// the collaboration protocol.
type FileIdResolver interface {
	Path(fileId string) (string, bool)
}

// MemoryFileIdResolver is the in-process resolver used by the daemon and
// tests. the production file-identity service sits behind the same
// interface.
type MemoryFileIdResolver struct {
	stateLock sync.Mutex
	paths     map[string]string
}

func NewMemoryFileIdResolver() *MemoryFileIdResolver {
	return &MemoryFileIdResolver{
		paths: map[string]string{},
	}
}

func (self *MemoryFileIdResolver) Register(path string) string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for fileId, existingPath := range self.paths {
		if existingPath == path {
			return fileId
		}
	}
	fileId := NewId().String()
	self.paths[fileId] = path
	return fileId
}

func (self *MemoryFileIdResolver) Path(fileId string) (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	path, ok := self.paths[fileId]
	return path, ok
}

func (self *MemoryFileIdResolver) Remove(fileId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.paths, fileId)
}

// DiskContents stores content as files under a root directory.
type DiskContents struct {
	rootDir string
}

func NewDiskContents(rootDir string) *DiskContents {
	return &DiskContents{
		rootDir: rootDir,
	}
}

func (self *DiskContents) abs(path string) string {
	return filepath.Join(self.rootDir, filepath.Clean("/"+path))
}

func (self *DiskContents) Load(ctx context.Context, path string) ([]byte, time.Time, error) {
	abs := self.abs(path)
	content, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, time.Time{}, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, time.Time{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, time.Time{}, err
	}
	return content, info.ModTime(), nil
}

func (self *DiskContents) Save(ctx context.Context, path string, content []byte) (time.Time, error) {
	abs := self.abs(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0700); err != nil {
		return time.Time{}, err
	}
	// write-then-rename so a concurrent reader never sees a partial file
	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, content, 0600); err != nil {
		return time.Time{}, err
	}
	if err := os.Rename(tmp, abs); err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func (self *DiskContents) Stat(ctx context.Context, path string) (time.Time, error) {
	info, err := os.Stat(self.abs(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func (self *DiskContents) WatchPath(path string) (string, bool) {
	return self.abs(path), true
}

// PgContents stores content in a Postgres table for deployments without a
// shared filesystem.
//
//	create table if not exists collab_documents (
//	    path text primary key,
//	    content bytea not null,
//	    updated_at timestamptz not null default now()
//	)
type PgContents struct {
	pool *pgxpool.Pool
}

func NewPgContents(ctx context.Context, databaseUrl string) (*PgContents, error) {
	pool, err := pgxpool.New(ctx, databaseUrl)
	if err != nil {
		return nil, fmt.Errorf("connect contents database: %w", err)
	}
	contents := &PgContents{
		pool: pool,
	}
	if err := contents.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return contents, nil
}

func (self *PgContents) migrate(ctx context.Context) error {
	_, err := self.pool.Exec(
		ctx,
		`create table if not exists collab_documents (
			path text primary key,
			content bytea not null,
			updated_at timestamptz not null default now()
		)`,
	)
	return err
}

func (self *PgContents) Load(ctx context.Context, path string) ([]byte, time.Time, error) {
	var content []byte
	var updatedAt time.Time
	err := self.pool.QueryRow(
		ctx,
		`select content, updated_at from collab_documents where path = $1`,
		path,
	).Scan(&content, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, time.Time{}, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, time.Time{}, err
	}
	return content, updatedAt, nil
}

func (self *PgContents) Save(ctx context.Context, path string, content []byte) (time.Time, error) {
	var updatedAt time.Time
	err := self.pool.QueryRow(
		ctx,
		`insert into collab_documents (path, content, updated_at)
		values ($1, $2, now())
		on conflict (path) do update set content = $2, updated_at = now()
		returning updated_at`,
		path,
		content,
	).Scan(&updatedAt)
	if err != nil {
		return time.Time{}, err
	}
	return updatedAt, nil
}

func (self *PgContents) Stat(ctx context.Context, path string) (time.Time, error) {
	var updatedAt time.Time
	err := self.pool.QueryRow(
		ctx,
		`select updated_at from collab_documents where path = $1`,
		path,
	).Scan(&updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return time.Time{}, err
	}
	return updatedAt, nil
}

func (self *PgContents) WatchPath(path string) (string, bool) {
	return "", false
}

func (self *PgContents) Close() {
	self.pool.Close()
}
