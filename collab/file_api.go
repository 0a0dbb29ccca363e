package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"
)

type FileApiSettings struct {
	// cadence of the save/out-of-band check loop
	SaveInterval time.Duration
	// use filesystem change notification in addition to polling
	WatchEnabled bool
}

func DefaultFileApiSettings() *FileApiSettings {
	return &FileApiSettings{
		SaveInterval: 500 * time.Millisecond,
		WatchEnabled: true,
	}
}

// FileApi binds one room to its backing file: it loads the initial content,
// debounces save requests into a periodic save loop, and watches for
// out-of-band modification or deletion of the file.
//
// out-of-band detection runs two ways: a last-modified poll before every
// save tick, and fsnotify events when the store is filesystem-backed.
type FileApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	fileId string
	path   string

	resolver FileIdResolver
	contents ContentsStore

	stateLock     sync.Mutex
	lastModified  time.Time
	saveScheduled bool
	room          *Room
	started       bool

	settings *FileApiSettings
}

// NewFileApi resolves the file id to a path. fails with ErrNotFound when the
// id is unresolvable, which rejects the connection that triggered room
// creation.
func NewFileApi(
	ctx context.Context,
	fileId string,
	resolver FileIdResolver,
	contents ContentsStore,
	settings *FileApiSettings,
) (*FileApi, error) {
	path, ok := resolver.Path(fileId)
	if !ok {
		return nil, fmt.Errorf("file id %s: %w", fileId, ErrNotFound)
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	return &FileApi{
		ctx:      cancelCtx,
		cancel:   cancel,
		fileId:   fileId,
		path:     path,
		resolver: resolver,
		contents: contents,
		settings: settings,
	}, nil
}

func (self *FileApi) Path() string {
	return self.path
}

// LoadInto loads the backing content into the document. called once before
// the room processes any message. a missing file is loaded as empty content
// (new untitled documents have no file yet).
func (self *FileApi) LoadInto(doc *Document, contentType string) error {
	content, modTime, err := self.contents.Load(self.ctx, self.path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			content = nil
		} else {
			return err
		}
	}
	if err := doc.LoadSource(contentType, content); err != nil {
		return err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.lastModified = modTime
	return nil
}

// Start binds the room and begins the save/watch loop. separate from the
// constructor so the room can load content before its callbacks are live.
func (self *FileApi) Start(room *Room) {
	self.stateLock.Lock()
	if self.started {
		self.stateLock.Unlock()
		return
	}
	self.started = true
	self.room = room
	self.stateLock.Unlock()

	go self.run()
}

// ScheduleSave requests a save on the next tick of the save loop. safe to
// call from any goroutine; repeated calls coalesce.
func (self *FileApi) ScheduleSave() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.saveScheduled = true
}

func (self *FileApi) run() {
	var watchEvents chan fsnotify.Event
	if self.settings.WatchEnabled {
		if watchPath, ok := self.contents.WatchPath(self.path); ok {
			if watcher, err := fsnotify.NewWatcher(); err == nil {
				if err := watcher.Add(watchPath); err == nil {
					defer watcher.Close()
					watchEvents = make(chan fsnotify.Event)
					go func() {
						defer close(watchEvents)
						for {
							select {
							case <-self.ctx.Done():
								return
							case event, ok := <-watcher.Events:
								if !ok {
									return
								}
								select {
								case watchEvents <- event:
								case <-self.ctx.Done():
									return
								}
							}
						}
					}()
				} else {
					watcher.Close()
					glog.V(1).Infof("[f]watch %s = %s\n", self.path, err)
				}
			}
		}
	}

	for {
		select {
		case <-self.ctx.Done():
			return
		case event, ok := <-watchEvents:
			if !ok {
				watchEvents = nil
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if self.checkOutOfBand() {
					return
				}
			}
		case <-time.After(self.settings.SaveInterval):
			// check before save so an external edit is never clobbered
			if self.checkOutOfBand() {
				return
			}
			self.stateLock.Lock()
			saveScheduled := self.saveScheduled
			self.saveScheduled = false
			room := self.room
			self.stateLock.Unlock()

			if saveScheduled && room != nil {
				if err := self.Save(room.Document(), room.ParsedId().ContentType); err != nil {
					glog.Infof("[f]save %s = %s\n", self.path, err)
				}
			}
		}
	}
}

// checkOutOfBand compares the store's last-modified time against the one
// recorded at load/save. returns true when the room was reset and the loop
// should exit.
func (self *FileApi) checkOutOfBand() bool {
	self.stateLock.Lock()
	room := self.room
	lastModified := self.lastModified
	self.stateLock.Unlock()
	if room == nil {
		return false
	}

	modTime, err := self.contents.Stat(self.ctx, self.path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// a file that never existed is a new untitled document, not a move
			if lastModified.IsZero() {
				return false
			}
			glog.Infof("[f]%s moved or deleted out-of-band\n", self.path)
			// the id must stop resolving, or a later get for the same room
			// id would resurrect the document as a fresh empty room
			self.invalidateFileId()
			room.handleOutOfBandMove()
			return true
		}
		glog.V(1).Infof("[f]stat %s = %s\n", self.path, err)
		return false
	}
	if !lastModified.IsZero() && !modTime.Equal(lastModified) {
		glog.Infof(
			"[f]%s changed out-of-band. last=%s current=%s\n",
			self.path,
			lastModified,
			modTime,
		)
		room.handleOutOfBandChange()
		return true
	}
	return false
}

// invalidateFileId releases the file id mapping after an out-of-band move
// or delete, so new connections for the room id are rejected with not found.
func (self *FileApi) invalidateFileId() {
	type fileIdRemover interface {
		Remove(fileId string)
	}
	if remover, ok := self.resolver.(fileIdRemover); ok {
		remover.Remove(self.fileId)
	}
}

// Save writes the document's persisted form to the store immediately. the
// persisted form carries output placeholders, never stored payloads.
func (self *FileApi) Save(doc *Document, contentType string) error {
	modTime, err := self.contents.Save(self.ctx, self.path, doc.Source(contentType))
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.lastModified = modTime
	self.saveScheduled = false
	return nil
}

func (self *FileApi) Stop() {
	self.cancel()
}
