// Package assets watches asset directories and classifies what changes in
// them, so shaders and scene files can be reloaded while the engine runs.
package assets

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/spaghettifunk/mandrill/engine/core"
)

type AssetType uint8

const (
	AssetTypeNone AssetType = iota
	AssetTypeShader
	AssetTypeMesh
	AssetTypeMaterial
	AssetTypeScene
	AssetTypeTexture
)

func (t AssetType) String() string {
	switch t {
	case AssetTypeShader:
		return "shader"
	case AssetTypeMesh:
		return "mesh"
	case AssetTypeMaterial:
		return "material"
	case AssetTypeScene:
		return "scene"
	case AssetTypeTexture:
		return "texture"
	default:
		return "none"
	}
}

// DetermineAssetType classifies a path by its extension.
func DetermineAssetType(path string) AssetType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wgsl", ".spv":
		return AssetTypeShader
	case ".obj":
		return AssetTypeMesh
	case ".mtl":
		return AssetTypeMaterial
	case ".yaml", ".yml":
		return AssetTypeScene
	case ".png", ".jpg", ".jpeg", ".bmp", ".tif", ".tiff", ".webp":
		return AssetTypeTexture
	default:
		return AssetTypeNone
	}
}

type AssetInfo struct {
	Path     string
	Type     AssetType
	Modified time.Time
	Removed  bool
}

var ErrWatcherClosed = errors.New("asset watcher already closed")

// Watcher indexes every known asset below the watched directories and
// records which of them changed since the last Drain.
type Watcher struct {
	assets  map[string]AssetInfo
	changed map[string]AssetInfo

	mutex sync.RWMutex

	done     chan struct{}
	stopped  chan struct{}
	fsnotify *fsnotify.Watcher
	isClosed bool
}

func NewWatcher() (*Watcher, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		assets:   make(map[string]AssetInfo),
		changed:  make(map[string]AssetInfo),
		fsnotify: fsWatch,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.start()
	return w, nil
}

// AddRecursive starts watching the named directory and all sub-directories.
// Files already present are indexed but not reported as changed.
func (w *Watcher) AddRecursive(name string) error {
	w.mutex.RLock()
	closed := w.isClosed
	w.mutex.RUnlock()
	if closed {
		return ErrWatcherClosed
	}
	return w.watchRecursive(name, false)
}

// RemoveRecursive stops watching the named directory and all sub-directories.
func (w *Watcher) RemoveRecursive(name string) error {
	return w.watchRecursive(name, true)
}

func (w *Watcher) Lookup(path string) (AssetInfo, bool) {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	a, ok := w.assets[filepath.Clean(path)]
	return a, ok
}

// List returns the known assets of type t sorted by path.
func (w *Watcher) List(t AssetType) []AssetInfo {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	var out []AssetInfo
	for _, a := range w.assets {
		if a.Type == t {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Drain returns the assets created, written or removed since the previous
// call, sorted by path.
func (w *Watcher) Drain() []AssetInfo {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	out := make([]AssetInfo, 0, len(w.changed))
	for _, a := range w.changed {
		out = append(out, a)
	}
	w.changed = make(map[string]AssetInfo)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (w *Watcher) Close() error {
	w.mutex.Lock()
	if w.isClosed {
		w.mutex.Unlock()
		return nil
	}
	w.isClosed = true
	w.mutex.Unlock()
	close(w.done)
	<-w.stopped
	return nil
}

func (w *Watcher) start() {
	defer close(w.stopped)
	for {
		select {
		case e, ok := <-w.fsnotify.Events:
			if !ok {
				return
			}
			s, err := os.Stat(e.Name)
			if err == nil && s.IsDir() {
				if e.Op&fsnotify.Create != 0 {
					if err := w.watchRecursive(e.Name, false); err != nil {
						core.LogWarn("could not watch %s: %s", e.Name, err)
					}
				}
				continue
			}
			if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.handleFileEvent(e.Name, true)
			}
			// a deleted path cannot be stat'ed, so it may have been a directory
			if e.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.removeAsset(e.Name)
				_ = w.fsnotify.Remove(e.Name)
			}

		case err, ok := <-w.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError("asset watcher: %s", err)

		case <-w.done:
			w.fsnotify.Close()
			return
		}
	}
}

func (w *Watcher) watchRecursive(path string, unWatch bool) error {
	return filepath.Walk(path, func(walkPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			if unWatch {
				return w.fsnotify.Remove(walkPath)
			}
			return w.fsnotify.Add(walkPath)
		}
		if unWatch {
			w.removeAsset(walkPath)
		} else {
			w.handleFileEvent(walkPath, false)
		}
		return nil
	})
}

func (w *Watcher) handleFileEvent(path string, changed bool) {
	assetType := DetermineAssetType(path)
	if assetType == AssetTypeNone {
		return
	}
	path = filepath.Clean(path)
	info := AssetInfo{Path: path, Type: assetType, Modified: time.Now()}

	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.assets[path] = info
	if changed {
		w.changed[path] = info
	}
}

func (w *Watcher) removeAsset(path string) {
	path = filepath.Clean(path)
	w.mutex.Lock()
	defer w.mutex.Unlock()
	info, ok := w.assets[path]
	if !ok {
		return
	}
	delete(w.assets, path)
	info.Removed = true
	info.Modified = time.Now()
	w.changed[path] = info
}
