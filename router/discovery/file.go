package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/inference-router/router"
)

// debounceDelay lets editors finish writing before the file is reread.
const debounceDelay = 250 * time.Millisecond

// WorkerList is the watched file's format.
type WorkerList struct {
	Workers []string `yaml:"workers"`
	Prefill []string `yaml:"prefill"`
	Decode  []string `yaml:"decode"`
}

// FileWatcher keeps a router in step with a YAML worker list. Each reload
// diffs the file against the previous contents and emits only the changes.
type FileWatcher struct {
	path   string
	dpSize int
	sink   Sink

	mu      sync.Mutex
	current map[string]router.WorkerEvent
}

// NewFileWatcher creates a watcher for path. Plain URLs expand into dpSize ranks.
func NewFileWatcher(path string, dpSize int, sink Sink) *FileWatcher {
	return &FileWatcher{path: path, dpSize: dpSize, sink: sink, current: map[string]router.WorkerEvent{}}
}

// ReadWorkerList parses a worker list file strictly.
func ReadWorkerList(path string) (*WorkerList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var list WorkerList
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&list); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing worker list %s: %w", path, err)
	}
	return &list, nil
}

func (fw *FileWatcher) desired(list *WorkerList) map[string]router.WorkerEvent {
	out := map[string]router.WorkerEvent{}
	add := func(urls []string, role router.Role) {
		for _, raw := range urls {
			for _, id := range router.ExpandDataParallel(normalizeURL(raw), fw.dpSize) {
				out[eventKey(role, id)] = router.WorkerEvent{Type: router.WorkerAdded, URL: id.URL, Rank: id.Rank, Role: role}
			}
		}
	}
	add(list.Workers, router.RoleUnified)
	add(list.Prefill, router.RolePrefill)
	add(list.Decode, router.RoleDecode)
	return out
}

// Reload rereads the file and applies the difference. It returns the number
// of workers added and removed. A file that cannot be read leaves the
// current membership untouched.
func (fw *FileWatcher) Reload() (added, removed int, err error) {
	list, err := ReadWorkerList(fw.path)
	if err != nil {
		return 0, 0, err
	}
	want := fw.desired(list)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	for _, key := range sortedKeys(fw.current) {
		if _, ok := want[key]; ok {
			continue
		}
		ev := fw.current[key]
		ev.Type = router.WorkerRemoved
		fw.sink.ApplyEvent(ev)
		removed++
	}
	for _, key := range sortedKeys(want) {
		if _, ok := fw.current[key]; ok {
			continue
		}
		fw.sink.ApplyEvent(want[key])
		added++
	}
	fw.current = want
	if added+removed > 0 {
		logrus.Infof("discovery: %s changed, %d worker(s) added, %d removed", fw.path, added, removed)
	}
	return added, removed, nil
}

// Run loads the file, then reloads it on every change until ctx is done.
// The parent directory is watched so that editors replacing the file by
// rename are noticed.
func (fw *FileWatcher) Run(ctx context.Context) error {
	if _, _, err := fw.Reload(); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating worker list watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(fw.path)); err != nil {
		return fmt.Errorf("watching %q: %w", fw.path, err)
	}

	target := filepath.Clean(fw.path)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if _, _, err := fw.Reload(); err != nil {
					logrus.Errorf("discovery: reloading %s: %v", fw.path, err)
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logrus.Errorf("discovery: watcher for %s failed: %v", fw.path, err)
		case <-ctx.Done():
			return nil
		}
	}
}

func sortedKeys(m map[string]router.WorkerEvent) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
