package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/semaphore"

	"github.com/kirotools/accountforge/internal/bundle"
)

// FileStore keeps the whole collection in one pretty-printed JSON array
// document. Every mutation reads the full document, patches it and writes it
// back atomically (temp file + rename), with a weighted semaphore enforcing
// a single in-flight mutation per process.
type FileStore struct {
	path string
	sem  *semaphore.Weighted

	// lastWrite is the unix-nano time of our own most recent write, used by
	// the watcher to tell external rewrites from our own.
	lastWrite atomic.Int64
}

// NewFileStore creates a store backed by the JSON document at path. The file
// is created on first append.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path: path,
		sem:  semaphore.NewWeighted(1),
	}
}

// Close implements Store. The file store holds no open resources.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) readDocument() ([]byte, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []byte("[]"), nil
		}
		return nil, fmt.Errorf("store: read %s: %w", s.path, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("[]"), nil
	}
	if parsed := gjson.ParseBytes(raw); !parsed.IsArray() {
		return nil, fmt.Errorf("store: %s does not hold a JSON array", s.path)
	}
	return raw, nil
}

func (s *FileStore) writeDocument(raw []byte) error {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return fmt.Errorf("store: format document: %w", err)
	}
	pretty.WriteByte('\n')

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("store: create store directory: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, pretty.Bytes(), 0o600); err != nil {
		return fmt.Errorf("store: write %s: %w", tmp, err)
	}
	s.lastWrite.Store(time.Now().UnixNano())
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("store: replace %s: %w", s.path, err)
	}
	return nil
}

// Append implements Store.
func (s *FileStore) Append(ctx context.Context, b *bundle.Bundle) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	raw, err := s.readDocument()
	if err != nil {
		return err
	}
	record, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("store: encode bundle: %w", err)
	}
	updated, err := sjson.SetRawBytes(raw, "-1", record)
	if err != nil {
		return fmt.Errorf("store: append record: %w", err)
	}
	if err = s.writeDocument(updated); err != nil {
		return err
	}
	log.WithField("email", b.Email).WithField("status", b.Status).Info("bundle appended")
	return nil
}

// List implements Store. Records that no longer parse (hand-edited files,
// older layouts) are skipped with a warning instead of failing the listing.
func (s *FileStore) List(ctx context.Context) ([]bundle.Bundle, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	raw, err := s.readDocument()
	if err != nil {
		return nil, err
	}

	var bundles []bundle.Bundle
	gjson.ParseBytes(raw).ForEach(func(_, record gjson.Result) bool {
		var b bundle.Bundle
		if errRecord := json.Unmarshal([]byte(record.Raw), &b); errRecord != nil {
			log.Warnf("store: skipping unreadable record: %v", errRecord)
			return true
		}
		bundles = append(bundles, b)
		return true
	})
	return bundles, nil
}

// MarkStatus implements Store. It patches the newest record for the address
// in place, leaving every other field and record untouched.
func (s *FileStore) MarkStatus(ctx context.Context, email string, status bundle.Status) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	raw, err := s.readDocument()
	if err != nil {
		return err
	}

	index := -1
	current := bundle.StatusRegistered
	gjson.ParseBytes(raw).ForEach(func(key, record gjson.Result) bool {
		if record.Get("email").String() == email {
			index = int(key.Int())
			current = bundle.Status(record.Get("status").String())
		}
		return true
	})
	if index < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, email)
	}

	next := bundle.HigherOf(current, status)
	if next == current {
		return nil
	}
	updated, err := sjson.SetBytes(raw, fmt.Sprintf("%d.status", index), string(next))
	if err != nil {
		return fmt.Errorf("store: patch status: %w", err)
	}
	if err = s.writeDocument(updated); err != nil {
		return err
	}
	log.WithField("email", email).WithField("status", next).Info("bundle status raised")
	return nil
}

// Watch logs a warning whenever the document changes on disk without this
// store writing it, until the context ends. External rewrites are legal (the
// operator may prune the file) but worth surfacing.
func (s *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("store: create watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err = watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("store: watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	go func() {
		defer func() {
			_ = watcher.Close()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				// Our own rename lands within moments of writeDocument.
				if time.Since(time.Unix(0, s.lastWrite.Load())) < 2*time.Second {
					continue
				}
				log.Warnf("store: %s was modified outside this process", filepath.Base(s.path))
			case errWatch, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(errWatch).Warn("store: watcher error")
			}
		}
	}()
	return nil
}

// Path returns the backing document path.
func (s *FileStore) Path() string { return strings.TrimSpace(s.path) }
