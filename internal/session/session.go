package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"golang.org/x/sync/errgroup"

	"github.com/handiism/background-downloader/internal/http"
	ioutils "github.com/handiism/background-downloader/internal/io"
	"github.com/handiism/background-downloader/internal/platform"
)

// ErrClosed is returned when creating tasks on a closed Session.
var ErrClosed = errors.New("session: closed")

// ErrInvalidResumeData is returned for resume blobs that cannot be used.
var ErrInvalidResumeData = errors.New("session: invalid resume data")

var _ platform.Session = (*Session)(nil)

// Options configures a Session.
type Options struct {
	// Dir holds partial transfers (partial/), finished payloads (tmp/) and,
	// unless BucketURL is set, the task table (state/).
	Dir string

	// BucketURL opens the task table with blob.OpenBucket, e.g. "mem://"
	// or "gs://bucket?prefix=bgdl/". Empty means a file bucket under Dir.
	BucketURL string

	// HTTP configures the transfer client.
	HTTP http.Options

	// OnError receives persistence failures that have no caller to return to.
	OnError func(error)
}

// Session is a platform.Session that runs HTTP transfers in-process and
// persists its task table so tasks survive a restart.
type Session struct {
	opts   Options
	client *http.Client
	store  *store
	bucket *blob.Bucket
	owned  bool

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	inflight atomic.Int32

	mu       sync.Mutex
	tasks    map[int]*Task
	nextID   int
	delegate platform.Delegate
	closed   bool
}

// Open opens or creates the session in opts.Dir and reloads persisted
// tasks as suspended.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.Dir == "" {
		return nil, errors.New("session: Dir is required")
	}

	var (
		bucket *blob.Bucket
		err    error
	)
	if opts.BucketURL != "" {
		bucket, err = blob.OpenBucket(ctx, opts.BucketURL)
	} else {
		stateDir := filepath.Join(opts.Dir, "state")
		if err = ioutils.EnsureDir(stateDir); err == nil {
			bucket, err = fileblob.OpenBucket(stateDir, nil)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open task bucket: %w", err)
	}

	s, err := open(ctx, opts, bucket)
	if err != nil {
		bucket.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// OpenWithBucket is like Open but keeps the task table in bucket. The
// caller retains ownership of bucket.
func OpenWithBucket(ctx context.Context, opts Options, bucket *blob.Bucket) (*Session, error) {
	if opts.Dir == "" {
		return nil, errors.New("session: Dir is required")
	}
	return open(ctx, opts, bucket)
}

func open(ctx context.Context, opts Options, bucket *blob.Bucket) (*Session, error) {
	for _, dir := range []string{partialDir(opts.Dir), tmpDir(opts.Dir)} {
		if err := ioutils.EnsureDir(dir); err != nil {
			return nil, err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	group, runCtx := errgroup.WithContext(runCtx)
	s := &Session{
		opts:   opts,
		client: http.NewClient(opts.HTTP),
		store:  &store{bucket: bucket},
		bucket: bucket,
		ctx:    runCtx,
		cancel: cancel,
		group:  group,
		tasks:  make(map[int]*Task),
		nextID: 1,
	}

	if err := s.reload(ctx); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

func partialDir(dir string) string { return filepath.Join(dir, "partial") }
func tmpDir(dir string) string     { return filepath.Join(dir, "tmp") }

// reload restores persisted tasks. Finished records are dropped, live ones
// come back suspended. Partial files nobody references are removed.
func (s *Session) reload(ctx context.Context) error {
	next, err := s.store.nextID(ctx)
	if err != nil {
		return err
	}
	s.nextID = next

	recs, err := s.store.list(ctx, s.reportError)
	if err != nil {
		return err
	}

	for _, rec := range recs {
		if rec.ID >= s.nextID {
			s.nextID = rec.ID + 1
		}
		if rec.State == platform.StateCompleted {
			s.reportError(s.store.delete(ctx, rec.ID))
			continue
		}
		t := s.newTask(rec.ID, rec.URL, rec.CreatedAt)
		t.etag = rec.ETag
		t.written = ioutils.FileSize(t.partial)
		s.tasks[t.id] = t
		s.persist(t)
	}

	entries, err := os.ReadDir(partialDir(s.opts.Dir))
	if err != nil {
		return nil
	}
	for _, e := range entries {
		id, err := strconv.Atoi(strings.TrimSuffix(e.Name(), ".part"))
		if err != nil || s.tasks[id] != nil {
			continue
		}
		os.Remove(filepath.Join(partialDir(s.opts.Dir), e.Name()))
	}
	return nil
}

// AllTasks implements platform.Session. fn runs on a session goroutine with
// every task that has not completed.
func (s *Session) AllTasks(fn func(tasks []platform.Task)) {
	tasks := s.snapshot()
	s.group.Go(func() error {
		fn(tasks)
		return nil
	})
}

func (s *Session) snapshot() []platform.Task {
	s.mu.Lock()
	all := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		all = append(all, t)
	}
	s.mu.Unlock()

	slices.SortFunc(all, func(a, b *Task) int { return a.id - b.id })
	out := make([]platform.Task, 0, len(all))
	for _, t := range all {
		if t.State() != platform.StateCompleted {
			out = append(out, t)
		}
	}
	return out
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// DownloadTaskWithURL implements platform.Session. The task starts suspended.
func (s *Session) DownloadTaskWithURL(url string) (platform.Task, error) {
	if url == "" {
		return nil, errors.New("session: empty URL")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	t := s.allocateLocked(url)
	s.mu.Unlock()

	os.Remove(t.partial)
	s.persist(t)
	return t, nil
}

func (s *Session) allocateLocked(url string) *Task {
	t := s.newTask(s.nextID, url, time.Now())
	s.nextID++
	s.tasks[t.id] = t

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.reportError(s.store.putNextID(ctx, s.nextID))
	return t
}

// resumeData is the opaque blob handed out with TaskError.ResumeData.
type resumeData struct {
	URL     string `json:"url"`
	Partial string `json:"partial"`
	Offset  int64  `json:"offset"`
	ETag    string `json:"etag,omitempty"`
}

// DownloadTaskWithResumeData implements platform.Session. The new task takes
// over the partial file named in the blob and starts suspended.
func (s *Session) DownloadTaskWithResumeData(data []byte) (platform.Task, error) {
	var rd resumeData
	if err := json.Unmarshal(data, &rd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResumeData, err)
	}
	if rd.URL == "" || rd.Partial == "" {
		return nil, fmt.Errorf("%w: missing url or partial", ErrInvalidResumeData)
	}
	if size := ioutils.FileSize(rd.Partial); size < rd.Offset || !ioutils.FileExists(rd.Partial) {
		return nil, fmt.Errorf("%w: partial file %s has %d of %d bytes", ErrInvalidResumeData, rd.Partial, size, rd.Offset)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	t := s.allocateLocked(rd.URL)
	s.mu.Unlock()

	if err := os.Rename(rd.Partial, t.partial); err != nil {
		s.mu.Lock()
		delete(s.tasks, t.id)
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrInvalidResumeData, err)
	}
	// Bytes past the recorded offset were never acknowledged.
	if err := os.Truncate(t.partial, rd.Offset); err != nil {
		s.reportError(err)
	}
	t.written = rd.Offset
	t.etag = rd.ETag

	s.persist(t)
	return t, nil
}

// SetDelegate implements platform.Session.
func (s *Session) SetDelegate(d platform.Delegate) {
	s.mu.Lock()
	s.delegate = d
	s.mu.Unlock()
}

func (s *Session) getDelegate() platform.Delegate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delegate
}

// goTransfer runs fn on the transfer group. When the last in-flight
// transfer returns, the delegate is told that all events were delivered.
func (s *Session) goTransfer(fn func()) {
	s.inflight.Add(1)
	s.group.Go(func() error {
		fn()
		if s.inflight.Add(-1) == 0 {
			s.FinishEvents()
		}
		return nil
	})
}

// FinishEvents reports that every queued callback has been delivered. It
// fires on its own whenever the transfers drain.
func (s *Session) FinishEvents() {
	if d := s.getDelegate(); d != nil {
		d.OnSessionFinishedAllEvents()
	}
}

// Close suspends running transfers, waits for them to stop and persists
// every unfinished task for the next Open.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.delegate = nil
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.Suspend()
	}
	s.cancel()
	err := s.group.Wait()

	if s.owned {
		if cerr := s.bucket.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (s *Session) persist(t *Task) {
	rec := t.record()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if rec.State == platform.StateCompleted {
		s.reportError(s.store.delete(ctx, rec.ID))
		return
	}
	s.reportError(s.store.put(ctx, rec))
}

func (s *Session) reportError(err error) {
	if err != nil && s.opts.OnError != nil {
		s.opts.OnError(err)
	}
}
