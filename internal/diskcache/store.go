package diskcache

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/gofrs/flock"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/ironsheep/imageloader/internal/errs"
)

const (
	journalFile    = "journal"
	journalFileTmp = "journal.tmp"
	journalFileBkp = "journal.bkp"
	lockFile       = ".lock"

	magic           = "imageloader.DiskLruStore"
	internalVersion = "1"

	dirtySuffix = ".tmp"

	redundantOpCompactThreshold = 2000
)

var (
	// ErrEditInProgress is returned by Edit when another editor holds the key.
	ErrEditInProgress = errors.New("diskcache: edit in progress")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("diskcache: store is closed")
	// ErrStaleSnapshot is returned by Snapshot.Edit when the entry changed
	// after the snapshot was taken.
	ErrStaleSnapshot = errors.New("diskcache: snapshot is stale")
	// ErrNoValue is returned by Editor.NewSource when nothing was committed.
	ErrNoValue = errors.New("diskcache: no committed value")

	keyPattern = regexp.MustCompile(`^[a-z0-9_-]{1,120}$`)
)

// entry is the in-memory state of one key.
type entry struct {
	key     string
	lengths []int64
	// readable is true once the entry has been committed at least once.
	readable bool
	editor   *Editor
	// seq is the commit sequence number of the values currently on disk.
	seq int64
}

func (e *entry) cleanPath(dir string, i int) string {
	return path.Join(dir, e.key+"."+strconv.Itoa(i))
}

func (e *entry) dirtyPath(dir string, i int) string {
	return e.cleanPath(dir, i) + dirtySuffix
}

func (e *entry) lengthsString() string {
	var b strings.Builder
	for _, l := range e.lengths {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(l, 10))
	}
	return b.String()
}

// DiskLruStore is safe for concurrent use. Structural changes and journal
// writes are serialized by one mutex; value bytes are streamed outside it.
type DiskLruStore struct {
	fs         billy.Filesystem
	dir        string
	appVersion int
	valueCount int
	logger     *slog.Logger
	lockPath   string

	mu               sync.Mutex
	maxSize          int64
	size             int64
	entries          *simplelru.LRU[string, *entry]
	journal          billy.File
	redundantOpCount int
	nextSeq          int64
	flock            *flock.Flock
	closed           bool
}

// Option configures a DiskLruStore.
type Option func(*DiskLruStore)

// WithAppVersion sets the application version written to the journal. A
// store written by another version is wiped on open.
func WithAppVersion(v int) Option { return func(s *DiskLruStore) { s.appVersion = v } }

// WithValueCount sets the number of values per entry. Default 1.
func WithValueCount(n int) Option { return func(s *DiskLruStore) { s.valueCount = n } }

// WithMaxSize sets the byte budget. Default 10 MiB.
func WithMaxSize(n int64) Option { return func(s *DiskLruStore) { s.maxSize = n } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *DiskLruStore) { s.logger = l } }

// WithProcessLock takes an exclusive file lock at path for the store's
// lifetime. path must be on the host filesystem, usually
// <cache dir>/<store>/.lock.
func WithProcessLock(path string) Option { return func(s *DiskLruStore) { s.lockPath = path } }

// Open opens or creates the store rooted at dir on fs.
func Open(fs billy.Filesystem, dir string, opts ...Option) (*DiskLruStore, error) {
	s := &DiskLruStore{
		fs:         fs,
		dir:        dir,
		appVersion: 1,
		valueCount: 1,
		maxSize:    10 << 20,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.valueCount <= 0 {
		return nil, errs.Config("value count must be positive, got %d", s.valueCount)
	}
	if s.maxSize <= 0 {
		return nil, errs.Config("max size must be positive, got %d", s.maxSize)
	}
	s.entries = newEntries()

	if s.lockPath != "" {
		if err := os.MkdirAll(path.Dir(s.lockPath), 0o755); err != nil {
			return nil, errs.CacheIO(err, "failed to create lock directory")
		}
		fl := flock.New(s.lockPath)
		locked, err := fl.TryLock()
		if err != nil {
			return nil, errs.CacheIO(err, "failed to lock %s", s.lockPath)
		}
		if !locked {
			return nil, errs.CacheIO(nil, "cache directory %s is in use by another process", dir)
		}
		s.flock = fl
	}

	if err := s.open(); err != nil {
		s.unlock()
		return nil, errs.CacheIO(err, "failed to open disk cache %s", dir)
	}
	return s, nil
}

func newEntries() *simplelru.LRU[string, *entry] {
	// Capacity is unbounded; eviction is by byte size in trimToSize.
	l, _ := simplelru.NewLRU[string, *entry](math.MaxInt, nil)
	return l
}

func (s *DiskLruStore) open() error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// A backup without a journal means a rebuild was interrupted.
	bkp := s.path(journalFileBkp)
	if s.exists(bkp) {
		if s.exists(s.path(journalFile)) {
			_ = s.fs.Remove(bkp)
		} else if err := s.fs.Rename(bkp, s.path(journalFile)); err != nil {
			return fmt.Errorf("failed to promote journal backup: %w", err)
		}
	}

	if s.exists(s.path(journalFile)) {
		rebuild, err := s.readJournal()
		if err == nil {
			s.processJournal()
			if rebuild {
				err = s.rebuildJournal()
			} else {
				err = s.openJournalForAppend()
			}
			if err == nil {
				return nil
			}
		}
		s.logger.Warn("disk cache journal unusable, wiping",
			"dir", s.dir,
			"error", err)
		if err := s.wipe(); err != nil {
			return err
		}
	}
	return s.rebuildJournal()
}

// processJournal computes the size and drops entries left DIRTY by a crash.
func (s *DiskLruStore) processJournal() {
	_ = s.fs.Remove(s.path(journalFileTmp))
	for _, key := range s.entries.Keys() {
		e, _ := s.entries.Peek(key)
		if e.editor == nil {
			for _, l := range e.lengths {
				s.size += l
			}
			continue
		}
		e.editor = nil
		for i := 0; i < s.valueCount; i++ {
			_ = s.fs.Remove(e.cleanPath(s.dir, i))
			_ = s.fs.Remove(e.dirtyPath(s.dir, i))
		}
		s.entries.Remove(key)
	}
	s.sweep()
}

// sweep deletes files the journal does not account for, such as values
// from an edit whose DIRTY record never reached the disk.
func (s *DiskLruStore) sweep() {
	infos, err := s.fs.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("disk cache sweep failed", "dir", s.dir, "error", err)
		return
	}
	for _, fi := range infos {
		name := fi.Name()
		switch name {
		case journalFile, journalFileBkp, journalFileTmp, lockFile:
			continue
		}
		key, _, _ := strings.Cut(name, ".")
		if e, ok := s.entries.Peek(key); ok && e.readable && !strings.HasSuffix(name, dirtySuffix) {
			continue
		}
		if err := s.fs.Remove(s.path(name)); err == nil {
			s.logger.Debug("disk cache removed orphan file", "file", name)
		}
	}
}

func (s *DiskLruStore) wipe() error {
	s.entries.Purge()
	s.size = 0
	s.redundantOpCount = 0
	if s.journal != nil {
		_ = s.journal.Close()
		s.journal = nil
	}
	infos, err := s.fs.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to list directory: %w", err)
	}
	for _, fi := range infos {
		// The lock must outlive the wipe or another process could take it.
		if fi.Name() == lockFile {
			continue
		}
		if err := util.RemoveAll(s.fs, s.path(fi.Name())); err != nil {
			return fmt.Errorf("failed to wipe directory: %w", err)
		}
	}
	return nil
}

func (s *DiskLruStore) path(name string) string { return path.Join(s.dir, name) }

func (s *DiskLruStore) exists(p string) bool {
	_, err := s.fs.Stat(p)
	return err == nil
}

func (s *DiskLruStore) unlock() {
	if s.flock != nil {
		_ = s.flock.Unlock()
		s.flock = nil
	}
}

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return errs.Config("disk cache key must match [a-z0-9_-]{1,120}, got %q", key)
	}
	return nil
}

// Get returns a snapshot of the committed values of key, or nil when the key
// is absent or not yet committed. The snapshot must be closed.
func (s *DiskLruStore) Get(key string) (*Snapshot, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	e, ok := s.entries.Get(key)
	if !ok || !e.readable {
		return nil, nil
	}

	// Open every value now so a later commit or removal cannot change what
	// this snapshot reads.
	files := make([]billy.File, s.valueCount)
	for i := range files {
		f, err := s.fs.Open(e.cleanPath(s.dir, i))
		if err != nil {
			for _, opened := range files[:i] {
				_ = opened.Close()
			}
			// A value file vanished underneath us; treat it as a miss.
			s.logger.Warn("disk cache value missing, dropping entry", "key", key, "index", i, "error", err)
			_ = s.removeEntryLocked(e)
			return nil, nil
		}
		files[i] = f
	}

	s.redundantOpCount++
	if err := s.writeRecord("READ " + key); err != nil {
		for _, f := range files {
			_ = f.Close()
		}
		return nil, err
	}
	if s.journalRebuildRequired() {
		s.cleanupLocked()
	}
	return &Snapshot{
		store:   s,
		key:     key,
		seq:     e.seq,
		files:   files,
		lengths: append([]int64(nil), e.lengths...),
	}, nil
}

// Edit returns an editor for key. It fails with ErrEditInProgress when key
// already has an editor.
func (s *DiskLruStore) Edit(key string) (*Editor, error) {
	return s.edit(key, -1)
}

func (s *DiskLruStore) edit(key string, expectedSeq int64) (*Editor, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	e, ok := s.entries.Get(key)
	if expectedSeq >= 0 && (!ok || e.seq != expectedSeq) {
		return nil, ErrStaleSnapshot
	}
	if !ok {
		e = &entry{key: key, lengths: make([]int64, s.valueCount)}
		s.entries.Add(key, e)
	} else if e.editor != nil {
		return nil, ErrEditInProgress
	}

	ed := &Editor{store: s, entry: e, written: make([]bool, s.valueCount)}
	e.editor = ed

	// The DIRTY record must reach the journal before any value file is
	// created, so a crash never leaves an untracked partial value.
	if err := s.writeRecord("DIRTY " + key); err != nil {
		e.editor = nil
		if !e.readable {
			s.entries.Remove(key)
		}
		return nil, err
	}
	return ed, nil
}

// completeEdit finishes ed. It is called with s.mu held.
func (s *DiskLruStore) completeEdit(ed *Editor, success bool) error {
	e := ed.entry
	if e.editor != ed {
		return fmt.Errorf("diskcache: editor for %q is detached", e.key)
	}

	if success && !e.readable {
		for i := 0; i < s.valueCount; i++ {
			if !ed.written[i] || !s.exists(e.dirtyPath(s.dir, i)) {
				_ = s.completeEditFiles(ed, false)
				s.finishRecord(e, false)
				return fmt.Errorf("diskcache: new entry %q did not write value %d", e.key, i)
			}
		}
	}

	ioErr := s.completeEditFiles(ed, success)
	if ioErr != nil {
		success = false
	}
	s.finishRecord(e, success)
	if ioErr != nil {
		return ioErr
	}
	if s.size > s.maxSize || s.journalRebuildRequired() {
		s.cleanupLocked()
	}
	return nil
}

func (s *DiskLruStore) completeEditFiles(ed *Editor, success bool) error {
	e := ed.entry
	for i := 0; i < s.valueCount; i++ {
		dirty := e.dirtyPath(s.dir, i)
		if !success || !ed.written[i] {
			_ = s.fs.Remove(dirty)
			continue
		}
		clean := e.cleanPath(s.dir, i)
		_ = s.fs.Remove(clean)
		if err := s.fs.Rename(dirty, clean); err != nil {
			return fmt.Errorf("failed to commit %s: %w", clean, err)
		}
		fi, err := s.fs.Stat(clean)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", clean, err)
		}
		s.size += fi.Size() - e.lengths[i]
		e.lengths[i] = fi.Size()
	}
	return nil
}

// finishRecord clears the editor and journals the outcome.
func (s *DiskLruStore) finishRecord(e *entry, success bool) {
	s.redundantOpCount++
	e.editor = nil
	var err error
	if e.readable || success {
		e.readable = true
		if success {
			e.seq = s.nextSeq
			s.nextSeq++
		}
		err = s.writeRecord("CLEAN " + e.key + e.lengthsString())
	} else {
		s.entries.Remove(e.key)
		err = s.writeRecord("REMOVE " + e.key)
	}
	if err != nil {
		s.logger.Warn("disk cache journal write failed", "key", e.key, "error", err)
	}
}

// Remove drops key. It reports false when the key is absent or being edited.
func (s *DiskLruStore) Remove(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	e, ok := s.entries.Peek(key)
	if !ok || e.editor != nil {
		return false, nil
	}
	if err := s.removeEntryLocked(e); err != nil {
		return false, err
	}
	if s.journalRebuildRequired() {
		s.cleanupLocked()
	}
	return true, nil
}

func (s *DiskLruStore) removeEntryLocked(e *entry) error {
	for i := 0; i < s.valueCount; i++ {
		p := e.cleanPath(s.dir, i)
		if err := s.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errs.CacheIO(err, "failed to delete %s", p)
		}
		s.size -= e.lengths[i]
		e.lengths[i] = 0
	}
	s.redundantOpCount++
	s.entries.Remove(e.key)
	return s.writeRecord("REMOVE " + e.key)
}

// Size returns the bytes used by committed values.
func (s *DiskLruStore) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *DiskLruStore) MaxSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSize
}

// SetMaxSize changes the budget and evicts down to it before returning.
func (s *DiskLruStore) SetMaxSize(maxSize int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxSize = maxSize
	if !s.closed {
		s.cleanupLocked()
	}
}

// Len returns the number of entries, including ones being created.
func (s *DiskLruStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len()
}

// Keys returns the committed keys from least to most recently used.
func (s *DiskLruStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, k := range s.entries.Keys() {
		if e, _ := s.entries.Peek(k); e.readable {
			out = append(out, k)
		}
	}
	return out
}

// Flush trims the store and syncs the journal.
func (s *DiskLruStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.trimToSizeLocked()
	if syncer, ok := s.journal.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			return errs.CacheIO(err, "failed to sync journal")
		}
	}
	return nil
}

// Clear deletes every entry and the journal, leaving an empty store. Editors
// that are still open are detached; their commits fail.
func (s *DiskLruStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, k := range s.entries.Keys() {
		if e, _ := s.entries.Peek(k); e.editor != nil {
			e.editor.detached = true
			e.editor = nil
		}
	}
	if err := s.wipe(); err != nil {
		return errs.CacheIO(err, "failed to clear %s", s.dir)
	}
	if err := s.rebuildJournal(); err != nil {
		return errs.CacheIO(err, "failed to recreate journal in %s", s.dir)
	}
	s.logger.Info("disk cache cleared", "dir", s.dir)
	return nil
}

// Close aborts open editors, trims, and releases the journal and lock.
func (s *DiskLruStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for _, k := range s.entries.Keys() {
		if e, ok := s.entries.Peek(k); ok && e.editor != nil {
			_ = s.completeEdit(e.editor, false)
		}
	}
	s.trimToSizeLocked()
	var err error
	if s.journal != nil {
		err = s.journal.Close()
		s.journal = nil
	}
	s.closed = true
	s.unlock()
	if err != nil {
		return errs.CacheIO(err, "failed to close journal")
	}
	return nil
}

func (s *DiskLruStore) journalRebuildRequired() bool {
	return s.redundantOpCount >= redundantOpCompactThreshold &&
		s.redundantOpCount >= s.entries.Len()
}

func (s *DiskLruStore) cleanupLocked() {
	s.trimToSizeLocked()
	if s.journalRebuildRequired() {
		if err := s.rebuildJournal(); err != nil {
			s.logger.Warn("disk cache journal rebuild failed", "dir", s.dir, "error", err)
		}
	}
}

// trimToSizeLocked evicts least recently used entries that are not being
// edited until the store fits its budget.
func (s *DiskLruStore) trimToSizeLocked() {
	if s.size <= s.maxSize {
		return
	}
	for _, k := range s.entries.Keys() {
		if s.size <= s.maxSize {
			return
		}
		e, _ := s.entries.Peek(k)
		if e.editor != nil || !e.readable {
			continue
		}
		if err := s.removeEntryLocked(e); err != nil {
			s.logger.Warn("disk cache eviction failed", "key", k, "error", err)
			continue
		}
		s.logger.Debug("disk cache evicted entry", "key", k, "size", s.size)
	}
}

func (s *DiskLruStore) writeRecord(line string) error {
	if s.journal == nil {
		return errs.CacheIO(nil, "journal is not open")
	}
	if _, err := io.WriteString(s.journal, line+"\n"); err != nil {
		return errs.CacheIO(err, "failed to append to journal")
	}
	return nil
}
