package diskcache

import (
	"fmt"
	"io"

	"github.com/go-git/go-billy/v5"

	"github.com/ironsheep/imageloader/internal/errs"
)

// Editor writes the values of one entry. Exactly one of Commit or Abort must
// be called; AbortUnlessCommitted is convenient in a defer.
type Editor struct {
	store   *DiskLruStore
	entry   *entry
	written []bool
	done    bool
	// detached is set when the store was cleared under this editor.
	detached bool
}

// Key returns the entry key.
func (ed *Editor) Key() string { return ed.entry.key }

// NewSink returns a writer for value i. The bytes become visible to readers
// only after Commit. Closing the writer is the caller's job.
func (ed *Editor) NewSink(i int) (io.WriteCloser, error) {
	s := ed.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ed.checkLocked(i); err != nil {
		return nil, err
	}
	f, err := s.fs.Create(ed.entry.dirtyPath(s.dir, i))
	if err != nil {
		return nil, errs.CacheIO(err, "failed to create value %d of %s", i, ed.entry.key)
	}
	ed.written[i] = true
	return f, nil
}

// SetBytes writes value i in one call.
func (ed *Editor) SetBytes(i int, data []byte) (err error) {
	w, err := ed.NewSink(i)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = errs.CacheIO(cerr, "failed to close value %d of %s", i, ed.entry.key)
		}
	}()
	if _, err := w.Write(data); err != nil {
		return errs.CacheIO(err, "failed to write value %d of %s", i, ed.entry.key)
	}
	return nil
}

// NewSource opens the last committed value i, or returns ErrNoValue when the
// entry has never been committed.
func (ed *Editor) NewSource(i int) (io.ReadCloser, error) {
	s := ed.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ed.checkLocked(i); err != nil {
		return nil, err
	}
	if !ed.entry.readable {
		return nil, ErrNoValue
	}
	f, err := s.fs.Open(ed.entry.cleanPath(s.dir, i))
	if err != nil {
		return nil, errs.CacheIO(err, "failed to open value %d of %s", i, ed.entry.key)
	}
	return f, nil
}

// Commit publishes the written values. Values that were not written keep
// their previous contents.
func (ed *Editor) Commit() error {
	return ed.complete(true)
}

// Abort discards the written values.
func (ed *Editor) Abort() error {
	return ed.complete(false)
}

// AbortUnlessCommitted aborts if neither Commit nor Abort has run.
func (ed *Editor) AbortUnlessCommitted() {
	ed.store.mu.Lock()
	done := ed.done
	ed.store.mu.Unlock()
	if !done {
		_ = ed.Abort()
	}
}

func (ed *Editor) complete(success bool) error {
	s := ed.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if ed.done {
		return fmt.Errorf("diskcache: editor for %q already completed", ed.entry.key)
	}
	ed.done = true
	if ed.detached || s.closed {
		for i := 0; i < s.valueCount; i++ {
			_ = s.fs.Remove(ed.entry.dirtyPath(s.dir, i))
		}
		if success {
			return errs.CacheIO(nil, "editor for %s was detached", ed.entry.key)
		}
		return nil
	}
	if err := s.completeEdit(ed, success); err != nil {
		return errs.CacheIO(err, "failed to complete edit of %s", ed.entry.key)
	}
	return nil
}

func (ed *Editor) checkLocked(i int) error {
	if ed.done || ed.detached || ed.store.closed {
		return fmt.Errorf("diskcache: editor for %q is no longer usable", ed.entry.key)
	}
	if i < 0 || i >= ed.store.valueCount {
		return fmt.Errorf("diskcache: value index %d out of range [0,%d)", i, ed.store.valueCount)
	}
	return nil
}

// Snapshot is a consistent view of an entry's values at the time of Get.
type Snapshot struct {
	store   *DiskLruStore
	key     string
	seq     int64
	files   []billy.File
	lengths []int64
}

// Key returns the entry key.
func (sn *Snapshot) Key() string { return sn.key }

// Open returns the reader for value i.
func (sn *Snapshot) Open(i int) io.Reader { return sn.files[i] }

// Length returns the byte length of value i.
func (sn *Snapshot) Length(i int) int64 { return sn.lengths[i] }

// Bytes reads value i completely.
func (sn *Snapshot) Bytes(i int) ([]byte, error) {
	data, err := io.ReadAll(sn.files[i])
	if err != nil {
		return nil, errs.CacheIO(err, "failed to read value %d of %s", i, sn.key)
	}
	return data, nil
}

// Edit returns an editor for the entry, or ErrStaleSnapshot when the entry
// was committed again or removed since the snapshot was taken.
func (sn *Snapshot) Edit() (*Editor, error) {
	return sn.store.edit(sn.key, sn.seq)
}

// Close releases the snapshot's files.
func (sn *Snapshot) Close() error {
	var first error
	for _, f := range sn.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
