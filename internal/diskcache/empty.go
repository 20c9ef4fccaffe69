package diskcache

// Store is the disk cache surface the pipeline depends on. *DiskLruStore
// implements it; Empty is the substitute used when no directory is usable.
type Store interface {
	Get(key string) (*Snapshot, error)
	Edit(key string) (*Editor, error)
	Remove(key string) (bool, error)
	Size() int64
	MaxSize() int64
	SetMaxSize(maxSize int64)
	Keys() []string
	Clear() error
	Flush() error
	Close() error
}

var _ Store = (*DiskLruStore)(nil)

// Empty returns a Store that holds nothing: every Get misses and Edit
// returns ErrClosed, so writers skip caching.
func Empty() Store { return emptyStore{} }

// IsEmpty reports whether s is the Empty store.
func IsEmpty(s Store) bool {
	_, ok := s.(emptyStore)
	return ok
}

type emptyStore struct{}

func (emptyStore) Get(string) (*Snapshot, error) { return nil, nil }
func (emptyStore) Edit(string) (*Editor, error)  { return nil, ErrClosed }
func (emptyStore) Remove(string) (bool, error)   { return false, nil }
func (emptyStore) Size() int64                   { return 0 }
func (emptyStore) MaxSize() int64                { return 0 }
func (emptyStore) SetMaxSize(int64)              {}
func (emptyStore) Keys() []string                { return nil }
func (emptyStore) Clear() error                  { return nil }
func (emptyStore) Flush() error                  { return nil }
func (emptyStore) Close() error                  { return nil }
