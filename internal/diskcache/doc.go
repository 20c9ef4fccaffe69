// Package diskcache implements DiskLruStore, a size-bounded LRU key/value
// store on a billy.Filesystem whose state survives process crashes.
//
// # Layout
//
// A store owns one directory:
//
//	journal        append-only operation log
//	journal.bkp    previous journal, present only while the journal is rebuilt
//	journal.tmp    journal under construction
//	.lock          cross-process lock (only with WithProcessLock)
//	<key>.<i>      committed value i of key
//	<key>.<i>.tmp  value i of key while an edit is in progress
//
// Every key holds a fixed number of values (ValueCount). Keys must match
// [a-z0-9_-]{1,120}; callers hash arbitrary keys with keys.Hash first.
//
// # Journal
//
// The journal starts with a five line header:
//
//	imageloader.DiskLruStore
//	1
//	<app version>
//	<value count>
//	<blank>
//
// followed by one record per line:
//
//	DIRTY <key>              an edit started
//	CLEAN <key> <len>...     an edit committed; one length per value
//	REMOVE <key>             the entry was removed or its first edit aborted
//	READ <key>               the entry was read (LRU bookkeeping only)
//
// A DIRTY record must be followed by CLEAN or REMOVE for the same key. When
// the store is opened after a crash, entries whose last record is DIRTY are
// dropped and their files deleted, so a partially written value is never
// returned.
//
// Redundant records accumulate; once there are at least 2000 of them and at
// least as many as live entries, the journal is rewritten from memory. The
// live journal is first moved to journal.bkp, the new one is written to
// journal.tmp and renamed into place, and the backup is deleted. Opening a
// store with journal.bkp but no journal promotes the backup.
//
// A journal that cannot be parsed, or whose header does not match the store's
// internal version, app version or value count, causes the directory to be
// wiped and the store to start empty.
//
// # Editing
//
// Edit returns an Editor for a key, or ErrEditInProgress when another editor
// holds it. A key has at most one editor at a time; readers keep seeing the
// last committed values until Commit. A new entry must write every value
// before it can be committed.
package diskcache
