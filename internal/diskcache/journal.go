package diskcache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-git/go-billy/v5/util"
)

// readJournal loads the journal into s.entries. It reports whether the
// journal should be rewritten, which is the case when its last line was
// truncated by a crash.
func (s *DiskLruStore) readJournal() (rebuild bool, err error) {
	data, err := util.ReadFile(s.fs, s.path(journalFile))
	if err != nil {
		return false, fmt.Errorf("failed to read journal: %w", err)
	}
	lines := strings.Split(string(data), "\n")
	// A complete journal ends with a newline, leaving one empty element.
	truncated := lines[len(lines)-1] != ""
	lines = lines[:len(lines)-1]

	header := []string{magic, internalVersion, strconv.Itoa(s.appVersion), strconv.Itoa(s.valueCount), ""}
	if len(lines) < len(header) {
		return false, errors.New("journal header is truncated")
	}
	for i, want := range header {
		if lines[i] != want {
			return false, fmt.Errorf("journal header line %d is %q, want %q", i+1, lines[i], want)
		}
	}

	records := lines[len(header):]
	for n, line := range records {
		if err := s.readJournalLine(line); err != nil {
			return false, fmt.Errorf("journal line %d: %w", n+len(header)+1, err)
		}
	}
	s.redundantOpCount = len(records) - s.entries.Len()
	return truncated, nil
}

func (s *DiskLruStore) readJournalLine(line string) error {
	fields := strings.Split(line, " ")
	if len(fields) < 2 {
		return fmt.Errorf("unexpected record %q", line)
	}
	op, key := fields[0], fields[1]
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("invalid key in record %q", line)
	}

	if op == "REMOVE" && len(fields) == 2 {
		s.entries.Remove(key)
		return nil
	}

	e, ok := s.entries.Get(key)
	if !ok {
		e = &entry{key: key, lengths: make([]int64, s.valueCount)}
		s.entries.Add(key, e)
	}

	switch {
	case op == "CLEAN" && len(fields) == 2+s.valueCount:
		for i, f := range fields[2:] {
			n, err := strconv.ParseInt(f, 10, 64)
			if err != nil || n < 0 {
				return fmt.Errorf("invalid length in record %q", line)
			}
			e.lengths[i] = n
		}
		e.readable = true
		e.editor = nil
		e.seq = s.nextSeq
		s.nextSeq++
	case op == "DIRTY" && len(fields) == 2:
		e.editor = &Editor{store: s, entry: e}
	case op == "READ" && len(fields) == 2:
		// Get above already refreshed recency.
	default:
		return fmt.Errorf("unexpected record %q", line)
	}
	return nil
}

// rebuildJournal writes a compact journal describing s.entries and reopens
// it for appending. The live journal is moved aside first so that a crash at
// any point leaves either journal or journal.bkp holding a complete log.
func (s *DiskLruStore) rebuildJournal() error {
	if s.journal != nil {
		_ = s.journal.Close()
		s.journal = nil
	}

	_ = s.fs.Remove(s.path(journalFileTmp))
	if s.exists(s.path(journalFile)) {
		_ = s.fs.Remove(s.path(journalFileBkp))
		if err := s.fs.Rename(s.path(journalFile), s.path(journalFileBkp)); err != nil {
			return fmt.Errorf("failed to back up journal: %w", err)
		}
	}

	if err := s.writeCompactJournal(s.path(journalFileTmp)); err != nil {
		return err
	}
	if err := s.fs.Rename(s.path(journalFileTmp), s.path(journalFile)); err != nil {
		return fmt.Errorf("failed to install journal: %w", err)
	}
	_ = s.fs.Remove(s.path(journalFileBkp))

	s.redundantOpCount = 0
	return s.openJournalForAppend()
}

func (s *DiskLruStore) writeCompactJournal(name string) (err error) {
	f, err := s.fs.Create(name)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close %s: %w", name, cerr)
		}
	}()

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s\n%d\n%d\n\n", magic, internalVersion, s.appVersion, s.valueCount)
	for _, k := range s.entries.Keys() {
		e, _ := s.entries.Peek(k)
		if e.editor != nil {
			b.WriteString("DIRTY " + k + "\n")
		} else {
			b.WriteString("CLEAN " + k + e.lengthsString() + "\n")
		}
	}
	if _, err := io.WriteString(f, b.String()); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func (s *DiskLruStore) openJournalForAppend() error {
	f, err := s.fs.OpenFile(s.path(journalFile), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	s.journal = f
	return nil
}
