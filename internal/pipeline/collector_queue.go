package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const spoolSuffix = ".batch"

var (
	errQueueEmpty = errors.New("queue is empty")
	errQueueFull  = errors.New("queue limits reached; rejecting new payload")
)

type queueRecord struct {
	name    string
	payload []byte
	created int64
}

// DiskQueue spools undelivered collector payloads, one file per batch.
// File names carry a sequence and creation time: <seq>-<unix>.batch.
// Params: directory and queue limits.
// Returns: queue instance restored from directory contents.
type DiskQueue struct {
	mu sync.Mutex

	dir       string
	maxEvents uint64
	maxAge    time.Duration
	now       func() time.Time

	entries []spoolEntry
	nextSeq uint64
	closed  bool
}

type spoolEntry struct {
	seq     uint64
	created int64
}

// OpenDiskQueue creates the spool directory and indexes existing batches.
// Params: dir queue directory; maxEvents/maxAge queue limits.
// Returns: initialized queue or error.
func OpenDiskQueue(dir string, maxEvents uint64, maxAge time.Duration) (*DiskQueue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir %q: %w", dir, err)
	}

	queue := &DiskQueue{
		dir:       dir,
		maxEvents: maxEvents,
		maxAge:    maxAge,
		now:       time.Now,
	}
	if err := queue.reindex(); err != nil {
		return nil, err
	}
	return queue, nil
}

// Enqueue writes one payload as the newest spool entry.
// Params: payload encoded batch payload.
// Returns: nil on write, errQueueFull when limits reached, or IO error.
func (q *DiskQueue) Enqueue(payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("queue is closed")
	}

	now := q.now().Unix()
	if err := q.rejectByLimits(now); err != nil {
		return err
	}

	entry := spoolEntry{seq: q.nextSeq, created: now}
	final := q.pathFor(entry)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write queue record: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit queue record: %w", err)
	}

	q.entries = append(q.entries, entry)
	q.nextSeq++
	return nil
}

// Peek reads the oldest pending spool entry.
// Params: none.
// Returns: record data, errQueueEmpty when no records exist.
func (q *DiskQueue) Peek() (queueRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return queueRecord{}, errQueueEmpty
	}

	head := q.entries[0]
	path := q.pathFor(head)
	payload, err := os.ReadFile(path)
	if err != nil {
		return queueRecord{}, fmt.Errorf("read queue record %s: %w", filepath.Base(path), err)
	}

	return queueRecord{
		name:    filepath.Base(path),
		payload: payload,
		created: head.created,
	}, nil
}

// Ack removes the consumed head entry.
// Params: consumed record from Peek.
// Returns: nil or IO error; acking anything but the head is rejected.
func (q *DiskQueue) Ack(consumed queueRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return fmt.Errorf("ack on empty queue")
	}

	head := q.entries[0]
	path := q.pathFor(head)
	if filepath.Base(path) != consumed.name {
		return fmt.Errorf("ack %q does not match queue head %q", consumed.name, filepath.Base(path))
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove queue record: %w", err)
	}

	q.entries = q.entries[1:]
	return nil
}

// Pending returns current pending queue record count.
// Params: none.
// Returns: pending record count.
func (q *DiskQueue) Pending() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return uint64(len(q.entries))
}

// Close marks the queue closed; spooled files stay for the next start.
// Params: none.
// Returns: always nil.
func (q *DiskQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// reindex rebuilds the entry list from spool file names.
// Params: none.
// Returns: nil or directory read error; stray temp files are removed.
func (q *DiskQueue) reindex() error {
	dirEntries, err := os.ReadDir(q.dir)
	if err != nil {
		return fmt.Errorf("read queue dir %q: %w", q.dir, err)
	}

	q.entries = q.entries[:0]
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() {
			continue
		}
		name := dirEntry.Name()
		if strings.HasSuffix(name, ".tmp") {
			_ = os.Remove(filepath.Join(q.dir, name))
			continue
		}
		entry, ok := parseSpoolName(name)
		if !ok {
			continue
		}
		q.entries = append(q.entries, entry)
	}

	sort.Slice(q.entries, func(i, j int) bool { return q.entries[i].seq < q.entries[j].seq })
	if len(q.entries) > 0 {
		q.nextSeq = q.entries[len(q.entries)-1].seq + 1
	}
	return nil
}

// rejectByLimits checks queue constraints before append.
// Params: now unix timestamp.
// Returns: errQueueFull if queue rejects new payload.
func (q *DiskQueue) rejectByLimits(now int64) error {
	pending := uint64(len(q.entries))
	if q.maxEvents > 0 && pending >= q.maxEvents {
		return errQueueFull
	}
	if q.maxAge > 0 && pending > 0 {
		oldest := q.entries[0].created
		if time.Unix(now, 0).Sub(time.Unix(oldest, 0)) >= q.maxAge {
			return errQueueFull
		}
	}
	return nil
}

func (q *DiskQueue) pathFor(entry spoolEntry) string {
	return filepath.Join(q.dir, fmt.Sprintf("%020d-%d%s", entry.seq, entry.created, spoolSuffix))
}

// parseSpoolName decodes <seq>-<unix>.batch file names.
// Params: name base file name.
// Returns: entry and ok flag.
func parseSpoolName(name string) (spoolEntry, bool) {
	stem, found := strings.CutSuffix(name, spoolSuffix)
	if !found {
		return spoolEntry{}, false
	}
	seqPart, createdPart, found := strings.Cut(stem, "-")
	if !found {
		return spoolEntry{}, false
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return spoolEntry{}, false
	}
	created, err := strconv.ParseInt(createdPart, 10, 64)
	if err != nil {
		return spoolEntry{}, false
	}
	return spoolEntry{seq: seq, created: created}, true
}
