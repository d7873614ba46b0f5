// Package windowstore implements Caesium's durable per-metric window log:
// an ordered, append-only sequence of (start, end, sketch) records per
// metric, replayed from a manifest + per-metric log files on startup and
// validated record-by-record with a CRC32C checksum.
//
// The design follows the same shape as a write-ahead log: each metric owns
// exactly one log file, writes to a metric take a per-metric lock (so
// unrelated metrics never contend), and the in-memory offset index for a
// metric is copy-on-write so that a concurrent Fetch never blocks on an
// Insert.
package windowstore

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"iter"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wedaly/caesium/internal/clog"
	"github.com/wedaly/caesium/internal/cserr"
	"github.com/wedaly/caesium/internal/sketch"
)

// MaxMetricNameLen bounds the length of a metric name in bytes.
const MaxMetricNameLen = 255

var metricNameRe = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,255}$`)

// ValidateMetricName reports whether name is an acceptable metric name.
func ValidateMetricName(name string) error {
	if !metricNameRe.MatchString(name) {
		return cserr.Wrap(cserr.KindBadRequest, fmt.Errorf("invalid metric name %q", name))
	}
	return nil
}

// Window is one durable [start, end) record for a metric.
type Window struct {
	Start  int64
	End    int64
	Sketch *sketch.Sketch
}

type recordOffset struct {
	start, end int64
	fileOffset int64
}

type metricFile struct {
	name string
	path string

	mu sync.Mutex // guards appends

	// offsets is replaced wholesale (copy-on-write) on every append so
	// that Fetch only holds a read lock long enough to take a reference.
	offsets atomicOffsets
}

type atomicOffsets struct {
	mu   sync.RWMutex
	data []recordOffset
}

func (a *atomicOffsets) load() []recordOffset {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.data
}

func (a *atomicOffsets) append(o recordOffset) {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := make([]recordOffset, len(a.data)+1)
	copy(next, a.data)
	next[len(a.data)] = o
	a.data = next
}

func (a *atomicOffsets) replace(offsets []recordOffset) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data = offsets
}

// Store is the durable window store for every metric in one directory.
type Store struct {
	dir string

	indexMu sync.RWMutex
	index   map[string]*metricFile

	manifestLock sync.Mutex

	handles *lru.Cache[string, *os.File]

	// CommitGroup, when 0, makes Insert fsync every append before
	// returning. Any other value makes Insert skip that fsync; no batched
	// or delayed fsync is issued in its place.
	CommitGroup int
}

// Open replays the manifest and validates every metric's log tail,
// truncating at the first corrupt record.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	handles, err := lru.NewWithEvict[string, *os.File](256, func(_ string, f *os.File) {
		f.Close()
	})
	if err != nil {
		return nil, err
	}
	s := &Store{
		dir:     dir,
		index:   make(map[string]*metricFile),
		handles: handles,
	}
	if err := s.replay(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) logPath(metric string) string {
	sum := sha1.Sum([]byte(metric))
	return filepath.Join(s.dir, fmt.Sprintf("metric_%x.log", sum))
}

func (s *Store) manifestPath() string { return filepath.Join(s.dir, "MANIFEST") }

// manifest lists every known metric name, one per line, so that Open can
// discover metrics without scanning the directory for hash-named files.
func (s *Store) replay() error {
	names, err := s.readManifest()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := s.replayMetric(name); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) readManifest() ([]string, error) {
	f, err := os.Open(s.manifestPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line != "" {
			names = append(names, line)
		}
	}
	return names, sc.Err()
}

func (s *Store) appendManifest(name string) error {
	s.manifestLock.Lock()
	defer s.manifestLock.Unlock()

	f, err := os.OpenFile(s.manifestPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, name); err != nil {
		return err
	}
	return f.Sync()
}

// record wire format: u64 start | u64 end | u32 crc32c(payload) | u32 len(payload) | payload
func (s *Store) replayMetric(name string) error {
	path := s.logPath(name)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		s.indexMu.Lock()
		s.index[name] = &metricFile{name: name, path: path}
		s.indexMu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	mf := &metricFile{name: name, path: path}
	var offset int64
	var offs []recordOffset
	for {
		rec, n, err := readRecord(f)
		if err == io.EOF {
			break
		}
		if err != nil {
			clog.Warnf("windowstore: truncating %s at offset %d: %v", path, offset, err)
			if truncErr := os.Truncate(path, offset); truncErr != nil {
				return truncErr
			}
			break
		}
		// A later record whose window covers earlier ones supersedes them:
		// that is how Insert's merge-and-rewrite and ReplaceRange persist.
		next := make([]recordOffset, 0, len(offs)+1)
		for _, o := range offs {
			if o.start >= rec.Start && o.end <= rec.End {
				continue
			}
			next = append(next, o)
		}
		offs = append(next, recordOffset{start: rec.Start, end: rec.End, fileOffset: offset})
		offset += n
	}
	mf.offsets.replace(offs)

	s.indexMu.Lock()
	s.index[name] = mf
	s.indexMu.Unlock()
	return nil
}

type decodedRecord struct {
	Start, End int64
	Payload    []byte
}

func readRecord(r io.Reader) (decodedRecord, int64, error) {
	var header [24]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return decodedRecord{}, 0, cserr.ErrCorrupt
		}
		return decodedRecord{}, 0, err
	}
	start := int64(binary.LittleEndian.Uint64(header[0:8]))
	end := int64(binary.LittleEndian.Uint64(header[8:16]))
	checksum := binary.LittleEndian.Uint32(header[16:20])
	length := binary.LittleEndian.Uint32(header[20:24])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return decodedRecord{}, 0, cserr.ErrCorrupt
	}
	if crc32.Checksum(payload, crc32.MakeTable(crc32.Castagnoli)) != checksum {
		return decodedRecord{}, 0, cserr.ErrCorrupt
	}
	return decodedRecord{Start: start, End: end, Payload: payload}, int64(24 + length), nil
}

func writeRecord(w io.Writer, start, end int64, payload []byte) error {
	var header [24]byte
	binary.LittleEndian.PutUint64(header[0:8], uint64(start))
	binary.LittleEndian.PutUint64(header[8:16], uint64(end))
	binary.LittleEndian.PutUint32(header[16:20], crc32.Checksum(payload, crc32.MakeTable(crc32.Castagnoli)))
	binary.LittleEndian.PutUint32(header[20:24], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func (s *Store) metricFileFor(name string) (*metricFile, bool) {
	s.indexMu.RLock()
	mf, ok := s.index[name]
	s.indexMu.RUnlock()
	return mf, ok
}

func (s *Store) getOrCreateMetricFile(name string) (*metricFile, error) {
	if mf, ok := s.metricFileFor(name); ok {
		return mf, nil
	}
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if mf, ok := s.index[name]; ok {
		return mf, nil
	}
	mf := &metricFile{name: name, path: s.logPath(name)}
	s.index[name] = mf
	if err := s.appendManifest(name); err != nil {
		delete(s.index, name)
		return nil, err
	}
	return mf, nil
}

func (s *Store) openHandle(mf *metricFile) (*os.File, error) {
	if f, ok := s.handles.Get(mf.path); ok {
		return f, nil
	}
	f, err := os.OpenFile(mf.path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	s.handles.Add(mf.path, f)
	return f, nil
}

// Insert durably appends a window for metric. An identical (start, end)
// pair already present is merged into the new sketch (spec's
// merge-and-rewrite rule); a partial overlap with a different (start, end)
// is rejected with ErrConflictingWindow.
func (s *Store) Insert(ctx context.Context, metric string, start, end int64, sk *sketch.Sketch) error {
	if err := ValidateMetricName(metric); err != nil {
		return err
	}
	if start >= end {
		return cserr.Wrap(cserr.KindBadRequest, fmt.Errorf("window start %d must be before end %d", start, end))
	}

	mf, err := s.getOrCreateMetricFile(metric)
	if err != nil {
		return err
	}

	mf.mu.Lock()
	defer mf.mu.Unlock()

	mergedExisting := false
	for _, off := range mf.offsets.load() {
		overlaps := start < off.end && off.start < end
		if !overlaps {
			continue
		}
		if off.start == start && off.end == end {
			existing, err := s.readSketchAt(mf, off)
			if err != nil {
				return err
			}
			if err := existing.Merge(sk); err != nil {
				return err
			}
			sk = existing
			mergedExisting = true
			break
		}
		return cserr.ErrConflictingWindow
	}

	payload, err := sk.MarshalBinary()
	if err != nil {
		return err
	}

	f, err := s.openHandle(mf)
	if err != nil {
		return err
	}
	fileOffset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if err := writeRecord(f, start, end, payload); err != nil {
		return err
	}
	if s.CommitGroup == 0 {
		if err := f.Sync(); err != nil {
			return err
		}
	}

	rec := recordOffset{start: start, end: end, fileOffset: fileOffset}
	if !mergedExisting {
		mf.offsets.append(rec)
		return nil
	}
	old := mf.offsets.load()
	next := make([]recordOffset, 0, len(old))
	for _, off := range old {
		if off.start != start || off.end != end {
			next = append(next, off)
		}
	}
	mf.offsets.replace(append(next, rec))
	return nil
}

// readSketchAt reads the record at off via ReadAt rather than Seek+Read:
// the file handle is cached and shared across every concurrent Fetch (and
// with Insert's writer), so a Seek would race another goroutine's Seek
// between the two calls and read from the wrong position. ReadAt pairs
// the offset with the read in one syscall and never touches the shared
// file position.
func (s *Store) readSketchAt(mf *metricFile, off recordOffset) (*sketch.Sketch, error) {
	f, err := s.openHandle(mf)
	if err != nil {
		return nil, err
	}
	sr := io.NewSectionReader(f, off.fileOffset, math.MaxInt64-off.fileOffset)
	rec, _, err := readRecord(sr)
	if err != nil {
		return nil, err
	}
	sk := &sketch.Sketch{}
	if err := sk.UnmarshalBinary(rec.Payload); err != nil {
		return nil, err
	}
	return sk, nil
}

// Fetch streams every window for metric in ascending start order, clipped
// to [lo, hi) when either bound is non-nil. An unknown metric yields an
// empty stream, not an error.
func (s *Store) Fetch(ctx context.Context, metric string, lo, hi *int64) (iter.Seq[Window], error) {
	if err := ValidateMetricName(metric); err != nil {
		return nil, err
	}
	mf, ok := s.metricFileFor(metric)
	if !ok {
		return func(func(Window) bool) {}, nil
	}

	offsets := append([]recordOffset(nil), mf.offsets.load()...)
	sort.Slice(offsets, func(i, j int) bool { return offsets[i].start < offsets[j].start })

	return func(yield func(Window) bool) {
		for _, off := range offsets {
			if ctx.Err() != nil {
				return
			}
			if lo != nil && off.end <= *lo {
				continue
			}
			if hi != nil && off.start >= *hi {
				break
			}
			sk, err := s.readSketchAt(mf, off)
			if err != nil {
				clog.Errorf("windowstore: reading %s@%d: %v", metric, off.fileOffset, err)
				return
			}
			if !yield(Window{Start: off.start, End: off.end, Sketch: sk}) {
				return
			}
		}
	}, nil
}

// Search returns every metric name matching a shell-style glob, sorted.
func (s *Store) Search(glob string) ([]string, error) {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()

	var out []string
	for name := range s.index {
		ok, err := filepath.Match(glob, name)
		if err != nil {
			return nil, cserr.Wrap(cserr.KindBadRequest, err)
		}
		if ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ReplaceRange atomically substitutes every window whose [start,end) falls
// within [rangeStart, rangeEnd) for a single merged window, used by the
// downsampler's compaction step (C3). The merged record is appended to the
// log before the in-memory index is swapped, so a crash between the two
// steps leaves the old (still valid) windows live rather than losing data —
// the same ordering the teacher's archiver uses (write first, then move).
func (s *Store) ReplaceRange(metric string, rangeStart, rangeEnd int64, merged Window) error {
	mf, err := s.getOrCreateMetricFile(metric)
	if err != nil {
		return err
	}

	mf.mu.Lock()
	defer mf.mu.Unlock()

	payload, err := merged.Sketch.MarshalBinary()
	if err != nil {
		return err
	}
	f, err := s.openHandle(mf)
	if err != nil {
		return err
	}
	fileOffset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if err := writeRecord(f, merged.Start, merged.End, payload); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}

	old := mf.offsets.load()
	next := make([]recordOffset, 0, len(old)+1)
	for _, off := range old {
		if off.start >= rangeStart && off.end <= rangeEnd {
			continue
		}
		next = append(next, off)
	}
	next = append(next, recordOffset{start: merged.Start, end: merged.End, fileOffset: fileOffset})
	sort.Slice(next, func(i, j int) bool { return next[i].start < next[j].start })
	mf.offsets.replace(next)
	return nil
}

// Close flushes and releases all open file handles.
func (s *Store) Close() error {
	s.handles.Purge()
	return nil
}
