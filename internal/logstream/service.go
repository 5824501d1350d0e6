// Package logstream captures the process's log output into a bounded,
// deduplicated ring buffer, appends it to a daily file and fans it out on
// the bus.
package logstream

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmmdekkd/yunkit/internal/bus"
	"github.com/dmmdekkd/yunkit/internal/otel"
)

// Dedup policies.
const (
	PolicyContent = "content"
	PolicyUnique  = "unique"
)

const (
	DefaultCapacity = 500
	filePrefix      = "bot-"
	fileSuffix      = ".log"
	dateLayout      = "2006-01-02"
)

// FileName returns the daily log file name for t.
func FileName(t time.Time) string {
	return filePrefix + t.Format(dateLayout) + fileSuffix
}

// ParseFileName extracts the date from a daily log file name.
func ParseFileName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, false
	}
	d, err := time.ParseInLocation(dateLayout, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

type Options struct {
	// Dir holds the daily files. Empty disables file append and replay.
	Dir      string
	Capacity int
	Policy   string
	Bus      *bus.Bus
	Metrics  *otel.Metrics
	// Logger receives the service's own warnings. It must not be routed
	// back into this service.
	Logger *slog.Logger
	Now    func() time.Time
}

// Service is the ingest pipeline. All methods are safe for concurrent use.
type Service struct {
	dir     string
	cap     int
	policy  string
	bus     *bus.Bus
	metrics *otel.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu  sync.Mutex
	buf []Record
	ids map[string]struct{}

	// Accepted lines queue here in ingest order; writeLoop appends them so
	// disk latency never holds mu.
	fileMu   sync.Mutex
	fileCond *sync.Cond
	pending  []fileLine
	closed   bool
	done     chan struct{}
	closeErr error

	// Owned by writeLoop.
	file     *os.File
	fileName string
}

type fileLine struct {
	at  time.Time
	raw string
}

func New(opts Options) *Service {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Policy == "" {
		opts.Policy = PolicyContent
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Service{
		dir:     opts.Dir,
		cap:     opts.Capacity,
		policy:  opts.Policy,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     opts.Now,
		ids:     make(map[string]struct{}, opts.Capacity),
	}
	if s.dir != "" {
		s.fileCond = sync.NewCond(&s.fileMu)
		s.done = make(chan struct{})
		go s.writeLoop()
	}
	return s
}

// Ingest records one log call. It returns the record and whether it was
// accepted; a content duplicate of a retained record is dropped.
func (s *Service) Ingest(level Level, parts ...any) (Record, bool) {
	if level.Rank() < 0 {
		level = LevelInfo
	}
	raw := joinParts(parts)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.identify(raw)
	if _, dup := s.ids[id]; dup {
		s.metrics.RecordDuplicate(context.Background())
		return Record{}, false
	}
	rec := newRecord(id, level, now, raw)

	s.enqueue(now, raw)
	s.push(rec)
	if s.bus != nil {
		s.bus.Publish(bus.TopicLogRecord, rec)
	}
	s.metrics.RecordIngest(context.Background(), string(level))
	return rec, true
}

func (s *Service) identify(raw string) string {
	if s.policy == PolicyUnique {
		return uuid.NewString()
	}
	return ContentID(raw)
}

// push appends rec and evicts from the front past capacity. Caller holds mu.
func (s *Service) push(rec Record) {
	s.buf = append(s.buf, rec)
	s.ids[rec.ID] = struct{}{}
	for len(s.buf) > s.cap {
		delete(s.ids, s.buf[0].ID)
		s.buf[0] = Record{}
		s.buf = s.buf[1:]
	}
}

// enqueue hands raw to the write loop. Caller holds mu, which fixes the
// file order to the ingest order.
func (s *Service) enqueue(now time.Time, raw string) {
	if s.dir == "" {
		return
	}
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.closed {
		return
	}
	s.pending = append(s.pending, fileLine{at: now, raw: raw})
	s.fileCond.Signal()
}

func (s *Service) writeLoop() {
	defer close(s.done)
	for {
		s.fileMu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.fileCond.Wait()
		}
		batch := s.pending
		s.pending = nil
		s.fileMu.Unlock()

		if len(batch) == 0 {
			if s.file != nil {
				s.closeErr = s.file.Close()
				s.file = nil
			}
			return
		}
		for _, l := range batch {
			s.appendFile(l.at, l.raw)
		}
	}
}

// appendFile writes raw to the file for now's day. Failures are logged and
// ignored.
func (s *Service) appendFile(now time.Time, raw string) {
	name := FileName(now)
	if s.file == nil || s.fileName != name {
		if s.file != nil {
			_ = s.file.Close()
			s.file = nil
		}
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			s.logger.Warn("log dir unavailable", "dir", s.dir, "error", err)
			return
		}
		f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			s.logger.Warn("open daily log failed", "file", name, "error", err)
			return
		}
		s.file, s.fileName = f, name
	}
	if _, err := s.file.WriteString(raw + "\n"); err != nil {
		s.logger.Warn("append daily log failed", "file", name, "error", err)
	}
}

// Snapshot returns a copy of the buffer, oldest first.
func (s *Service) Snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.buf))
	copy(out, s.buf)
	return out
}

// Len returns the number of buffered records.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Capacity returns the buffer bound.
func (s *Service) Capacity() int { return s.cap }

// Dir returns the daily file directory.
func (s *Service) Dir() string { return s.dir }

// Subscribe returns a live feed of accepted records. Callers that also
// need the backlog should subscribe first and then take a Snapshot,
// skipping ids they have already sent.
func (s *Service) Subscribe(size int) *bus.Subscription {
	if s.bus == nil {
		return nil
	}
	return s.bus.SubscribeSize(bus.TopicLogRecord, size)
}

func (s *Service) Unsubscribe(sub *bus.Subscription) {
	if s.bus != nil {
		s.bus.Unsubscribe(sub)
	}
}

// Replay seeds the buffer from today's daily file. Replayed records are
// neither appended to the file nor published. It returns how many records
// were loaded; a missing file is not an error.
func (s *Service) Replay() (int, error) {
	if s.dir == "" {
		return 0, nil
	}
	now := s.now()
	path := filepath.Join(s.dir, FileName(now))
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) > s.cap {
			lines = lines[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	loaded := 0
	for _, line := range lines {
		id := s.identify(line)
		if _, dup := s.ids[id]; dup {
			continue
		}
		rec := newRecord(id, LevelInfo, now, line)
		if ts, ok := sourceTimestamp(rec.Source, now); ok {
			rec.Timestamp = ts
		}
		s.push(rec)
		loaded++
	}
	return loaded, nil
}

// Close flushes queued lines and releases the open daily file. Records
// accepted afterwards stay in memory only.
func (s *Service) Close() error {
	if s.dir == "" {
		return nil
	}
	s.fileMu.Lock()
	if s.closed {
		s.fileMu.Unlock()
		return nil
	}
	s.closed = true
	s.fileCond.Broadcast()
	s.fileMu.Unlock()
	<-s.done
	return s.closeErr
}
