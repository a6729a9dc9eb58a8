// Package audit implements the append-only, PHI-scrubbed Audit Sink (C2).
// Writes are asynchronous but ordered per-writer; emit() never blocks a
// request path longer than a bounded queue push.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/async"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/logging"
	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/phi"
)

// Kind closes the set of audit record kinds.
type Kind string

const (
	KindAccess           Kind = "access"
	KindDataModification Kind = "data-modification"
	KindMedicalQuery     Kind = "medical-query"
	KindSecurityEvent    Kind = "security-event"
	KindHTTP             Kind = "http"
	// KindDropped replaces a record's Kind when the queue was full; the
	// original severity is preserved.
	KindDropped Kind = "audit-dropped"
)

// Severity routes a record to one of three downstream streams.
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeveritySecurity Severity = "security"
	SeverityError    Severity = "error"
)

// Record is the append-only audit event. Fields besides fixed enums and
// Timestamp are scrubbed before emission. SessionHash is the only form a
// session identity may take in a record — never the raw id.
type Record struct {
	Timestamp   time.Time      `json:"timestamp"`
	Kind        Kind           `json:"kind"`
	Severity    Severity       `json:"severity"`
	SessionHash string         `json:"sessionHash,omitempty"`
	Resource    string         `json:"resource,omitempty"`
	Action      string         `json:"action,omitempty"`
	Outcome     string         `json:"outcome,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// HashSessionID returns the stable hash used in place of a raw session id
// anywhere a session identity must appear in an audit record, rate-limit
// key, or log line.
func HashSessionID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:32]
}

// Sink is the append-only audit writer.
type Sink struct {
	queue     chan Record
	scrubber  *phi.Scrubber
	logger    logging.Logger
	streams   map[Severity]*rotatingWriter
	mu        sync.Mutex
	recent    []Record // bounded ring buffer for the compliance-report aggregate
	recentCap int
	recentPos int

	droppedCounter prometheus.Counter
	emittedCounter *prometheus.CounterVec

	closeOnce sync.Once
	done      chan struct{}
}

// Config configures the Sink's queue depth, scrub token, and log directory.
type Config struct {
	QueueDepth     int
	Scrubber       *phi.Scrubber
	Logger         logging.Logger
	LogDir         string
	MaxFileBytes   int64
	MaxFiles       int
	RecentCapacity int
	Registerer     prometheus.Registerer
}

// New builds and starts a Sink's background writer goroutine.
func New(cfg Config) (*Sink, error) {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}
	if cfg.Scrubber == nil {
		cfg.Scrubber = phi.New("")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.RecentCapacity <= 0 {
		cfg.RecentCapacity = 500
	}
	if cfg.LogDir == "" {
		cfg.LogDir = "./audit-logs"
	}
	if err := os.MkdirAll(cfg.LogDir, 0o750); err != nil {
		return nil, fmt.Errorf("audit: create log dir: %w", err)
	}

	streams := make(map[Severity]*rotatingWriter, 3)
	for _, sev := range []Severity{SeverityNormal, SeveritySecurity, SeverityError} {
		w, err := newRotatingWriter(cfg.LogDir, string(sev), cfg.MaxFileBytes, cfg.MaxFiles)
		if err != nil {
			return nil, fmt.Errorf("audit: open %s stream: %w", sev, err)
		}
		streams[sev] = w
	}

	s := &Sink{
		queue:     make(chan Record, cfg.QueueDepth),
		scrubber:  cfg.Scrubber,
		logger:    cfg.Logger,
		streams:   streams,
		recentCap: cfg.RecentCapacity,
		done:      make(chan struct{}),
	}

	if cfg.Registerer != nil {
		s.droppedCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_records_dropped_total",
			Help: "Audit records downgraded because the sink queue was full.",
		})
		s.emittedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_records_emitted_total",
			Help: "Audit records emitted by kind.",
		}, []string{"kind"})
		_ = cfg.Registerer.Register(s.droppedCounter)
		_ = cfg.Registerer.Register(s.emittedCounter)
	}

	async.Go(s.logger, "audit.writeLoop", s.writeLoop)
	return s, nil
}

// Emit enqueues record for asynchronous, scrubbed, append-only persistence.
// It never blocks beyond a bounded queue push: if the queue is full the
// record's Kind is replaced with KindDropped (severity preserved) and a
// metric is incremented, but the call still returns immediately.
func (s *Sink) Emit(record Record) {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	select {
	case s.queue <- record:
	default:
		record.Kind = KindDropped
		if s.droppedCounter != nil {
			s.droppedCounter.Inc()
		}
		select {
		case s.queue <- record:
		default:
			// Queue still full even for the downgraded record: the
			// request path must not block, so the record is lost. This
			// is the one path where "append-only" loses a record rather
			// than the request.
			s.logger.Error("audit queue saturated, dropping record kind=%s", record.Kind)
		}
	}
}

// writeLoop is the sole writer for every stream; it preserves per-writer
// FIFO by construction (one goroutine, one channel).
func (s *Sink) writeLoop() {
	for record := range s.queue {
		scrubbed := s.scrub(record)
		s.appendRecent(scrubbed)
		if s.emittedCounter != nil {
			s.emittedCounter.WithLabelValues(string(scrubbed.Kind)).Inc()
		}
		stream := s.streamFor(scrubbed.Severity)
		line, err := json.Marshal(scrubbed)
		if err != nil {
			s.logger.Error("audit: marshal record: %v", err)
			continue
		}
		if err := stream.WriteLine(line); err != nil {
			s.logger.Error("audit: write record: %v", err)
		}
	}
	close(s.done)
}

func (s *Sink) streamFor(sev Severity) *rotatingWriter {
	if w, ok := s.streams[sev]; ok {
		return w
	}
	return s.streams[SeverityNormal]
}

// scrub applies the PHI scrubber to every field except the fixed enums and
// the timestamp, and guarantees SessionHash never carries a raw id shape
// (it is opaque hex already, but is still passed through the string rule
// defensively).
func (s *Sink) scrub(r Record) Record {
	r.SessionHash, _ = s.scrubber.ScrubString(r.SessionHash)
	r.Resource, _ = s.scrubber.ScrubString(r.Resource)
	r.Action, _ = s.scrubber.ScrubString(r.Action)
	r.Outcome, _ = s.scrubber.ScrubString(r.Outcome)
	if r.Fields != nil {
		scrubbedAny, _ := s.scrubber.ScrubValue(toAnyMap(r.Fields))
		if m, ok := scrubbedAny.(map[string]any); ok {
			r.Fields = m
		}
	}
	return r
}

func toAnyMap(m map[string]any) map[string]any {
	return m
}

func (s *Sink) appendRecent(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.recent) < s.recentCap {
		s.recent = append(s.recent, r)
		return
	}
	s.recent[s.recentPos] = r
	s.recentPos = (s.recentPos + 1) % s.recentCap
}

// Recent returns a snapshot of the bounded recent-record window used by the
// compliance-report aggregate. It is a read-side convenience, not the
// source of truth — the rolled log files are.
func (s *Sink) Recent() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.recent))
	copy(out, s.recent)
	return out
}

// Close stops accepting new records and waits for the writer to drain,
// flushing every open stream. Call during graceful shutdown.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		close(s.queue)
	})
	<-s.done
	for _, w := range s.streams {
		_ = w.Close()
	}
}

// rotatingWriter appends newline-delimited JSON to a capped-size file,
// gzip-compressing and rotating once the cap is hit, retaining at most
// maxFiles rolled segments.
type rotatingWriter struct {
	mu       sync.Mutex
	dir      string
	prefix   string
	maxBytes int64
	maxFiles int
	file     *os.File
	written  int64
}

func newRotatingWriter(dir, prefix string, maxBytes int64, maxFiles int) (*rotatingWriter, error) {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	if maxFiles <= 0 {
		maxFiles = 20
	}
	w := &rotatingWriter{dir: dir, prefix: prefix, maxBytes: maxBytes, maxFiles: maxFiles}
	if err := w.openCurrent(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *rotatingWriter) currentPath() string {
	return filepath.Join(w.dir, fmt.Sprintf("%s.current.jsonl", w.prefix))
}

func (w *rotatingWriter) openCurrent() error {
	f, err := os.OpenFile(w.currentPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	w.file = f
	w.written = info.Size()
	return nil
}

func (w *rotatingWriter) WriteLine(line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.written+int64(len(line))+1 > w.maxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	n, err := w.file.Write(append(line, '\n'))
	w.written += int64(n)
	return err
}

func (w *rotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	rolled := filepath.Join(w.dir, fmt.Sprintf("%s.%d.jsonl.gz", w.prefix, time.Now().UnixNano()))
	if err := gzipFile(w.currentPath(), rolled); err != nil {
		return err
	}
	if err := os.Remove(w.currentPath()); err != nil {
		return err
	}
	w.enforceRetention()
	return w.openCurrent()
}

func (w *rotatingWriter) enforceRetention() {
	matches, err := filepath.Glob(filepath.Join(w.dir, w.prefix+".*.jsonl.gz"))
	if err != nil || len(matches) <= w.maxFiles {
		return
	}
	// Glob does not guarantee order; the unix-nano suffix sorts
	// lexicographically the same as numerically for same-length names.
	sort.Strings(matches)
	excess := len(matches) - w.maxFiles
	for i := 0; i < excess; i++ {
		_ = os.Remove(matches[i])
	}
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	if _, err := gz.Write(readAll(in)); err != nil {
		_ = gz.Close()
		return err
	}
	return gz.Close()
}

func readAll(f *os.File) []byte {
	info, err := f.Stat()
	if err != nil {
		return nil
	}
	buf := make([]byte, info.Size())
	_, _ = f.Read(buf)
	return buf
}
