package audit

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klyne-Labs-LLC/medIntel-medical-research-platform/internal/phi"
)

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	dir := t.TempDir()
	s, err := New(Config{
		QueueDepth:     8,
		Scrubber:       phi.New(""),
		LogDir:         dir,
		MaxFileBytes:   1 << 20,
		MaxFiles:       5,
		RecentCapacity: 10,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestEmit_ScrubsFieldsBeforePersisting(t *testing.T) {
	s := newTestSink(t)

	s.Emit(Record{
		Kind:     KindMedicalQuery,
		Severity: SeverityNormal,
		Resource: "patient ssn 123-45-6789",
		Fields: map[string]any{
			"email": "jane@example.com",
			"note":  "stable",
		},
	})

	require.Eventually(t, func() bool {
		return len(s.Recent()) == 1
	}, time.Second, 10*time.Millisecond)

	rec := s.Recent()[0]
	assert.NotContains(t, rec.Resource, "123-45-6789")
	assert.Equal(t, "[REDACTED]", rec.Fields["email"])
	assert.Equal(t, "stable", rec.Fields["note"])
}

func TestEmit_NeverBlocksWhenQueueFull(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{QueueDepth: 1, LogDir: dir})
	require.NoError(t, err)
	defer s.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			s.Emit(Record{Kind: KindAccess, Severity: SeverityNormal})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked under queue pressure")
	}
}

func TestHashSessionID_Deterministic(t *testing.T) {
	a := HashSessionID("session-123")
	b := HashSessionID("session-123")
	c := HashSessionID("session-456")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotContains(t, a, "session-123")
}

func TestRotatingWriter_RotatesAndGzips(t *testing.T) {
	dir := t.TempDir()
	w, err := newRotatingWriter(dir, "normal", 64, 3)
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, w.WriteLine([]byte(`{"kind":"access","padding":"xxxxxxxxxxxxxxxxxxxx"}`)))
	}

	rolled, err := filepath.Glob(filepath.Join(dir, "normal.*.jsonl.gz"))
	require.NoError(t, err)
	require.NotEmpty(t, rolled)

	f, err := os.Open(rolled[0])
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	lineCount := 0
	for scanner.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		lineCount++
	}
	assert.Greater(t, lineCount, 0)
}

func TestRecent_BoundedRingBuffer(t *testing.T) {
	// The queue holds the whole burst, so no record is downgraded or lost
	// before the 10-slot window wraps.
	s, err := New(Config{
		QueueDepth:     64,
		Scrubber:       phi.New(""),
		LogDir:         t.TempDir(),
		RecentCapacity: 10,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	for i := 0; i < 30; i++ {
		s.Emit(Record{Kind: KindAccess, Severity: SeverityNormal, Action: "tick"})
	}

	require.Eventually(t, func() bool {
		return len(s.Recent()) == 10
	}, time.Second, 10*time.Millisecond)
}
