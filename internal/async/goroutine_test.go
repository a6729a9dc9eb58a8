package async

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeLogger struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeLogger) Error(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, format)
}

func (f *fakeLogger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func TestGo_RecoversAPanicWithoutCrashingTheProcess(t *testing.T) {
	logger := &fakeLogger{}
	done := make(chan struct{})

	Go(logger, "test.panicker", func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine never returned")
	}

	assert.Eventually(t, func() bool { return logger.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestGo_RunsFnToCompletionWhenNoPanic(t *testing.T) {
	logger := &fakeLogger{}
	ran := make(chan struct{})

	Go(logger, "test.ok", func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("fn never ran")
	}
	assert.Equal(t, 0, logger.count())
}

func TestRecover_TreatsNilLoggerAsANoop(t *testing.T) {
	assert.NotPanics(t, func() {
		defer Recover(nil, "test.nil-logger")
		panic("boom")
	})
}

func TestRecover_OmitsNameWhenEmpty(t *testing.T) {
	logger := &fakeLogger{}
	func() {
		defer Recover(logger, "")
		panic("boom")
	}()
	assert.Equal(t, 1, logger.count())
	assert.Contains(t, logger.messages[0], "goroutine panic:")
}
