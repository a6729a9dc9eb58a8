package logging

import (
	"bytes"
	"log"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newBufferedLogger(component string) (*stdLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	return &stdLogger{
		mu:        &sync.Mutex{},
		component: component,
		out:       log.New(&buf, "", 0),
	}, &buf
}

func TestStdLogger_PrefixesLevelAndComponent(t *testing.T) {
	logger, buf := newBufferedLogger("toolpool")
	logger.Error("provider %s failed: %v", "citations", "timeout")

	assert.Contains(t, buf.String(), "ERROR [toolpool]")
	assert.Contains(t, buf.String(), "provider citations failed: timeout")
}

func TestStdLogger_EveryLevelWritesItsOwnLabel(t *testing.T) {
	logger, buf := newBufferedLogger("session")

	logger.Debug("d")
	logger.Info("i")
	logger.Warn("w")
	logger.Error("e")

	out := buf.String()
	assert.Contains(t, out, "DEBUG [session] d")
	assert.Contains(t, out, "INFO [session] i")
	assert.Contains(t, out, "WARN [session] w")
	assert.Contains(t, out, "ERROR [session] e")
}

func TestNop_DiscardsEverything(t *testing.T) {
	assert.NotPanics(t, func() {
		l := Nop()
		l.Debug("x")
		l.Info("x")
		l.Warn("x")
		l.Error("x")
	})
}

func TestOrNop_ReturnsNopForNilLogger(t *testing.T) {
	assert.Equal(t, Nop(), OrNop(nil))
}

func TestOrNop_ReturnsTheGivenLoggerWhenNonNil(t *testing.T) {
	logger, _ := newBufferedLogger("x")
	assert.Same(t, logger, OrNop(logger))
}
