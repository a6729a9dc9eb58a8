package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheck_AllowsUpToLimit(t *testing.T) {
	l := New(Config{Window: 60 * time.Second, Caps: map[Class]int{ClassMedical: 3}})
	now := time.Now()

	for i := 0; i < 3; i++ {
		res := l.checkAt("session-1", ClassMedical, now)
		assert.True(t, res.Allowed, "request %d should be allowed", i+1)
	}
}

func TestCheck_RejectsOverLimit(t *testing.T) {
	l := New(Config{Window: 60 * time.Second, Caps: map[Class]int{ClassMedical: 3}})
	now := time.Now()

	for i := 0; i < 3; i++ {
		l.checkAt("session-1", ClassMedical, now)
	}
	res := l.checkAt("session-1", ClassMedical, now)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
}

func TestCheck_WindowSlides(t *testing.T) {
	l := New(Config{Window: time.Second, Caps: map[Class]int{ClassMedical: 1}})
	now := time.Now()

	first := l.checkAt("session-1", ClassMedical, now)
	assert.True(t, first.Allowed)

	blocked := l.checkAt("session-1", ClassMedical, now.Add(500*time.Millisecond))
	assert.False(t, blocked.Allowed)

	allowedAgain := l.checkAt("session-1", ClassMedical, now.Add(1500*time.Millisecond))
	assert.True(t, allowedAgain.Allowed)
}

func TestCheck_IndependentKeysPerIdentifierAndClass(t *testing.T) {
	l := New(Config{Window: 60 * time.Second, Caps: map[Class]int{ClassMedical: 1, ClassAPI: 1}})
	now := time.Now()

	assert.True(t, l.checkAt("session-1", ClassMedical, now).Allowed)
	assert.True(t, l.checkAt("session-2", ClassMedical, now).Allowed)
	assert.True(t, l.checkAt("session-1", ClassAPI, now).Allowed)
}

func TestCheck_RemainingCountsDown(t *testing.T) {
	l := New(Config{Window: 60 * time.Second, Caps: map[Class]int{ClassMedical: 3}})
	now := time.Now()

	r1 := l.checkAt("session-1", ClassMedical, now)
	r2 := l.checkAt("session-1", ClassMedical, now)
	r3 := l.checkAt("session-1", ClassMedical, now)

	assert.Equal(t, 2, r1.Remaining)
	assert.Equal(t, 1, r2.Remaining)
	assert.Equal(t, 0, r3.Remaining)
}
