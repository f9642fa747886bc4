package log

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func currentFormat() string {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return format
}

func TestConfigure_ConcurrentWithLogging(t *testing.T) {
	t.Cleanup(func() { Configure(LevelInfo, "console") })

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			Configure(LevelError, []string{"json", "console"}[i%2])
		}()
		go func() {
			defer wg.Done()
			Debug("tick", "i", i)
			With("job_id", "j1").Debug("tick")
		}()
	}
	wg.Wait()

	Configure(LevelError, " JSON ")
	assert.Equal(t, "json", currentFormat())
	Configure(LevelError, "")
	assert.Equal(t, "json", currentFormat(), "an empty format keeps the current one")
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, []any{"a", 1, "2", "b"}, sanitize([]any{"a", 1, 2, "b", "dangling"}))
	assert.Empty(t, sanitize(nil))
}

func TestErrString(t *testing.T) {
	assert.Equal(t, "<nil>", errString(nil))
	assert.Equal(t, "boom", errString(errors.New("boom")))
}

func TestRedactURL(t *testing.T) {
	tests := map[string]string{
		"https://example.com/path/to/private.ics?token=abcd": "https://example.com/...(redacted)",
		"https://user:pw@example.com/cal":                    "https://example.com/...(redacted)",
		"https://example.com?key=1":                          "https://example.com/...(redacted)",
		"not a url":                                          "url://...(redacted)",
	}
	for in, want := range tests {
		assert.Equal(t, want, RedactURL(in), in)
	}
}
