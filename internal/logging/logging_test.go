package logging

import (
	"bytes"
	"testing"

	"github.com/go-kit/log/level"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		verbose   bool
		quiet     bool
		wantDebug bool
		wantInfo  bool
	}{
		{name: "Default", wantInfo: true},
		{name: "Verbose", verbose: true, wantDebug: true, wantInfo: true},
		{name: "Quiet", quiet: true},
		{name: "VerboseWins", verbose: true, quiet: true, wantDebug: true, wantInfo: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			logger := New(&buf, tt.verbose, tt.quiet)

			_ = level.Debug(logger).Log("msg", "debug line")
			_ = level.Info(logger).Log("msg", "info line")
			_ = level.Error(logger).Log("msg", "error line")

			out := buf.String()
			assert.Equal(t, tt.wantDebug, bytes.Contains([]byte(out), []byte("debug line")))
			assert.Equal(t, tt.wantInfo, bytes.Contains([]byte(out), []byte("info line")))
			assert.Contains(t, out, `msg="error line"`)
			assert.Contains(t, out, "level=error")
			assert.Contains(t, out, "ts=")
		})
	}
}

func TestNewWithLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := NewWithLevel(&buf, "WARN")
	require.NoError(t, err)

	_ = level.Info(logger).Log("msg", "hidden")
	_ = level.Warn(logger).Log("msg", "shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")

	_, err = NewWithLevel(&buf, "loud")
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Nop().Log("msg", "ignored"))
}
