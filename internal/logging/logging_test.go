package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{in: "debug", want: zap.DebugLevel},
		{in: "INFO", want: zap.InfoLevel},
		{in: " warn ", want: zap.WarnLevel},
		{in: "error", want: zap.ErrorLevel},
		{in: "chatty", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseLevel(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestConfigEncodings(t *testing.T) {
	t.Parallel()
	cfg, err := Config(zap.InfoLevel, "")
	require.NoError(t, err)
	assert.Equal(t, FormatConsole, cfg.Encoding)
	assert.True(t, cfg.DisableCaller)

	cfg, err = Config(zap.DebugLevel, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, cfg.Encoding)
	assert.False(t, cfg.DisableCaller)
	assert.Equal(t, []string{"stderr"}, cfg.OutputPaths)

	_, err = Config(zap.InfoLevel, "xml")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	t.Parallel()
	l, err := New("warn", FormatJSON)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.InfoLevel))
	assert.True(t, l.Core().Enabled(zap.ErrorLevel))

	_, err = New("nope", FormatJSON)
	assert.Error(t, err)
	assert.NotNil(t, OrNop(nil))
}
