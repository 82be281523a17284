package envconfig

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrv0/lorax/internal/logutil"
)

func TestConfig(t *testing.T) {
	t.Setenv("LORAX_DEBUG", "")
	LoadConfig()
	require.Equal(t, 0, Debug)
	require.Equal(t, slog.LevelInfo, LogLevel())

	t.Setenv("LORAX_DEBUG", "false")
	LoadConfig()
	require.Equal(t, 0, Debug)

	t.Setenv("LORAX_DEBUG", "true")
	LoadConfig()
	require.Equal(t, 1, Debug)
	require.Equal(t, slog.LevelDebug, LogLevel())

	t.Setenv("LORAX_DEBUG", "2")
	LoadConfig()
	require.Equal(t, logutil.LevelTrace, LogLevel())
}

func TestScaleAndAlpha(t *testing.T) {
	t.Setenv("LORAX_SCALE", "")
	t.Setenv("LORAX_ALPHA", "")
	LoadConfig()
	assert.InDelta(t, 1.0, Scale, 0)
	assert.InDelta(t, 0.0, Alpha, 0)

	t.Setenv("LORAX_SCALE", "0.75")
	t.Setenv("LORAX_ALPHA", "16")
	LoadConfig()
	assert.InDelta(t, 0.75, Scale, 0)
	assert.InDelta(t, 16.0, Alpha, 0)

	t.Setenv("LORAX_SCALE", "lots")
	t.Setenv("LORAX_ALPHA", "-1")
	LoadConfig()
	assert.InDelta(t, 1.0, Scale, 0)
	assert.InDelta(t, 0.0, Alpha, 0)
}

func TestDtype(t *testing.T) {
	cases := map[string]string{
		"":      "F32",
		"bf16":  "BF16",
		"F16":   "F16",
		"'f64'": "F64",
		"int4":  "F32",
	}
	for in, want := range cases {
		t.Run(in, func(t *testing.T) {
			t.Setenv("LORAX_DTYPE", in)
			LoadConfig()
			assert.Equal(t, want, Dtype)
		})
	}
}

func TestSkipWeightless(t *testing.T) {
	t.Setenv("LORAX_SKIP_WEIGHTLESS", "")
	LoadConfig()
	assert.False(t, SkipWeightless)

	t.Setenv("LORAX_SKIP_WEIGHTLESS", "1")
	LoadConfig()
	assert.True(t, SkipWeightless)

	t.Setenv("LORAX_SKIP_WEIGHTLESS", "0")
	LoadConfig()
	assert.False(t, SkipWeightless)

	assert.Contains(t, Values(), "LORAX_SKIP_WEIGHTLESS")
}
