package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/qrv0/lorax/internal/logutil"
)

var (
	// Set via LORAX_DEBUG in the environment; 2 enables trace logging
	Debug int
	// Set via LORAX_SCALE in the environment
	Scale float64
	// Set via LORAX_ALPHA in the environment; 0 means alpha equals rank
	Alpha float64
	// Set via LORAX_DTYPE in the environment
	Dtype string
	// Set via LORAX_SKIP_WEIGHTLESS in the environment
	SkipWeightless bool
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"LORAX_DEBUG":           {"LORAX_DEBUG", Debug, "Show additional debug information (e.g. LORAX_DEBUG=1, 2 for trace)"},
		"LORAX_SCALE":           {"LORAX_SCALE", Scale, "Default adapter scale (default 1.0)"},
		"LORAX_ALPHA":           {"LORAX_ALPHA", Alpha, "LoRA alpha; 0 uses the adapter rank"},
		"LORAX_DTYPE":           {"LORAX_DTYPE", Dtype, "Data type for written weights: F32, F16, BF16 or F64 (default F32)"},
		"LORAX_SKIP_WEIGHTLESS": {"LORAX_SKIP_WEIGHTLESS", SkipWeightless, "Skip adapter pairs whose module has no weight tensor"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug = 0
	if debug := clean("LORAX_DEBUG"); debug != "" {
		if n, err := strconv.Atoi(debug); err == nil {
			Debug = n
		} else if b, err := strconv.ParseBool(debug); err == nil {
			if b {
				Debug = 1
			}
		} else {
			Debug = 1
		}
	}

	Scale = 1.0
	if s := clean("LORAX_SCALE"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			slog.Error("invalid setting, ignoring", "LORAX_SCALE", s, "error", err)
		} else {
			Scale = v
		}
	}

	Alpha = 0
	if s := clean("LORAX_ALPHA"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v < 0 {
			slog.Error("invalid setting must be zero or greater", "LORAX_ALPHA", s, "error", err)
		} else {
			Alpha = v
		}
	}

	Dtype = "F32"
	if s := clean("LORAX_DTYPE"); s != "" {
		switch d := strings.ToUpper(s); d {
		case "F32", "F16", "BF16", "F64":
			Dtype = d
		default:
			slog.Error("invalid setting, ignoring", "LORAX_DTYPE", s)
		}
	}

	SkipWeightless = false
	if s := clean("LORAX_SKIP_WEIGHTLESS"); s != "" {
		b, err := strconv.ParseBool(s)
		SkipWeightless = err != nil || b
	}
}

// LogLevel maps LORAX_DEBUG onto a slog level.
func LogLevel() slog.Level {
	switch {
	case Debug >= 2:
		return logutil.LevelTrace
	case Debug == 1:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
