package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogSamplerBounds(t *testing.T) {
	all := NewLogSampler(3)
	none := NewLogSampler(-1)
	for i := 0; i < 100; i++ {
		assert.True(t, all.Sample())
		assert.False(t, none.Sample())
	}
	assert.Equal(t, SamplingStats{Total: 100, Sampled: 100, Rate: 1}, all.Stats())
	assert.Equal(t, SamplingStats{Total: 100, Sampled: 0, Rate: 0}, none.Stats())

	var nilSampler *LogSampler
	assert.True(t, nilSampler.Sample())
}

func TestLogSamplerLogStatsResets(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewLogSampler(1)

	s.LogStats(zap.New(core))
	assert.Equal(t, 0, logs.Len(), "nothing offered, nothing logged")

	s.Sample()
	s.Sample()
	s.LogStats(zap.New(core))
	entries := logs.FilterMessage("sampling stats").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, int64(2), entries[0].ContextMap()["total_logs"])
	}
	assert.Equal(t, int64(0), s.Stats().Total)
}

func TestGetLogLevel(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		level zapcore.Level
	}{
		{"production default", map[string]string{}, zap.InfoLevel},
		{"development default", map[string]string{"ENV": "dev"}, zap.DebugLevel},
		{"explicit level", map[string]string{"ENV": "dev", "LOG_LEVEL": "WARN"}, zap.WarnLevel},
		{"unknown level", map[string]string{"LOG_LEVEL": "loud"}, zap.InfoLevel},
		{"debug flag wins", map[string]string{"LOG_LEVEL": "error", "DEBUG": "true"}, zap.DebugLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"ENV", "LOG_LEVEL", "DEBUG"} {
				t.Setenv(k, tt.env[k])
			}
			assert.Equal(t, tt.level, getLogLevel())
		})
	}
}

func TestGetSamplingRateOverride(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("LOG_SAMPLE_RATE", "")
	assert.Equal(t, 0.1, GetSamplingRate())
	t.Setenv("LOG_SAMPLE_RATE", "0.25")
	assert.Equal(t, 0.25, GetSamplingRate())
}
