package observability

import (
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger constructs the relay's production logger.
func InitLogger() (*zap.Logger, error) {
	return InitLoggerWithLevel(getLogLevel(), "convertrelay")
}

// InitLoggerWithService constructs a production logger named serviceName at
// the level chosen by DEBUG, ENV and LOG_LEVEL.
func InitLoggerWithService(serviceName string) (*zap.Logger, error) {
	return InitLoggerWithLevel(getLogLevel(), serviceName)
}

// InitLoggerWithLevel constructs a JSON logger writing to stderr at level.
// LOG_FORMAT=console switches to the human-readable encoder. The logger is
// named after the service and installed as the global logger.
func InitLoggerWithLevel(level zapcore.Level, serviceName string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	// field names expected by the Promtail pipeline
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.NameKey = "logger"
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.StacktraceKey = "stacktrace"
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "console") {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	// per-event logs are thinned with LogSampler instead
	cfg.Sampling = nil

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	logger = logger.Named(serviceName).With(zap.String("service", serviceName))
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// getLogLevel picks the level from the environment. DEBUG=true forces debug
// output; otherwise LOG_LEVEL wins over the ENV default.
func getLogLevel() zapcore.Level {
	if debug, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && debug {
		return zap.DebugLevel
	}
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(strings.ToLower(raw))); err == nil {
			return lvl
		}
		return zap.InfoLevel
	}
	switch strings.ToLower(os.Getenv("ENV")) {
	case "development", "dev":
		return zap.DebugLevel
	default:
		return zap.InfoLevel
	}
}

// SamplingStats counts sampling decisions since the last reset.
type SamplingStats struct {
	Total   int64
	Sampled int64
	Rate    float64
}

// LogSampler decides whether a high-volume log line is written. It is safe
// for concurrent use.
type LogSampler struct {
	rate  float64
	mu    sync.Mutex
	stats SamplingStats
}

// NewLogSampler returns a sampler keeping roughly rate of the lines offered
// to it. Rates are clamped to [0, 1].
func NewLogSampler(rate float64) *LogSampler {
	switch {
	case rate > 1:
		rate = 1
	case rate < 0:
		rate = 0
	}
	return &LogSampler{rate: rate, stats: SamplingStats{Rate: rate}}
}

// Sample reports whether the current line should be logged. A nil sampler
// logs everything.
func (s *LogSampler) Sample() bool {
	if s == nil {
		return true
	}
	keep := s.rate >= 1 || (s.rate > 0 && rand.Float64() < s.rate)

	s.mu.Lock()
	s.stats.Total++
	if keep {
		s.stats.Sampled++
	}
	s.mu.Unlock()
	return keep
}

// Stats returns the decisions made since the last Reset.
func (s *LogSampler) Stats() SamplingStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Reset clears the counters.
func (s *LogSampler) Reset() {
	s.mu.Lock()
	s.stats = SamplingStats{Rate: s.rate}
	s.mu.Unlock()
}

// LogStats writes the sampler's counters and resets them. Nothing is logged
// when no line was offered.
func (s *LogSampler) LogStats(logger *zap.Logger) {
	stats := s.Stats()
	if stats.Total == 0 {
		return
	}
	s.Reset()
	logger.Info("sampling stats",
		zap.Float64("target_rate", stats.Rate),
		zap.Float64("actual_rate", float64(stats.Sampled)/float64(stats.Total)),
		zap.Int64("total_logs", stats.Total),
		zap.Int64("sampled_logs", stats.Sampled))
}

// GetSamplingRate returns LOG_SAMPLE_RATE when set, otherwise a default for
// the ENV: everything in development, half in staging, a tenth in
// production.
func GetSamplingRate() float64 {
	if v, err := strconv.ParseFloat(os.Getenv("LOG_SAMPLE_RATE"), 64); err == nil {
		return v
	}
	switch strings.ToLower(os.Getenv("ENV")) {
	case "development", "dev":
		return 1.0
	case "staging", "test":
		return 0.5
	default:
		return 0.1
	}
}
