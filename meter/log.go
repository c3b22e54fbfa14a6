package meter

import (
	"go.uber.org/zap"

	relay "github.com/fixci/relay"
)

// LogMeter logs dispatch and admission events using zap.
type LogMeter struct {
	Logger *zap.Logger
}

var _ relay.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, zap.L() is used.
func NewLogMeter(logger *zap.Logger) *LogMeter {
	if logger == nil {
		logger = zap.L()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAttempt(e relay.AttemptEvent) {
	m.Logger.Debug("dispatch attempt",
		zap.String("provider", e.Provider),
		zap.String("model", e.Model),
		zap.String("tier", string(e.Tier)),
		zap.Int("attempt", e.AttemptNum),
		zap.Stringer("health", e.Health),
	)
}

func (m *LogMeter) OnResult(e relay.ResultEvent) {
	if e.Success {
		m.Logger.Info("dispatch result",
			zap.String("provider", e.Provider),
			zap.String("model", e.Model),
			zap.String("tier", string(e.Tier)),
			zap.Int64("duration_ms", e.Duration.Milliseconds()),
			zap.Int64("input_tokens", e.Usage.InputTokens),
			zap.Int64("output_tokens", e.Usage.OutputTokens),
			zap.String("cost_usd", e.CostUSD.String()),
			zap.Float64("confidence", e.Confidence),
		)
		return
	}
	m.Logger.Warn("dispatch error",
		zap.String("provider", e.Provider),
		zap.String("model", e.Model),
		zap.String("tier", string(e.Tier)),
		zap.Int64("duration_ms", e.Duration.Milliseconds()),
		zap.String("class", errorClass(e.Error)),
		zap.Error(e.Error),
	)
}

func (m *LogMeter) OnAdmission(e relay.AdmissionEvent) {
	fields := []zap.Field{
		zap.String("account", e.AccountID),
		zap.String("tier", string(e.Tier)),
		zap.String("code", e.Code),
		zap.Bool("overage", e.Overage),
		zap.Int64("remaining", e.Remaining),
	}
	if e.Allowed {
		m.Logger.Debug("admission allowed", fields...)
		return
	}
	m.Logger.Info("admission denied", fields...)
}

// errorClass buckets a backend error into a low-cardinality label.
func errorClass(err error) string {
	switch {
	case err == nil:
		return "none"
	case relay.IsFatal(err):
		return "fatal"
	case relay.IsRetryable(err):
		return "retryable"
	default:
		return "other"
	}
}
