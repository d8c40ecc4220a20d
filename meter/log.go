package meter

import (
	"log/slog"

	"github.com/ineyio/tokengate"
)

// LogMeter logs routing events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ tokengate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnRoute(e tokengate.RouteEvent) {
	m.Logger.Info("route",
		"request_id", e.RequestID,
		"provider", e.Provider,
		"model", e.Model,
		"attempt", e.AttemptNum,
		"estimated_tokens", e.EstimatedIn,
	)
}

func (m *LogMeter) OnResult(e tokengate.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			"request_id", e.RequestID,
			"provider", e.Provider,
			"model", e.Model,
			"duration_ms", e.Duration.Milliseconds(),
			"prompt_tokens", e.Usage.PromptTokens,
			"completion_tokens", e.Usage.CompletionTokens,
		)
		return
	}
	m.Logger.Warn("result_error",
		"request_id", e.RequestID,
		"provider", e.Provider,
		"model", e.Model,
		"duration_ms", e.Duration.Milliseconds(),
		"error_class", tokengate.ErrorClass(e.Error),
		"error", e.Error,
	)
}
