package errors

import (
	"github.com/luguslabs/substrate-telemetry-exporter/internal/logger"
	"go.uber.org/zap"
)

// AnomalyCounter receives one increment per reported anomaly.
type AnomalyCounter interface {
	IncAnomaly(chain, code string)
}

// Reporter is the sink for non-fatal anomalies observed while processing the
// feed. Every anomaly is logged and counted; none of them stop processing.
type Reporter struct {
	logger  *zap.Logger
	counter AnomalyCounter
}

// NewReporter creates a reporter. counter may be nil.
func NewReporter(log *zap.Logger, counter AnomalyCounter) *Reporter {
	if log == nil {
		log = logger.New("anomaly_reporter")
	}
	return &Reporter{logger: log, counter: counter}
}

// Report records err against chain. Nil errors are ignored.
func (r *Reporter) Report(chain string, err error) {
	if err == nil {
		return
	}

	appErr, ok := As(err)
	if !ok {
		appErr = Wrap(err, ErrorTypeInternal, "INTERNAL_ERROR", "Unclassified error")
	}

	if r.counter != nil {
		r.counter.IncAnomaly(chain, appErr.Code)
	}

	fields := []zap.Field{
		zap.String("chain", chain),
		zap.String("error_type", string(appErr.Type)),
		zap.String("error_code", appErr.Code),
		zap.String("severity", string(appErr.Severity)),
		zap.String("message", appErr.Message),
	}
	if appErr.Details != "" {
		fields = append(fields, zap.String("details", appErr.Details))
	}
	if appErr.Cause != nil {
		fields = append(fields, zap.NamedError("cause", appErr.Cause))
	}

	switch appErr.Severity {
	case SeverityLow:
		r.logger.Info("Feed anomaly", fields...)
	case SeverityMedium:
		r.logger.Warn("Feed anomaly", fields...)
	default:
		r.logger.Error("Feed anomaly", fields...)
	}
}
