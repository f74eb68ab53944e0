package core

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"
)

// metricPrefix namespaces every counter and histogram the service emits.
const metricPrefix = "calendar_links."

// outcome is the result of one public operation, reported once as a
// counter, a duration histogram and a log line.
type outcome struct {
	operation string
	elapsed   time.Duration
	err       error
	fields    map[string]any
}

func (o outcome) status() string {
	if o.err != nil {
		return "failure"
	}
	return "success"
}

// tags keeps metric cardinality bounded: operation, status, provider and
// error kind only.
func (o outcome) tags() map[string]string {
	tags := map[string]string{"operation": o.operation, "status": o.status()}
	if id, ok := o.fields["provider_id"].(string); ok && strings.TrimSpace(id) != "" {
		tags["provider_id"] = strings.TrimSpace(id)
	}
	if o.err != nil {
		tags["error_kind"] = string(ClassifyError(o.err))
	}
	return tags
}

func (o outcome) logFields() map[string]any {
	fields := maps.Clone(o.fields)
	if fields == nil {
		fields = map[string]any{}
	}
	fields["event_type"] = o.operation
	fields["status"] = o.status()
	fields["duration_ms"] = o.elapsed.Milliseconds()
	if o.err != nil {
		fields["error"] = o.err.Error()
		fields["error_kind"] = string(ClassifyError(o.err))
	}
	return fields
}

func (s *Service) observeOperation(ctx context.Context, startedAt time.Time, operation string, err error, fields map[string]any) {
	if s == nil {
		return
	}
	name := strings.NewReplacer(" ", "_", "-", "_").Replace(strings.ToLower(strings.TrimSpace(operation)))
	if name == "" {
		name = "unknown"
	}
	o := outcome{operation: name, elapsed: time.Since(startedAt), err: err, fields: fields}

	if s.metricsRecorder != nil {
		s.metricsRecorder.IncCounter(ctx, metricPrefix+name+".total", 1, o.tags())
		s.metricsRecorder.ObserveHistogram(ctx, metricPrefix+name+".duration_ms", float64(o.elapsed.Milliseconds()), o.tags())
	}
	if err != nil {
		s.logError(ctx, name+" failed", o.logFields())
		return
	}
	s.logInfo(ctx, name+" succeeded", o.logFields())
}

func (s *Service) logInfo(ctx context.Context, message string, fields map[string]any) {
	s.emit(ctx, Logger.Info, message, fields)
}

func (s *Service) logWarn(ctx context.Context, message string, fields map[string]any) {
	s.emit(ctx, Logger.Warn, message, fields)
}

func (s *Service) logError(ctx context.Context, message string, fields map[string]any) {
	s.emit(ctx, Logger.Error, message, fields)
}

// emit redacts fields before they reach the logger. Loggers that accept
// structured fields get them attached; every logger also receives them as
// sorted key/value args.
func (s *Service) emit(ctx context.Context, level func(Logger, string, ...any), message string, fields map[string]any) {
	if s == nil || s.logger == nil {
		return
	}
	safe := RedactSensitiveMap(fields)
	logger := s.logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	if structured, ok := logger.(FieldsLogger); ok && len(safe) > 0 {
		logger = structured.WithFields(maps.Clone(safe))
	}
	args := make([]any, 0, len(safe)*2)
	for _, key := range slices.Sorted(maps.Keys(safe)) {
		args = append(args, key, safe[key])
	}
	level(logger, message, args...)
}
