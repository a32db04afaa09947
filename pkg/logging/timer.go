package logging

import "time"

// TimedOperation logs a message with the elapsed time when it ends.
type TimedOperation struct {
	logger Logger
	msg    string
	start  time.Time
	fields []Field
}

// StartTimer begins timing an operation.
func StartTimer(logger Logger, msg string, fields ...Field) *TimedOperation {
	return &TimedOperation{logger: logger, msg: msg, start: time.Now(), fields: fields}
}

// Elapsed reports time since StartTimer.
func (t *TimedOperation) Elapsed() time.Duration {
	return time.Since(t.start)
}

// End logs at INFO with a latency field.
func (t *TimedOperation) End(extra ...Field) {
	t.logger.Info(t.msg, t.collect(extra)...)
}

// EndError logs at ERROR with latency and error fields.
func (t *TimedOperation) EndError(err error, extra ...Field) {
	t.logger.Error(t.msg, append(t.collect(extra), Error(err))...)
}

func (t *TimedOperation) collect(extra []Field) []Field {
	out := make([]Field, 0, len(t.fields)+len(extra)+1)
	out = append(out, t.fields...)
	out = append(out, extra...)
	return append(out, Latency(t.Elapsed()))
}
