package logging

import "time"

func String(key, value string) Field        { return Field{Key: key, Value: value} }
func Int(key string, value int) Field       { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field   { return Field{Key: key, Value: value} }
func Uint64(key string, value uint64) Field { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field     { return Field{Key: key, Value: value} }
func Any(key string, value any) Field       { return Field{Key: key, Value: value} }

func Strings(key string, value []string) Field {
	return Field{Key: key, Value: value}
}

// Duration renders d in time.Duration string form ("1.5s").
func Duration(key string, d time.Duration) Field {
	return Field{Key: key, Value: d.String()}
}

// Time renders t as RFC 3339 in UTC.
func Time(key string, t time.Time) Field {
	return Field{Key: key, Value: t.UTC().Format(time.RFC3339Nano)}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Component(name string) Field { return String("component", name) }
func Group(name string) Field     { return String("group", name) }
func Node(id string) Field        { return String("node", id) }
func Role(role string) Field      { return String("role", role) }
func Trigger(t string) Field      { return String("trigger", t) }
func Outcome(o string) Field      { return String("outcome", o) }
func Cause(c string) Field        { return String("cause", c) }
func Endpoint(name string) Field  { return String("endpoint", name) }
func Generation(g uint64) Field   { return Uint64("generation", g) }
func Latency(d time.Duration) Field {
	return Duration("latency", d)
}
