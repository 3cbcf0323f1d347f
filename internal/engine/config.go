package engine

import "turbotasks/internal/trace"

// Config bundles the engine's tunables. There is no file-based
// configuration surface at this layer — config loading is an external
// collaborator's concern — so Config is built with plain functional
// options rather than bound from a file.
type Config struct {
	Workers       int
	HighWaterMark int64
	Trace         trace.Sink
}

// Option configures a Config.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		Workers:       0, // 0 means GOMAXPROCS, resolved by internal/scheduler
		HighWaterMark: 0, // 0 disables backpressure
		Trace:         trace.NopSink{},
	}
}

// WithTrace installs a sink that receives a TraceEvent for every
// scheduling decision the engine makes: invalidation, scheduling, cache
// hits, execution, failure, cancellation, and detected cycles. Record
// must be inert (trace.SafeRecord is used internally, so a panicking
// sink cannot affect engine behavior).
func WithTrace(sink trace.Sink) Option {
	return func(c *Config) { c.Trace = sink }
}

// WithWorkers sets the worker pool size. 0 or negative means GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(c *Config) { c.Workers = n }
}

// WithHighWaterMark sets the allocation-pressure threshold, in bytes,
// above which the scheduler stops stealing new work. 0 disables
// backpressure.
func WithHighWaterMark(bytes int64) Option {
	return func(c *Config) { c.HighWaterMark = bytes }
}
