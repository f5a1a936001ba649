package engine

import "go.uber.org/zap"

// Strategy names one of the three interchangeable concurrency-control
// schemes spec.md §4.3 describes. Exactly one drives an Engine for its
// whole lifetime — strategies are never mixed within one running engine.
type Strategy string

const (
	StrategyNoCC Strategy = "nocc"
	Strategy2PL  Strategy = "2pl"
	StrategyOCC  Strategy = "occ"
)

// Config is the persistence policy spec.md §6 enumerates, plus the data
// directory, the concurrency strategy and the logger. DefaultConfig fills
// in the defaults; New does not validate it (an unrecognized Strategy
// selects 2PL).
type Config struct {
	// Dir is the data directory checkpoint files and WAL logs live under.
	// Ignored when Persist is false.
	Dir string

	// Strategy selects the concurrency-control scheme for this engine's
	// lifetime.
	Strategy Strategy

	Persist           bool
	Fsync             bool
	LogSizeLimitBytes uint64
	KeepHistory       int
	TextLog           bool

	// Logger receives structured diagnostics; nil falls back to
	// zap.NewNop().
	Logger *zap.SugaredLogger
}

// DefaultConfig returns spec.md §6's enumerated defaults
// (persist=true, fsync=false, log_size_limit_bytes=16MiB,
// keep_history=5, text_log=false) for dir under strategy.
func DefaultConfig(dir string, strategy Strategy) Config {
	return Config{
		Dir:               dir,
		Strategy:          strategy,
		Persist:           true,
		Fsync:             false,
		LogSizeLimitBytes: 16 << 20,
		KeepHistory:       5,
		TextLog:           false,
	}
}
