package protocol

// Options configures an Engine, following govmm's QMPConfig{EventCh, Logger}
// functional-config idiom, generalized with a queue depth and a line-size
// cap. There is no config-file format here: the engine is an embedded
// library with no on-disk state, so a parser has nothing to parse.
type Options struct {
	// MaxLineSize caps a single framed message. Zero selects
	// transport.DefaultMaxLineSize.
	MaxLineSize int

	// QueueDepth bounds the outgoing request queue. Zero selects
	// DefaultQueueDepth.
	QueueDepth int

	// Logger receives debug/info/warn/error output from the engine's
	// tasks. Nil selects a no-op logger.
	Logger Logger
}

// DefaultQueueDepth is the outgoing queue bound when Options.QueueDepth is
// unset.
const DefaultQueueDepth = 64

// Option mutates an Options value. Functional-options constructor, matching
// the rest of the pack's config-building style.
type Option func(*Options)

// WithLogger sets the engine's logger.
func WithLogger(l Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithMaxLineSize sets the maximum accepted line size.
func WithMaxLineSize(n int) Option {
	return func(o *Options) { o.MaxLineSize = n }
}

// WithQueueDepth sets the outgoing queue bound.
func WithQueueDepth(n int) Option {
	return func(o *Options) { o.QueueDepth = n }
}

func resolveOptions(opts []Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = DefaultQueueDepth
	}
	if o.Logger == nil {
		o.Logger = nullLogger{}
	}
	return o
}

// ResolveOptions applies opts over the zero value and fills in defaults,
// exactly as New does internally. Specializations that need to share a
// resolved Logger with their Backend before constructing the Engine (QMP's
// handshake logging) call this first.
func ResolveOptions(opts []Option) Options {
	return resolveOptions(opts)
}
