package spibus

import "go.uber.org/zap"

// Option configures a Bus.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

func defaultOptions() options {
	return options{logger: zap.NewNop()}
}

// WithLogger sets the logger used by the bus and every device attached to
// it. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
