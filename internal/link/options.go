package link

import (
	"github.com/sirupsen/logrus"

	"github.com/bigbag/papyrix-ota/internal/logging"
)

type options struct {
	log       logrus.FieldLogger
	statusBuf int
}

func defaultOptions() options {
	return options{
		log:       logging.Discard(),
		statusBuf: 64,
	}
}

// Option configures a Device or Client.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithStatusBuffer sets how many status notifications a Client queues
// before dropping the oldest.
func WithStatusBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.statusBuf = n
		}
	}
}
