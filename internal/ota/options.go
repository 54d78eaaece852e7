package ota

import "github.com/sirupsen/logrus"

// Config holds the machine configuration.
type Config struct {
	// Logger receives transition and failure logs (optional)
	Logger logrus.FieldLogger

	// VerifyChecksum compares the image CRC against a non-zero header
	// checksum before committing.
	VerifyChecksum bool

	// StrictBounds rejects chunks that would overrun the declared file size.
	StrictBounds bool

	// ProgressCallback is called after every accepted chunk (optional)
	ProgressCallback func(Snapshot)
}

func defaultConfig() Config {
	return Config{
		VerifyChecksum: true,
		StrictBounds:   true,
	}
}

// Option is a functional option for configuring the Machine.
type Option func(*Config)

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithChecksumVerification enables or disables checksum verification.
// Default is true. A header checksum of zero is never verified.
func WithChecksumVerification(verify bool) Option {
	return func(c *Config) {
		c.VerifyChecksum = verify
	}
}

// WithStrictBounds enables or disables rejection of chunks that would push
// the received byte count past the header's file size. Default is true.
// When disabled the overrun reaches the Stager, whose Handle may still
// refuse it with a storage error.
func WithStrictBounds(strict bool) Option {
	return func(c *Config) {
		c.StrictBounds = strict
	}
}

// WithProgressCallback sets a callback invoked after each accepted chunk.
func WithProgressCallback(cb func(Snapshot)) Option {
	return func(c *Config) {
		c.ProgressCallback = cb
	}
}
