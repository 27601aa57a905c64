package filesystem

import (
	"io"
	"log"
)

type options struct {
	logger   *log.Logger
	useCache bool
}

// Option configures a FileSystem when it's mounted.
type Option func(*options)

func defaultOptions() options {
	return options{
		logger:   log.New(io.Discard, "", 0),
		useCache: true,
	}
}

// WithLogger sends diagnostic messages about mounting, formatting, syncing, and
// detected corruption to `logger`. By default nothing is logged.
func WithLogger(logger *log.Logger) Option {
	return func(opts *options) {
		if logger != nil {
			opts.logger = logger
		}
	}
}

// WithoutCache makes every block read and write go directly to the device
// instead of through a write-back cache. Sync still persists the superblock and
// directory, but data blocks reach the device as soon as they're written.
func WithoutCache() Option {
	return func(opts *options) {
		opts.useCache = false
	}
}
