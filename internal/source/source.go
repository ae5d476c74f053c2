// Package source defines where raw flag records come from. The engine scans
// sources in descending Priority order and takes the first record found.
package source

import (
	"context"

	"github.com/OrlandoBitencourt/pennant/internal/domain"
)

// Source supplies raw flag records. Get returns (nil, nil) when the source
// has no value for key. Implementations must be safe for concurrent use.
type Source interface {
	Name() string
	Priority() int
	Get(ctx context.Context, key string) (*domain.FlagRecord, error)
	GetAll(ctx context.Context) ([]domain.FlagRecord, error)
	Refresh(ctx context.Context) error
	Close() error
}

// Option configures the name and priority shared by the built-in sources.
type Option func(*options)

type options struct {
	name     string
	priority int
}

// WithName overrides the source name. A blank name is ignored.
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// WithPriority sets the scan priority; higher wins.
func WithPriority(priority int) Option {
	return func(o *options) {
		o.priority = priority
	}
}

func applyOptions(def options, opts []Option) options {
	for _, opt := range opts {
		opt(&def)
	}
	return def
}
