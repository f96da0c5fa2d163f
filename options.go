package depot

import (
	"os"
	"path/filepath"
	"time"

	"github.com/depotd/depot/internal/index"
	"github.com/depotd/depot/internal/meta"
)

// Options configures an open repository.
type Options struct {
	DataDir    string
	KV         meta.KV // overrides the schema-declared store; used by tests
	Comparator index.Comparator
	Clock      func() time.Time
}

// Option is a functional option for configuring Open.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		DataDir: defaultDataDir(),
		Clock:   func() time.Time { return time.Now().UTC() },
	}
}

// WithDataDir sets the storage root for blobs and metadata.
func WithDataDir(dir string) Option {
	return func(o *Options) { o.DataDir = dir }
}

// WithKV overrides the metadata backend declared by the schema.
func WithKV(kv meta.KV) Option {
	return func(o *Options) { o.KV = kv }
}

// WithComparator sets the version ordering used by the index.
func WithComparator(cmp index.Comparator) Option {
	return func(o *Options) { o.Comparator = cmp }
}

// WithClock overrides the timestamp source. Used by tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) { o.Clock = clock }
}

func defaultDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "depot")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "depot")
	}
	return ".depot"
}
