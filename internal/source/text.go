package source

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/OrlandoBitencourt/pennant/internal/domain"
	"github.com/OrlandoBitencourt/pennant/internal/parser"
)

const DefaultTextPriority = 0

// Loader returns the raw flag definition text.
type Loader func(ctx context.Context) (string, error)

// FromString serves a fixed document.
func FromString(text string) Loader {
	return func(context.Context) (string, error) {
		return text, nil
	}
}

// FromFile reads path on every load, so a refresh picks up edits.
func FromFile(path string) Loader {
	return func(context.Context) (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read flag definitions: %w", err)
		}
		return string(data), nil
	}
}

// FromReader drains r on the first load and serves the same text afterwards.
func FromReader(r io.Reader) Loader {
	var (
		once sync.Once
		text string
		err  error
	)
	return func(context.Context) (string, error) {
		once.Do(func() {
			var data []byte
			data, err = io.ReadAll(r)
			if err != nil {
				err = fmt.Errorf("read flag definitions: %w", err)
			}
			text = string(data)
		})
		return text, err
	}
}

// TextSource serves records parsed from definition text. Parsing happens on
// first use; afterwards reads go to an immutable snapshot without locking.
type TextSource struct {
	name     string
	priority int

	loader atomic.Pointer[Loader]

	mu          sync.Mutex
	initialized atomic.Bool
	snapshot    atomic.Pointer[map[string]domain.FlagRecord]
}

// NewText creates a source backed by loader. Records are tagged with the
// source name, "yaml" unless overridden.
func NewText(loader Loader, opts ...Option) *TextSource {
	o := applyOptions(options{name: parser.DefaultSourceName, priority: DefaultTextPriority}, opts)
	s := &TextSource{name: o.name, priority: o.priority}
	s.loader.Store(&loader)
	return s
}

func (s *TextSource) Name() string  { return s.name }
func (s *TextSource) Priority() int { return s.priority }

// Get returns the parse error of a failed initialization to the caller.
func (s *TextSource) Get(ctx context.Context, key string) (*domain.FlagRecord, error) {
	flags, err := s.ensureInitialized(ctx)
	if err != nil {
		return nil, err
	}

	record, ok := flags[key]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

// GetAll returns every parsed record ordered by key.
func (s *TextSource) GetAll(ctx context.Context) ([]domain.FlagRecord, error) {
	flags, err := s.ensureInitialized(ctx)
	if err != nil {
		return nil, err
	}

	keys := slices.Sorted(maps.Keys(flags))
	records := make([]domain.FlagRecord, len(keys))
	for i, key := range keys {
		records[i] = flags[key]
	}
	return records, nil
}

// Refresh reloads and re-parses the text. The source is marked uninitialized
// first, so a failed refresh makes the next read retry instead of serving the
// previous snapshot.
func (s *TextSource) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized.Store(false)
	_, err := s.load(ctx)
	return err
}

// Swap replaces the loader. The new text is read on the next Refresh, or on
// first use if the source was never initialized.
func (s *TextSource) Swap(loader Loader) {
	s.loader.Store(&loader)
}

// Initialized reports whether a successful parse is being served.
func (s *TextSource) Initialized() bool {
	return s.initialized.Load()
}

func (s *TextSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized.Store(false)
	s.snapshot.Store(nil)
	return nil
}

func (s *TextSource) ensureInitialized(ctx context.Context) (map[string]domain.FlagRecord, error) {
	if flags, ok := s.current(); ok {
		return flags, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if flags, ok := s.current(); ok {
		return flags, nil
	}
	return s.load(ctx)
}

func (s *TextSource) current() (map[string]domain.FlagRecord, bool) {
	if !s.initialized.Load() {
		return nil, false
	}
	snap := s.snapshot.Load()
	if snap == nil {
		return nil, false
	}
	return *snap, true
}

// load must be called with mu held.
func (s *TextSource) load(ctx context.Context) (map[string]domain.FlagRecord, error) {
	text, err := (*s.loader.Load())(ctx)
	if err != nil {
		return nil, domain.NewSourceError(s.name, "load", err)
	}

	flags, err := parser.ParseWithSource(text, s.name)
	if err != nil {
		return nil, err
	}

	s.snapshot.Store(&flags)
	s.initialized.Store(true)
	return flags, nil
}

