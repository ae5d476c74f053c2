package domain

import (
	"maps"
	"strings"
	"time"
)

// Reserved source tags used for synthesized records.
const (
	SourceDefault  = "default"
	SourceDisposed = "disposed"
)

// now is swapped in tests that need deterministic timestamps.
var now = time.Now

// FlagRecord is the immutable resolved state of one flag. Every With* method
// returns a new record carrying a refreshed timestamp.
type FlagRecord struct {
	key       string
	enabled   bool
	source    string
	metadata  map[string]string
	timestamp time.Time
}

// NewFlagRecord validates key and source and copies metadata.
func NewFlagRecord(key string, enabled bool, source string, metadata map[string]string) (FlagRecord, error) {
	if strings.TrimSpace(key) == "" {
		return FlagRecord{}, NewValidationError("flag key cannot be blank")
	}
	if strings.TrimSpace(source) == "" {
		return FlagRecord{}, NewValidationError("flag source cannot be blank")
	}

	return FlagRecord{
		key:       key,
		enabled:   enabled,
		source:    source,
		metadata:  cloneMetadata(metadata),
		timestamp: now(),
	}, nil
}

// MustFlagRecord is NewFlagRecord for records built from trusted literals.
// It panics on validation failure.
func MustFlagRecord(key string, enabled bool, source string, metadata map[string]string) FlagRecord {
	record, err := NewFlagRecord(key, enabled, source, metadata)
	if err != nil {
		panic(err)
	}
	return record
}

// DefaultRecord is the disabled record synthesized when no source knows key.
func DefaultRecord(key string) FlagRecord {
	return FlagRecord{key: key, source: SourceDefault, metadata: map[string]string{}, timestamp: now()}
}

// DisposedRecord is the disabled record returned by a closed engine.
func DisposedRecord(key string) FlagRecord {
	return FlagRecord{key: key, source: SourceDisposed, metadata: map[string]string{}, timestamp: now()}
}

func (r FlagRecord) Key() string          { return r.key }
func (r FlagRecord) Enabled() bool        { return r.enabled }
func (r FlagRecord) Source() string       { return r.source }
func (r FlagRecord) Timestamp() time.Time { return r.timestamp }

// IsZero reports whether r was never constructed.
func (r FlagRecord) IsZero() bool { return r.key == "" }

// Metadata returns a copy of the record's metadata.
func (r FlagRecord) Metadata() map[string]string {
	return cloneMetadata(r.metadata)
}

// MetadataValue looks up a single metadata entry without copying the map.
func (r FlagRecord) MetadataValue(name string) (string, bool) {
	v, ok := r.metadata[name]
	return v, ok
}

func (r FlagRecord) WithEnabled(enabled bool) FlagRecord {
	next := r.clone()
	next.enabled = enabled
	return next
}

// WithSource rejects a blank source the same way NewFlagRecord does.
func (r FlagRecord) WithSource(source string) (FlagRecord, error) {
	if strings.TrimSpace(source) == "" {
		return FlagRecord{}, NewValidationError("flag source cannot be blank")
	}
	next := r.clone()
	next.source = source
	return next, nil
}

// WithMetadata replaces the metadata wholesale.
func (r FlagRecord) WithMetadata(metadata map[string]string) FlagRecord {
	next := r.clone()
	next.metadata = cloneMetadata(metadata)
	return next
}

// Equal compares every field, timestamp included.
func (r FlagRecord) Equal(other FlagRecord) bool {
	return r.key == other.key &&
		r.enabled == other.enabled &&
		r.source == other.source &&
		r.timestamp.Equal(other.timestamp) &&
		maps.Equal(r.metadata, other.metadata)
}

func (r FlagRecord) clone() FlagRecord {
	return FlagRecord{
		key:       r.key,
		enabled:   r.enabled,
		source:    r.source,
		metadata:  r.metadata, // never mutated in place
		timestamp: now(),
	}
}

func cloneMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return map[string]string{}
	}
	return maps.Clone(m)
}
