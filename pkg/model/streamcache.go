package model

import (
	"encoding/json"
	"maps"
	"slices"
)

// Stream holds the latest known (partial) value of a realtime stream
type Stream map[string]any

// StreamCache maps stream names to their latest value.
// A StreamCache is never modified in place, Merge returns a new cache.
// Stream values held by a cache must not be modified by callers.
type StreamCache struct {
	streams map[string]Stream
}

// Merge returns a new cache where the fields of partial overwrite the fields
// of the currently cached value of the named stream. Fields not present in
// partial are kept.
func (c StreamCache) Merge(name string, partial Stream) StreamCache {
	next := make(map[string]Stream, len(c.streams)+1)
	maps.Copy(next, c.streams)

	merged := make(Stream, len(c.streams[name])+len(partial))
	maps.Copy(merged, c.streams[name])
	maps.Copy(merged, partial)
	next[name] = merged
	return StreamCache{streams: next}
}

func (c StreamCache) Get(name string) (Stream, bool) {
	s, ok := c.streams[name]
	return s, ok
}

func (c StreamCache) Has(name string) bool {
	_, ok := c.streams[name]
	return ok
}

func (c StreamCache) Len() int {
	return len(c.streams)
}

// Names returns the cached stream names in sorted order
func (c StreamCache) Names() []string {
	return slices.Sorted(maps.Keys(c.streams))
}

// Copy returns a copy of the cache content.
// The top level maps are copied, nested values are shared.
func (c StreamCache) Copy() map[string]Stream {
	ret := make(map[string]Stream, len(c.streams))
	for k, v := range c.streams {
		ret[k] = maps.Clone(v)
	}
	return ret
}

// Decode converts the cached value of the named stream into target.
// Returns false if the stream is not cached.
func (c StreamCache) Decode(name string, target any) (bool, error) {
	s, ok := c.streams[name]
	if !ok {
		return false, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return true, err
	}
	return true, json.Unmarshal(data, target)
}
