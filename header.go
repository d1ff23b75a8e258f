// Package ssdp implements the Simple Service Discovery Protocol: the
// wire codec for its three message kinds and the two roles that
// exchange them, an Advertiser that publishes services and answers
// searches, and a Browser that queries for services and tracks their
// presence.
//
// Datagrams move through a Transport, normally the multicast UDP
// implementation in grimm.is/ssdp/multicast. Both roles surface
// asynchronous outcomes as events rather than errors; see Event.
package ssdp

import (
	"sort"
	"strings"
)

// Headers is a case-insensitive set of SSDP header fields. Keys are
// normalized to uppercase and trimmed on every write and lookup, so
// "Location", "location " and "LOCATION" address the same field.
// Writing an existing key overwrites its value.
//
// Always mutate through Set; direct map writes bypass normalization.
type Headers map[string]string

// NewHeaders creates an empty header set.
func NewHeaders() Headers {
	return make(Headers)
}

func normalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// Set stores value under the normalized key.
func (h Headers) Set(key, value string) {
	h[normalizeKey(key)] = value
}

// Get returns the value for key, or "" if absent.
func (h Headers) Get(key string) string {
	return h[normalizeKey(key)]
}

// Has reports whether key is present.
func (h Headers) Has(key string) bool {
	_, ok := h[normalizeKey(key)]
	return ok
}

// Del removes key if present.
func (h Headers) Del(key string) {
	delete(h, normalizeKey(key))
}

// Keys returns the header names in lexicographic order. Encode
// iterates this, which is what makes serialization deterministic.
func (h Headers) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns an independent copy of h with keys normalized, so a
// literal built without Set still honors the uppercase invariant.
// Cloning a nil set yields an empty one.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out.Set(k, v)
	}
	return out
}

// Merge copies every field of src into h, overwriting existing keys.
// A nil src is a no-op.
func (h Headers) Merge(src Headers) {
	for k, v := range src {
		h.Set(k, v)
	}
}
