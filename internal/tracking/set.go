// Package tracking remembers which S3 keys were already handed to a knowledge base so
// repeated runs only submit new documents.
package tracking

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"slices"
	"strings"
)

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown tracking backend")

// Store persists the processed-key set of one (knowledge base, data source, bucket, prefix) record.
type Store interface {
	// Load returns the stored set. A record that does not exist yet is an empty set.
	Load(ctx context.Context) (*Set, error)
	// Save persists every key of set.
	Save(ctx context.Context, set *Set) error
	// Reset removes the record.
	Reset(ctx context.Context) error
	// Location describes where the record lives, for log output.
	Location() string
	Close() error
}

// Set is an unordered collection of object keys. The zero value is an empty set.
type Set struct {
	keys map[string]struct{}
}

// NewSet returns a set holding keys.
func NewSet(keys ...string) *Set {
	s := &Set{keys: make(map[string]struct{}, len(keys))}
	s.Add(keys...)
	return s
}

func (s *Set) Contains(key string) bool {
	if s == nil {
		return false
	}
	_, ok := s.keys[key]
	return ok
}

// Add inserts keys and returns how many were new. The zero Set is ready to use.
func (s *Set) Add(keys ...string) int {
	if s.keys == nil {
		s.keys = make(map[string]struct{}, len(keys))
	}
	added := 0
	for _, k := range keys {
		if _, ok := s.keys[k]; !ok {
			s.keys[k] = struct{}{}
			added++
		}
	}
	return added
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// Keys returns the members in sorted order.
func (s *Set) Keys() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// RecordID derives the record identifier from the ingestion target. The underscore-joined
// md5 matches tracking files written by earlier versions of the tool.
func RecordID(kbID, dsID, bucket, prefix string) string {
	sum := md5.Sum([]byte(strings.Join([]string{kbID, dsID, bucket, prefix}, "_")))
	return hex.EncodeToString(sum[:])
}
