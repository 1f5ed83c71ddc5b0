package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultListKey is the document field holding the allow-list.
const DefaultListKey = "allowed_ids"

// ErrEmptyPolicy is returned when a document parses but lists no identities.
// An empty allow-list is treated the same as no allow-list.
var ErrEmptyPolicy = errors.New("policy: allow-list is empty")

// ParseError reports a malformed policy document or a missing list field.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "parse policy document: " + e.Err.Error() }

func (e *ParseError) Unwrap() error { return e.Err }

// ParseDocument decodes a YAML (or JSON) policy document and returns the
// identities listed under key, in document order.
func ParseDocument(data []byte, key string) ([]string, error) {
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{Err: err}
	}
	if doc == nil {
		return nil, &ParseError{Err: errors.New("document is empty")}
	}
	node, ok := doc[key]
	if !ok {
		return nil, &ParseError{Err: fmt.Errorf("missing field %q", key)}
	}
	if node.Kind != yaml.SequenceNode {
		return nil, &ParseError{Err: fmt.Errorf("field %q is not a list", key)}
	}

	ids := make([]string, 0, len(node.Content))
	for i, item := range node.Content {
		if item.Kind != yaml.ScalarNode {
			return nil, &ParseError{Err: fmt.Errorf("field %q: item %d is not a scalar", key, i)}
		}
		id := strings.TrimSpace(item.Value)
		if id == "" {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Snapshot is an immutable allow-list. It is replaced whole, never mutated.
type Snapshot struct {
	set      map[string]struct{}
	list     []string
	CID      string
	LoadedAt time.Time
}

func newSnapshot(ids []string, cid string, loadedAt time.Time) *Snapshot {
	s := &Snapshot{
		set:      make(map[string]struct{}, len(ids)),
		list:     make([]string, 0, len(ids)),
		CID:      cid,
		LoadedAt: loadedAt,
	}
	for _, id := range ids {
		if _, dup := s.set[id]; dup {
			continue
		}
		s.set[id] = struct{}{}
		s.list = append(s.list, id)
	}
	return s
}

// Contains reports whether identity is on the allow-list.
func (s *Snapshot) Contains(identity string) bool {
	_, ok := s.set[identity]
	return ok
}

// Entries returns a copy of the allow-list in document order.
func (s *Snapshot) Entries() []string {
	return append([]string(nil), s.list...)
}

// Len returns the number of distinct identities.
func (s *Snapshot) Len() int { return len(s.list) }
