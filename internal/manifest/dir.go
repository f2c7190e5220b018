// Copyright 2011 The Perkeep Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package manifest builds the ordered, content-hashed directory manifests
// the store expects from a POST to its mkdir-immutable endpoint.
package manifest

import (
	"encoding/json"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// dirCapPrefix is the capability prefix the store uses for directory
// capabilities; anything else is a file capability.
const dirCapPrefix = "URI:DIR"

// hashSeed is fixed so that Dir.Hash is stable across processes, platforms
// and Go versions for identical push sequences. Changing it invalidates
// every directory-reuse decision recorded in an existing index.
const hashSeed = 0x7461686f65

// NodeType distinguishes a manifest entry's kind by its capability prefix.
type NodeType string

const (
	TypeDir  NodeType = "dirnode"
	TypeFile NodeType = "filenode"
)

// Metadata carries the informational (non-hashed) per-child fields.
// Missing values are simply absent, matching the upstream behavior of
// omitting ctime when the filesystem doesn't report one.
type Metadata struct {
	Ctime *uint64 `json:"ctime,omitempty"`
	Mtime *uint64 `json:"mtime,omitempty"`
}

// Node is a single child entry: its type, read-only capability URI, and
// metadata. Node is immutable once constructed.
type Node struct {
	Type NodeType
	ROUri string
	Meta Metadata
}

// NewNode classifies cap by its prefix and wraps it with metadata.
func NewNode(cap string, meta Metadata) Node {
	t := TypeFile
	if strings.HasPrefix(cap, dirCapPrefix) {
		t = TypeDir
	}
	return Node{Type: t, ROUri: cap, Meta: meta}
}

// MarshalJSON serializes a Node as the store's [type-tag, {ro_uri, metadata}]
// pair shape.
func (n Node) MarshalJSON() ([]byte, error) {
	type inner struct {
		ROUri string   `json:"ro_uri"`
		Meta  Metadata `json:"metadata"`
	}
	pair := [2]interface{}{n.Type, inner{ROUri: n.ROUri, Meta: n.Meta}}
	return json.Marshal(pair)
}

// UnmarshalJSON is the inverse of MarshalJSON, used by tests to round-trip
// manifests.
func (n *Node) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	var typ NodeType
	if err := json.Unmarshal(pair[0], &typ); err != nil {
		return err
	}
	var inner struct {
		ROUri string   `json:"ro_uri"`
		Meta  Metadata `json:"metadata"`
	}
	if err := json.Unmarshal(pair[1], &inner); err != nil {
		return err
	}
	n.Type = typ
	n.ROUri = inner.ROUri
	n.Meta = inner.Meta
	return nil
}

// entry is a named child in push order.
type entry struct {
	name string
	node Node
}

// Dir accumulates a directory's children in traversal order and maintains a
// running content hash over (name, ro_uri) byte sequences only — metadata is
// never hashed, so directory reuse survives a filesystem that reports a
// different ctime on every boot.
type Dir struct {
	entries []entry
	hash    *xxhash.Digest
}

// New returns an empty Dir ready for Push calls.
func New() *Dir {
	return &Dir{hash: xxhash.NewWithSeed(hashSeed)}
}

// Push appends a named child in traversal order. The hash is updated
// immediately so Hash can be read at any point, including from an empty Dir.
func (d *Dir) Push(name string, n Node) {
	d.entries = append(d.entries, entry{name: name, node: n})
	// Write errors from hash.Hash are defined to always be nil.
	_, _ = d.hash.WriteString(name)
	_, _ = d.hash.WriteString(n.ROUri)
}

// Len reports how many children have been pushed.
func (d *Dir) Len() int { return len(d.entries) }

// Hash returns the running 64-bit content hash of the pushed (name, ro_uri)
// pairs, independent of metadata and of anything but push order.
func (d *Dir) Hash() uint64 {
	return d.hash.Sum64()
}

// MarshalJSON serializes the manifest as a JSON object whose members appear
// in push order, matching the store's mkdir-immutable body format.
func (d *Dir) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, e := range d.entries {
		if i > 0 {
			b.WriteByte(',')
		}
		key, err := json.Marshal(e.name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(e.node)
		if err != nil {
			return nil, err
		}
		b.Write(key)
		b.WriteByte(':')
		b.Write(val)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}
