// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

package truststore

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Section names inside the shared settings file.
const (
	TrustedSection  = "trusted_certs"
	InsecureSection = "insecure_hosts"
)

// Backend moves the durable subset of the store to and from shared storage.
// Every call is made while holding the cross-process lock.
type Backend interface {
	// Changed reports whether storage differs from what the last Load or
	// Save observed. It returns true before the first Load.
	Changed() (bool, error)
	Load() (Snapshot, error)
	Save(Snapshot) error
}

type certEntry struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Data       string `yaml:"data"`
	Activation string `yaml:"activation"`
	Expiration string `yaml:"expiration"`
	TrustSANs  bool   `yaml:"trust_sans"`
}

type insecureEntry struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type fileSignature struct {
	exists bool
	info   fs.FileInfo
}

func (a fileSignature) same(b fileSignature) bool {
	if a.exists != b.exists {
		return false
	}
	if !a.exists {
		return true
	}
	return os.SameFile(a.info, b.info) &&
		a.info.ModTime().Equal(b.info.ModTime()) &&
		a.info.Size() == b.info.Size()
}

// FileBackend stores the two trust sections in a YAML file that it shares
// with unrelated application settings. Other top-level keys are preserved
// on every save.
type FileBackend struct {
	path string

	mu   sync.Mutex
	sig  fileSignature
	seen bool
}

// NewFileBackend returns a backend for the YAML file at path. The file does
// not need to exist yet.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Path returns the backing file.
func (b *FileBackend) Path() string { return b.path }

func (b *FileBackend) stat() (fileSignature, error) {
	fi, err := os.Stat(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return fileSignature{}, nil
	}
	if err != nil {
		return fileSignature{}, err
	}
	return fileSignature{exists: true, info: fi}, nil
}

// Changed compares the file's identity, modification time and size with the
// values recorded by the last Load or Save.
func (b *FileBackend) Changed() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.seen {
		return true, nil
	}
	cur, err := b.stat()
	if err != nil {
		return false, err
	}
	return !cur.same(b.sig), nil
}

// Load parses both sections. Entries that cannot be decoded are counted in
// Snapshot.Malformed instead of failing the load.
func (b *FileBackend) Load() (Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sig, err := b.stat()
	if err != nil {
		return Snapshot{}, err
	}
	root, err := b.readRoot()
	if err != nil {
		return Snapshot{}, err
	}
	snap := decodeSections(root)
	b.sig, b.seen = sig, true
	return snap, nil
}

// Save rewrites both sections and leaves the rest of the file untouched.
// The write goes through a temporary file and a rename.
func (b *FileBackend) Save(snap Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	root, err := b.readRoot()
	if err != nil {
		return err
	}
	setSection(root, TrustedSection, encodeTrusted(snap.Trusted))
	setSection(root, InsecureSection, encodeInsecure(snap.Insecure))

	var buf bytes.Buffer
	if len(root.Content) > 0 {
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(&yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}); err != nil {
			return fmt.Errorf("encode %s: %w", b.path, err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("encode %s: %w", b.path, err)
		}
	}
	if err := writeFileAtomic(b.path, buf.Bytes()); err != nil {
		return err
	}
	sig, err := b.stat()
	if err != nil {
		return err
	}
	b.sig, b.seen = sig, true
	return nil
}

// readRoot returns the top-level mapping of the file, or an empty mapping
// when the file is missing or blank.
func (b *FileBackend) readRoot() (*yaml.Node, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return emptyMapping(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", b.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return emptyMapping(), nil
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", b.path, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return emptyMapping(), nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse %s: top level is not a mapping", b.path)
	}
	return root, nil
}

func emptyMapping() *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
}

func lookupSection(root *yaml.Node, name string) *yaml.Node {
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == name {
			return root.Content[i+1]
		}
	}
	return nil
}

// setSection replaces the value for name, appending the key if needed. A nil
// value removes the key.
func setSection(root *yaml.Node, name string, value *yaml.Node) {
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value != name {
			continue
		}
		if value == nil {
			root.Content = append(root.Content[:i], root.Content[i+2:]...)
		} else {
			root.Content[i+1] = value
		}
		return
	}
	if value != nil {
		key := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: name}
		root.Content = append(root.Content, key, value)
	}
}

func decodeSections(root *yaml.Node) Snapshot {
	var snap Snapshot

	if sec := lookupSection(root, TrustedSection); sec != nil {
		items, ok := sequenceItems(sec)
		if !ok {
			snap.Malformed++
		}
		for _, item := range items {
			var e certEntry
			if err := item.Decode(&e); err != nil {
				snap.Malformed++
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(e.Data)
			if err != nil {
				snap.Malformed++
				continue
			}
			snap.Trusted = append(snap.Trusted, TrustedCertificate{
				Host:      e.Host,
				Port:      e.Port,
				Raw:       raw,
				TrustSANs: e.TrustSANs,
				NotBefore: parseTimestamp(e.Activation),
				NotAfter:  parseTimestamp(e.Expiration),
			})
		}
	}

	if sec := lookupSection(root, InsecureSection); sec != nil {
		items, ok := sequenceItems(sec)
		if !ok {
			snap.Malformed++
		}
		for _, item := range items {
			var e insecureEntry
			if err := item.Decode(&e); err != nil {
				snap.Malformed++
				continue
			}
			snap.Insecure = append(snap.Insecure, InsecureHost(e))
		}
	}
	return snap
}

// sequenceItems accepts a sequence or an explicit null. Anything else is
// malformed.
func sequenceItems(n *yaml.Node) ([]*yaml.Node, bool) {
	switch {
	case n.Kind == yaml.SequenceNode:
		return n.Content, true
	case n.Kind == yaml.ScalarNode && n.Tag == "!!null":
		return nil, true
	default:
		return nil, false
	}
}

// parseTimestamp yields the zero time for anything unparseable so the
// record is pruned by Reconcile.
func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func encodeTrusted(list []TrustedCertificate) *yaml.Node {
	if len(list) == 0 {
		return nil
	}
	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, c := range list {
		var n yaml.Node
		// Encoding a plain struct into a node cannot fail.
		_ = n.Encode(certEntry{
			Host:       c.Host,
			Port:       c.Port,
			Data:       base64.StdEncoding.EncodeToString(c.Raw),
			Activation: formatTimestamp(c.NotBefore),
			Expiration: formatTimestamp(c.NotAfter),
			TrustSANs:  c.TrustSANs,
		})
		seq.Content = append(seq.Content, &n)
	}
	return seq
}

func encodeInsecure(list []InsecureHost) *yaml.Node {
	if len(list) == 0 {
		return nil
	}
	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, h := range list {
		var n yaml.Node
		_ = n.Encode(insecureEntry(h))
		seq.Content = append(seq.Content, &n)
	}
	return seq
}
