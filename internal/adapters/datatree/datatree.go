// Package datatree implements the data-tree engine (component C):
// persistent trees of DataRefs with structural sharing and copy-on-write
// updates, stored as tree objects in the content-addressed object store.
package datatree

import (
	"encoding/json"
	"sort"

	"go.trai.ch/e3/internal/core/domain"
	"go.trai.ch/e3/internal/core/ports"
)

var _ ports.TreeStore = (*Engine)(nil)

// wireDataRef is the JSON-serializable form of domain.DataRef.
type wireDataRef struct {
	Kind string `json:"kind"`
	Hash string `json:"hash,omitempty"`
	Type string `json:"type,omitempty"`
}

func toWire(r domain.DataRef) wireDataRef {
	return wireDataRef{Kind: string(r.Kind), Hash: r.Hash.String(), Type: r.Type}
}

func fromWire(w wireDataRef) domain.DataRef {
	return domain.DataRef{Kind: domain.DataRefKind(w.Kind), Hash: domain.Hash(w.Hash), Type: w.Type}
}

// Engine implements ports.TreeStore over an ports.ObjectStore.
type Engine struct {
	objects ports.ObjectStore
}

// New creates an Engine backed by objects.
func New(objects ports.ObjectStore) *Engine {
	return &Engine{objects: objects}
}

// ReadTree returns the field->DataRef map stored at hash.
func (e *Engine) ReadTree(hash domain.Hash) (map[string]domain.DataRef, error) {
	raw, err := e.objects.Read(hash)
	if err != nil {
		return nil, err
	}
	var wire map[string]wireDataRef
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, domain.WithField(domain.ErrCodec, "hash", hash.String())
	}
	out := make(map[string]domain.DataRef, len(wire))
	for k, v := range wire {
		out[k] = fromWire(v)
	}
	return out, nil
}

// WriteTree writes a new tree object from fields and returns its hash.
func (e *Engine) WriteTree(fields map[string]domain.DataRef) (domain.Hash, error) {
	return e.writeTree(fields)
}

func (e *Engine) writeTree(fields map[string]domain.DataRef) (domain.Hash, error) {
	wire := make(map[string]wireDataRef, len(fields))
	for k, v := range fields {
		wire[k] = toWire(v)
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return domain.ZeroHash, domain.WithField(domain.ErrCodec, "cause", err.Error())
	}
	return e.objects.Write(raw)
}

// Walk resolves path against the tree rooted at rootHash.
func (e *Engine) Walk(rootHash domain.Hash, path domain.TreePath) (domain.DataRef, error) {
	if path.IsRoot() {
		return domain.TreeRef(rootHash), nil
	}
	segment, rest, _ := path.Head()
	fields, err := e.ReadTree(rootHash)
	if err != nil {
		return domain.DataRef{}, err
	}
	ref, ok := fields[segment]
	if !ok {
		return domain.DataRef{}, domain.WithField(domain.ErrPathNotFound, "segment", segment)
	}
	if rest.IsRoot() {
		return ref, nil
	}
	if ref.Kind != domain.DataRefTree {
		return domain.DataRef{}, domain.WithField(domain.ErrNotATree, "segment", segment)
	}
	return e.Walk(ref.Hash, rest)
}

// Update walks to the node containing path's final segment, writes a new
// tree value with that single field replaced, and rewrites every ancestor
// up to the root.
func (e *Engine) Update(rootHash domain.Hash, path domain.TreePath, newRef domain.DataRef) (domain.Hash, error) {
	if path.IsRoot() {
		return domain.ZeroHash, domain.WithField(domain.ErrInvalid, "path", "root")
	}
	return e.updateAt(rootHash, path, newRef)
}

func (e *Engine) updateAt(nodeHash domain.Hash, path domain.TreePath, newRef domain.DataRef) (domain.Hash, error) {
	segment, rest, _ := path.Head()
	fields, err := e.ReadTree(nodeHash)
	if err != nil {
		return domain.ZeroHash, err
	}

	if rest.IsRoot() {
		existing, ok := fields[segment]
		if !ok {
			return domain.ZeroHash, domain.WithField(domain.ErrPathNotFound, "segment", segment)
		}
		if existing.Type != "" && newRef.Type != "" && existing.Type != newRef.Type {
			return domain.ZeroHash, domain.WithFields(domain.ErrTypeMismatch,
				"segment", segment, "declared", existing.Type, "got", newRef.Type)
		}
		fields[segment] = newRef
		return e.writeTree(fields)
	}

	child, ok := fields[segment]
	if !ok {
		return domain.ZeroHash, domain.WithField(domain.ErrPathNotFound, "segment", segment)
	}
	if child.Kind != domain.DataRefTree {
		return domain.ZeroHash, domain.WithField(domain.ErrNotATree, "segment", segment)
	}
	newChildHash, err := e.updateAt(child.Hash, rest, newRef)
	if err != nil {
		return domain.ZeroHash, err
	}
	fields[segment] = domain.TreeRef(newChildHash)
	return e.writeTree(fields)
}

// ListTree returns the field names present at path.
func (e *Engine) ListTree(rootHash domain.Hash, path domain.TreePath) ([]string, error) {
	treeHash, err := e.treeHashAt(rootHash, path)
	if err != nil {
		return nil, err
	}
	fields, err := e.ReadTree(treeHash)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ListTreeRecursive returns a flattened path->DataRef view under path,
// bounded by maxDepth when maxDepth > 0.
func (e *Engine) ListTreeRecursive(rootHash domain.Hash, path domain.TreePath, maxDepth int) (map[string]domain.DataRef, error) {
	treeHash, err := e.treeHashAt(rootHash, path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.DataRef)
	if err := e.walkRecursive(treeHash, path, maxDepth, 0, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) walkRecursive(treeHash domain.Hash, prefix domain.TreePath, maxDepth, depth int, out map[string]domain.DataRef) error {
	fields, err := e.ReadTree(treeHash)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ref := fields[name]
		childPath := prefix.Child(name)
		out[childPath.Dotted()] = ref
		if ref.Kind == domain.DataRefTree && (maxDepth <= 0 || depth+1 < maxDepth) {
			if err := e.walkRecursive(ref.Hash, childPath, maxDepth, depth+1, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) treeHashAt(rootHash domain.Hash, path domain.TreePath) (domain.Hash, error) {
	if path.IsRoot() {
		return rootHash, nil
	}
	ref, err := e.Walk(rootHash, path)
	if err != nil {
		return domain.ZeroHash, err
	}
	if ref.Kind != domain.DataRefTree {
		return domain.ZeroHash, domain.WithField(domain.ErrNotATree, "path", path.Dotted())
	}
	return ref.Hash, nil
}
