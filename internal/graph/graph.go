// Package graph is the typed registry through which model components expose
// their differentiable quantities. A calibration run discovers everything
// reachable from a root Node and addresses it by dotted path, for example
// portfolio.strategy.portfolioWeights.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sawpanic/mcalib/internal/cache"
	"github.com/sawpanic/mcalib/internal/process"
	"github.com/sawpanic/mcalib/internal/tensor"
)

// ErrUnknownTarget is returned when a path does not resolve to a leaf.
var ErrUnknownTarget = errors.New("unknown target")

// Node is a component that exposes named tensors and named children.
// Children that do not implement Node are dead ends and are skipped.
type Node interface {
	Leaves() map[string]*tensor.Tensor
	Children() map[string]any
}

// Scoped nodes tell the calibrator which cached inputs their learnable leaves
// feed, so the matching cache stages can be suspended while they move.
type Scoped interface {
	Scope() cache.Scope
}

// Target is a discovered leaf.
type Target struct {
	Path   string
	Tensor *tensor.Tensor
	Scope  cache.Scope
}

// Optimizable reports whether an optimizer may own the leaf.
func (t Target) Optimizable() bool { return t.Tensor.IsLearnable() }

// Discovery holds the paths found under a root.
type Discovery struct {
	// Loss lists every path usable as a loss or metric input.
	Loss []string
	// Optimizable lists the learnable leaves, a subset of Loss.
	Optimizable []string
}

// Discover walks root breadth-first. Learnable leaves are both optimizable
// and loss-eligible; other leaves are loss-eligible only.
func Discover(root Node) Discovery {
	var d Discovery
	walk(root, func(t Target) {
		d.Loss = append(d.Loss, t.Path)
		if t.Optimizable() {
			d.Optimizable = append(d.Optimizable, t.Path)
		}
	})
	return d
}

type queued struct {
	path  string
	node  Node
	scope cache.Scope
}

func walk(root Node, visit func(Target)) {
	queue := []queued{{node: root, scope: scopeOf(root, cache.ScopeNone)}}
	for len(queue) > 0 {
		q := queue[0]
		queue = queue[1:]

		leaves := q.node.Leaves()
		for _, name := range sortedKeys(leaves) {
			if leaves[name] == nil {
				continue
			}
			visit(Target{Path: join(q.path, name), Tensor: leaves[name], Scope: q.scope})
		}
		children := q.node.Children()
		for _, name := range sortedKeys(children) {
			child, ok := children[name].(Node)
			if !ok || child == nil {
				continue
			}
			queue = append(queue, queued{path: join(q.path, name), node: child, scope: scopeOf(child, q.scope)})
		}
	}
}

// Resolve finds the leaf at path under root.
func Resolve(root Node, path string) (Target, error) {
	parts := strings.Split(path, ".")
	node := root
	scope := scopeOf(root, cache.ScopeNone)
	for i, part := range parts {
		if i == len(parts)-1 {
			if leaf, ok := node.Leaves()[part]; ok && leaf != nil {
				return Target{Path: path, Tensor: leaf, Scope: scope}, nil
			}
			break
		}
		next, ok := node.Children()[part].(Node)
		if !ok || next == nil {
			break
		}
		node = next
		scope = scopeOf(next, scope)
	}
	return Target{}, fmt.Errorf("%w: %s", ErrUnknownTarget, path)
}

// ResolveAll resolves paths in order.
func ResolveAll(root Node, paths []string) ([]Target, error) {
	out := make([]Target, len(paths))
	for i, p := range paths {
		t, err := Resolve(root, p)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

// Params exposes a parameter map as a node whose leaves carry scope.
type Params struct {
	Values process.Params
	Deps   cache.Scope
}

func (p Params) Leaves() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, len(p.Values))
	for k, v := range p.Values {
		out[k] = v
	}
	return out
}

func (p Params) Children() map[string]any { return nil }
func (p Params) Scope() cache.Scope       { return p.Deps }

// Map exposes a set of named children as a node.
type Map map[string]any

func (m Map) Leaves() map[string]*tensor.Tensor { return nil }
func (m Map) Children() map[string]any          { return m }

func scopeOf(n Node, inherited cache.Scope) cache.Scope {
	if s, ok := n.(Scoped); ok {
		return s.Scope()
	}
	return inherited
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
