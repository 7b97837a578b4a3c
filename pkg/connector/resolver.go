package connector

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

const regexCacheSize = 256

// QualifiedPath is the browse path of a node from the root folder, one
// "ns:Name" qualified segment per level. It survives reconnects and is used
// to re-resolve bindings exactly on a fresh session.
type QualifiedPath []string

func (p QualifiedPath) String() string {
	return strings.Join(p, ".")
}

// resolved is one match of a pattern search: the node plus the qualified
// browse path that led to it.
type resolved struct {
	node Node
	path QualifiedPath
}

// Resolver maps configured node-path patterns onto the server's address
// space. Pattern segments are split on the literal two-character sequence
// `\.` so that browse names containing dots remain expressible; each segment
// matches either by exact browse name or as an anchored regular expression.
type Resolver struct {
	session Session
	log     *zap.SugaredLogger
	cache   *lru.Cache // pattern segment -> *regexp.Regexp
}

func NewResolver(session Session, log *zap.SugaredLogger) *Resolver {
	cache, _ := lru.New(regexCacheSize)
	return &Resolver{session: session, log: log, cache: cache}
}

// Find returns every node whose browse path matches the pattern, in the
// order the search visits them. A fresh slice is returned on every call.
func (r *Resolver) Find(ctx context.Context, pattern string) ([]resolved, error) {
	segments := splitPattern(pattern)
	if len(segments) == 0 {
		return nil, fmt.Errorf("empty node pattern")
	}

	// A leading Root segment is implied; strip it so the search starts at
	// the root folder's children either way.
	if strings.EqualFold(stripNamespace(segments[0]), "root") {
		segments = segments[1:]
		if len(segments) == 0 {
			return nil, fmt.Errorf("pattern %q names only the root folder", pattern)
		}
	}

	type frame struct {
		node  Node
		path  QualifiedPath
		seen  []string // node ids along the path, cycle guard
		depth int
	}

	// Breadth-first keeps sibling order stable, so fan-out results from two
	// structurally aligned patterns line up index by index.
	var out []resolved
	root := r.session.Root()
	queue := []frame{{node: root, seen: []string{root.ID().String()}}}

	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]

		children, err := f.node.Children(ctx)
		if err != nil {
			if isSessionError(err) {
				return nil, err
			}
			r.log.Debugf("Skipping unbrowsable node %s: %v", f.node.ID(), err)
			continue
		}

		seg := segments[f.depth]
		for _, child := range children {
			bn, err := child.BrowseName(ctx)
			if err != nil {
				if isSessionError(err) {
					return nil, err
				}
				continue
			}
			qualified := fmt.Sprintf("%d:%s", bn.NamespaceIndex, bn.Name)

			if !r.segmentMatches(seg, qualified, bn.Name) {
				continue
			}

			childPath := append(append(QualifiedPath{}, f.path...), qualified)
			if f.depth == len(segments)-1 {
				out = append(out, resolved{node: child, path: childPath})
				continue
			}
			childID := child.ID().String()
			if containsID(f.seen, childID) {
				// Cyclic reference; do not descend into a node that is
				// already on this path. Identity, not name: distinct nodes
				// sharing a browse name along the path are legitimate.
				continue
			}
			queue = append(queue, frame{
				node:  child,
				path:  childPath,
				seen:  append(append([]string{}, f.seen...), childID),
				depth: f.depth + 1,
			})
		}
	}
	return out, nil
}

// FindOne resolves a pattern that is expected to address a single node.
// Extra matches are logged and ignored.
func (r *Resolver) FindOne(ctx context.Context, pattern string) (*resolved, error) {
	matches, err := r.Find(ctx, pattern)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no node matches %q", pattern)
	}
	if len(matches) > 1 {
		r.log.Warnf("Pattern %q matched %d nodes, using the first (%s)", pattern, len(matches), matches[0].path)
	}
	return &matches[0], nil
}

// Lookup walks a previously recorded qualified path with exact comparisons
// only. This is the reconnect fast path: no regex evaluation, no fan-out.
func (r *Resolver) Lookup(ctx context.Context, path QualifiedPath) (Node, error) {
	node := r.session.Root()
	for depth, want := range path {
		children, err := node.Children(ctx)
		if err != nil {
			return nil, err
		}
		var next Node
		for _, child := range children {
			bn, err := child.BrowseName(ctx)
			if err != nil {
				if isSessionError(err) {
					return nil, err
				}
				continue
			}
			if fmt.Sprintf("%d:%s", bn.NamespaceIndex, bn.Name) == want {
				next = child
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("path %s broke at depth %d (%s)", path, depth, want)
		}
		node = next
	}
	return node, nil
}

// segmentMatches applies the per-segment rules: a namespace-qualified
// segment ("2:Station") compares exactly against the qualified name; an
// unqualified segment compares against the bare browse name, falling back to
// an anchored regex when the literal comparison fails.
func (r *Resolver) segmentMatches(seg, qualified, name string) bool {
	if hasNamespacePrefix(seg) {
		return seg == qualified
	}
	if seg == name {
		return true
	}
	re := r.compile(seg)
	if re == nil {
		return false
	}
	return re.MatchString(name)
}

func (r *Resolver) compile(seg string) *regexp.Regexp {
	if cached, ok := r.cache.Get(seg); ok {
		if cached == nil {
			return nil
		}
		return cached.(*regexp.Regexp)
	}
	re, err := regexp.Compile("^" + seg + "$")
	if err != nil {
		r.log.Debugf("Segment %q is not a valid expression: %v", seg, err)
		r.cache.Add(seg, nil)
		return nil
	}
	r.cache.Add(seg, re)
	return re
}

// splitPattern cuts a node-path pattern on the escaped dot separator `\.`,
// leaving plain dots inside segments untouched.
func splitPattern(pattern string) []string {
	parts := strings.Split(pattern, `\.`)
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

var namespacePrefix = regexp.MustCompile(`^\d+:`)

func hasNamespacePrefix(seg string) bool {
	return namespacePrefix.MatchString(seg)
}

func stripNamespace(seg string) string {
	return namespacePrefix.ReplaceAllString(seg, "")
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
