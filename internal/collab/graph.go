package collab

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/hashstructure/v2"
)

// Graph is the content of a graph-format document. Nodes and edges are
// free-form objects keyed by their "id" field; edges reference nodes through
// "source" and "target".
type Graph struct {
	Nodes []map[string]any `json:"nodes"`
	Edges []map[string]any `json:"edges"`
	Meta  map[string]any   `json:"meta,omitempty"`
}

func decodeGraph(raw json.RawMessage) (*Graph, error) {
	g := &Graph{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, g); err != nil {
			return nil, fmt.Errorf("%w: graph content is malformed: %v", ErrUnsupportedForFormat, err)
		}
	}
	if g.Nodes == nil {
		g.Nodes = []map[string]any{}
	}
	if g.Edges == nil {
		g.Edges = []map[string]any{}
	}
	return g, nil
}

func (g *Graph) encode() (json.RawMessage, error) {
	return json.Marshal(g)
}

func (g *Graph) nodeIndex(id string) int {
	return indexByID(g.Nodes, id)
}

func (g *Graph) edgeIndex(id string) int {
	return indexByID(g.Edges, id)
}

func indexByID(items []map[string]any, id string) int {
	for i, item := range items {
		if itemID, _ := item["id"].(string); itemID == id {
			return i
		}
	}
	return -1
}

func (g *Graph) addNode(node map[string]any) (map[string]any, error) {
	id, _ := node["id"].(string)
	if g.nodeIndex(id) >= 0 {
		return nil, fmt.Errorf("%w: node %s already exists", ErrInvalidRequest, id)
	}
	node = copyFields(node)
	g.Nodes = append(g.Nodes, node)
	return node, nil
}

func (g *Graph) updateNode(id string, fields map[string]any) (map[string]any, error) {
	i := g.nodeIndex(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: node %s", ErrTargetNotFound, id)
	}
	g.Nodes[i] = mergeFields(g.Nodes[i], fields)
	return g.Nodes[i], nil
}

// deleteNode removes the node and every edge attached to it, returning the
// ids of the removed edges.
func (g *Graph) deleteNode(id string) ([]string, error) {
	i := g.nodeIndex(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: node %s", ErrTargetNotFound, id)
	}
	g.Nodes = append(g.Nodes[:i], g.Nodes[i+1:]...)
	removed := make([]string, 0)
	kept := g.Edges[:0]
	for _, edge := range g.Edges {
		source, _ := edge["source"].(string)
		target, _ := edge["target"].(string)
		if source == id || target == id {
			edgeID, _ := edge["id"].(string)
			removed = append(removed, edgeID)
			continue
		}
		kept = append(kept, edge)
	}
	g.Edges = kept
	return removed, nil
}

func (g *Graph) checkEndpoints(edge map[string]any) error {
	for _, field := range []string{"source", "target"} {
		nodeID, _ := edge[field].(string)
		if nodeID == "" {
			return fmt.Errorf("%w: edge %s is required", ErrInvalidRequest, field)
		}
		if g.nodeIndex(nodeID) < 0 {
			return fmt.Errorf("%w: edge %s node %s", ErrTargetNotFound, field, nodeID)
		}
	}
	return nil
}

func (g *Graph) addEdge(edge map[string]any) (map[string]any, error) {
	id, _ := edge["id"].(string)
	if g.edgeIndex(id) >= 0 {
		return nil, fmt.Errorf("%w: edge %s already exists", ErrInvalidRequest, id)
	}
	if err := g.checkEndpoints(edge); err != nil {
		return nil, err
	}
	edge = copyFields(edge)
	g.Edges = append(g.Edges, edge)
	return edge, nil
}

func (g *Graph) updateEdge(id string, fields map[string]any) (map[string]any, error) {
	i := g.edgeIndex(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: edge %s", ErrTargetNotFound, id)
	}
	updated := mergeFields(g.Edges[i], fields)
	if err := g.checkEndpoints(updated); err != nil {
		return nil, err
	}
	g.Edges[i] = updated
	return updated, nil
}

func (g *Graph) deleteEdge(id string) error {
	i := g.edgeIndex(id)
	if i < 0 {
		return fmt.Errorf("%w: edge %s", ErrTargetNotFound, id)
	}
	g.Edges = append(g.Edges[:i], g.Edges[i+1:]...)
	return nil
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// mergeFields shallow-merges fields over base. The id field is immutable.
func mergeFields(base, fields map[string]any) map[string]any {
	out := copyFields(base)
	for k, v := range fields {
		if k == "id" {
			continue
		}
		out[k] = v
	}
	return out
}

// Fingerprint hashes document content structurally, so key order and
// whitespace do not change it.
func Fingerprint(raw json.RawMessage) (string, error) {
	var v any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return "", err
		}
	}
	sum, err := hashstructure.Hash(v, hashstructure.FormatV2, nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", sum), nil
}
