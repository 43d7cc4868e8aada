package graph

import "encoding/json"

// DecodeGraph unmarshals a graph document and compiles it, so callers
// never get a Graph with stale/missing byID and edgesFrom indexes.
func DecodeGraph(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, err
	}
	if err := g.Compile(); err != nil {
		return nil, err
	}
	return &g, nil
}
