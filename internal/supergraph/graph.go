package supergraph

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/danmuck/nodekit/internal/fault"
	"github.com/danmuck/nodekit/internal/timing"
	"github.com/goccy/go-yaml"
)

// GraphFile is the on-disk YAML graph description.
type GraphFile struct {
	GraphName string           `yaml:"graph_name"`
	Nodes     []map[string]any `yaml:"nodes"`
}

// Model is the supergraph document published to StreamKey.
type Model struct {
	GraphName     string                    `json:"graph_name"`
	GraphLoadedTS int64                     `json:"graph_loaded_ts"`
	RedisHost     string                    `json:"redis_host,omitempty"`
	RedisPort     int                       `json:"redis_port,omitempty"`
	Nodes         map[string]map[string]any `json:"nodes"`
}

// LoadGraphFile reads and validates a YAML graph and builds its model,
// stamped with the current monotonic time.
func LoadGraphFile(path string) (*Model, error) {
	const op = "supergraph.LoadGraphFile"
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.New(fault.Config, op, fmt.Errorf("graph load failed (%s): %w", path, err))
	}
	var gf GraphFile
	if err := yaml.Unmarshal(data, &gf); err != nil {
		return nil, fault.New(fault.Config, op, fmt.Errorf("graph parse failed (%s): %w", path, err))
	}
	return BuildModel(gf, timing.MonotonicNanos())
}

// BuildModel validates gf and keys its nodes by nickname. Nodes without a
// parameters object get an empty one.
func BuildModel(gf GraphFile, loadedTS int64) (*Model, error) {
	const op = "supergraph.BuildModel"
	var missing []string
	if strings.TrimSpace(gf.GraphName) == "" {
		missing = append(missing, "graph_name")
	}
	if gf.Nodes == nil {
		missing = append(missing, "nodes")
	}
	if len(missing) > 0 {
		return nil, fault.New(fault.Config, op, fmt.Errorf("%w: %s", ErrGraphFieldMissing, strings.Join(missing, ", ")))
	}

	m := &Model{
		GraphName:     strings.TrimSpace(gf.GraphName),
		GraphLoadedTS: loadedTS,
		Nodes:         make(map[string]map[string]any, len(gf.Nodes)),
	}
	for i, raw := range gf.Nodes {
		node, _ := normalize(raw).(map[string]any)
		nickname, _ := node["nickname"].(string)
		name, _ := node["name"].(string)
		switch {
		case nickname == "" && name == "":
			return nil, fault.New(fault.Config, op, fmt.Errorf("%w: node[%d] has neither name nor nickname", ErrGraphFieldMissing, i))
		case nickname == "":
			return nil, fault.New(fault.Config, op, fmt.Errorf("%w: nickname for node %s", ErrGraphFieldMissing, name))
		case name == "":
			return nil, fault.New(fault.Config, op, fmt.Errorf("%w: name for node %s", ErrGraphFieldMissing, nickname))
		}
		if _, dup := m.Nodes[nickname]; dup {
			return nil, fault.New(fault.Config, op, fmt.Errorf("%w: %s", ErrDuplicateNickname, nickname))
		}
		if _, ok := node[parametersKey].(map[string]any); !ok {
			node[parametersKey] = map[string]any{}
		}
		m.Nodes[nickname] = node
	}
	return m, nil
}

// ModelFromSnapshot rebuilds a publishable model from a fetched snapshot.
func ModelFromSnapshot(s *Snapshot) (*Model, error) {
	ts, err := s.GraphLoadTimestamp()
	if err != nil {
		return nil, err
	}
	m := &Model{
		GraphName:     s.GraphName(),
		GraphLoadedTS: ts,
		Nodes:         make(map[string]map[string]any, len(s.nodes)),
	}
	if host, ok := s.doc["redis_host"].(string); ok {
		m.RedisHost = host
	}
	if port, ok := s.doc["redis_port"].(json.Number); ok {
		if p, err := parseInt(port); err == nil {
			m.RedisPort = p
		}
	}
	for name, v := range s.nodes {
		m.Nodes[name] = normalize(v).(map[string]any)
	}
	return m, nil
}

// normalize returns a deep copy of v with every mapping keyed by string.
// Finite floats become number literals that keep a fraction or exponent, so
// 2.0 is published as 2.0 and still reads back as a float.
func normalize(v any) any {
	switch x := v.(type) {
	case float64:
		return floatLiteral(x, 64)
	case float32:
		return floatLiteral(float64(x), 32)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

func floatLiteral(f float64, bitSize int) any {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return f
	}
	lit := strconv.FormatFloat(f, 'g', -1, bitSize)
	if !strings.ContainsAny(lit, ".eE") {
		lit += ".0"
	}
	return json.Number(lit)
}
