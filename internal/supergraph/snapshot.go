package supergraph

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/danmuck/nodekit/internal/fault"
)

const (
	nodesKey      = "nodes"
	parametersKey = "parameters"
	loadedTSKey   = "graph_loaded_ts"
	graphNameKey  = "graph_name"
)

// Numbers decode as json.Number so integers and floats stay distinguishable.
var decoder = sonic.Config{UseNumber: true}.Froze()

// Snapshot is one parsed supergraph entry. It is never mutated after
// ParseSnapshot returns; list accessors hand out fresh slices.
type Snapshot struct {
	ID    string
	doc   map[string]any
	nodes map[string]any
}

// ParseSnapshot decodes the JSON payload of supergraph entry id. The document
// must be an object whose "nodes" member is an object of objects.
func ParseSnapshot(id, data string) (*Snapshot, error) {
	const op = "supergraph.ParseSnapshot"
	var raw any
	if err := decoder.UnmarshalFromString(data, &raw); err != nil {
		return nil, fault.New(fault.Protocol, op, fmt.Errorf("%w: entry %s: %w", ErrMalformedSnapshot, id, err))
	}
	doc, ok := raw.(map[string]any)
	if !ok {
		return nil, fault.New(fault.Protocol, op, fmt.Errorf("%w: entry %s: top-level %s, want object", ErrMalformedSnapshot, id, typeOf(raw)))
	}
	nodes, ok := doc[nodesKey].(map[string]any)
	if !ok {
		return nil, fault.New(fault.Protocol, op, fmt.Errorf("%w: entry %s: %q is %s, want object", ErrMalformedSnapshot, id, nodesKey, typeOf(doc[nodesKey])))
	}
	for name, v := range nodes {
		if _, ok := v.(map[string]any); !ok {
			return nil, fault.New(fault.Protocol, op, fmt.Errorf("%w: entry %s: node %q is %s, want object", ErrMalformedSnapshot, id, name, typeOf(v)))
		}
	}
	return &Snapshot{ID: id, doc: doc, nodes: nodes}, nil
}

// Nodes returns the node nicknames in the snapshot, sorted.
func (s *Snapshot) Nodes() []string {
	out := make([]string, 0, len(s.nodes))
	for name := range s.nodes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// GraphName returns the top-level graph_name, or "" when absent.
func (s *Snapshot) GraphName() string {
	name, _ := s.doc[graphNameKey].(string)
	return name
}

// GraphLoadTimestamp returns the required top-level graph_loaded_ts integer.
func (s *Snapshot) GraphLoadTimestamp() (int64, error) {
	const op = "supergraph.GraphLoadTimestamp"
	v, ok := s.doc[loadedTSKey]
	if !ok {
		return 0, fault.New(fault.Config, op, ErrTimestampMissing)
	}
	if t := typeOf(v); t != TypeInteger {
		return 0, fault.New(fault.Config, op, fmt.Errorf("%w: %q has type %s, want integer", ErrTypeMismatch, loadedTSKey, t))
	}
	ts, err := parseInt64(v.(json.Number))
	if err != nil {
		return 0, fault.New(fault.Config, op, fmt.Errorf("%q: %w", loadedTSKey, err))
	}
	return ts, nil
}

// NodeParameters returns the parameter set of node. A node without a
// parameters object is a configuration error, not an empty set.
func (s *Snapshot) NodeParameters(node string) (Parameters, error) {
	const op = "supergraph.NodeParameters"
	v, ok := s.nodes[node]
	if !ok {
		return Parameters{}, fault.New(fault.Config, op, fmt.Errorf("%w: %q", ErrNodeNotFound, node))
	}
	entry := v.(map[string]any)
	raw, ok := entry[parametersKey]
	if !ok {
		return Parameters{}, fault.New(fault.Config, op, fmt.Errorf("%w: %q", ErrNoParameters, node))
	}
	params, ok := raw.(map[string]any)
	if !ok {
		return Parameters{}, fault.New(fault.Config, op, fmt.Errorf("%w: %q has %s parameters", ErrNoParameters, node, typeOf(raw)))
	}
	return Parameters{node: node, values: params}, nil
}

func (s *Snapshot) GetString(node, param string) (string, error) {
	p, err := s.NodeParameters(node)
	if err != nil {
		return "", err
	}
	return p.GetString(param)
}

func (s *Snapshot) GetInt(node, param string) (int, error) {
	p, err := s.NodeParameters(node)
	if err != nil {
		return 0, err
	}
	return p.GetInt(param)
}

func (s *Snapshot) GetIntList(node, param string) ([]int, error) {
	p, err := s.NodeParameters(node)
	if err != nil {
		return nil, err
	}
	return p.GetIntList(param)
}

func (s *Snapshot) GetStringList(node, param string) ([]string, error) {
	p, err := s.NodeParameters(node)
	if err != nil {
		return nil, err
	}
	return p.GetStringList(param)
}

func (s *Snapshot) GetFloat(node, param string) (float64, error) {
	p, err := s.NodeParameters(node)
	if err != nil {
		return 0, err
	}
	return p.GetFloat(param)
}

func (s *Snapshot) GetBool(node, param string) (bool, error) {
	p, err := s.NodeParameters(node)
	if err != nil {
		return false, err
	}
	return p.GetBool(param)
}

// Parameters is a read-only view of one node's parameters object.
type Parameters struct {
	node   string
	values map[string]any
}

func (p Parameters) Node() string {
	return p.node
}

// Names returns the declared parameter names, sorted.
func (p Parameters) Names() []string {
	out := make([]string, 0, len(p.values))
	for name := range p.values {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// TypeOf reports the declared type of param.
func (p Parameters) TypeOf(param string) (Type, bool) {
	v, ok := p.values[param]
	if !ok {
		return TypeNull, false
	}
	return typeOf(v), true
}

func (p Parameters) GetString(param string) (string, error) {
	v, err := p.lookup("supergraph.GetString", param, TypeString)
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p Parameters) GetInt(param string) (int, error) {
	const op = "supergraph.GetInt"
	v, err := p.lookup(op, param, TypeInteger)
	if err != nil {
		return 0, err
	}
	n, err := parseInt(v.(json.Number))
	if err != nil {
		return 0, p.fail(op, fmt.Errorf("parameter %q: %w", param, err))
	}
	return n, nil
}

func (p Parameters) GetFloat(param string) (float64, error) {
	const op = "supergraph.GetFloat"
	v, err := p.lookup(op, param, TypeFloat)
	if err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, p.fail(op, fmt.Errorf("parameter %q: %w", param, err))
		}
		return f, nil
	default:
		return x.(float64), nil
	}
}

func (p Parameters) GetBool(param string) (bool, error) {
	v, err := p.lookup("supergraph.GetBool", param, TypeBool)
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// GetIntList returns a new slice holding the integer array param in order.
func (p Parameters) GetIntList(param string) ([]int, error) {
	const op = "supergraph.GetIntList"
	items, err := p.list(op, param)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(items))
	for i, item := range items {
		if t := typeOf(item); t != TypeInteger {
			return nil, p.fail(op, fmt.Errorf("%w: parameter %q element %d has type %s, want integer", ErrTypeMismatch, param, i, t))
		}
		n, err := parseInt(item.(json.Number))
		if err != nil {
			return nil, p.fail(op, fmt.Errorf("parameter %q element %d: %w", param, i, err))
		}
		out[i] = n
	}
	return out, nil
}

// GetStringList returns a new slice holding the string array param in order.
func (p Parameters) GetStringList(param string) ([]string, error) {
	const op = "supergraph.GetStringList"
	items, err := p.list(op, param)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, p.fail(op, fmt.Errorf("%w: parameter %q element %d has type %s, want string", ErrTypeMismatch, param, i, typeOf(item)))
		}
		out[i] = s
	}
	return out, nil
}

func (p Parameters) list(op, param string) ([]any, error) {
	v, err := p.lookup(op, param, TypeArray)
	if err != nil {
		return nil, err
	}
	return v.([]any), nil
}

func (p Parameters) lookup(op, param string, want Type) (any, error) {
	v, ok := p.values[param]
	if !ok {
		return nil, p.fail(op, fmt.Errorf("%w: node %q parameter %q", ErrParameterNotFound, p.node, param))
	}
	if got := typeOf(v); got != want {
		return nil, p.fail(op, fmt.Errorf("%w: node %q parameter %q has type %s, want %s", ErrTypeMismatch, p.node, param, got, want))
	}
	return v, nil
}

func (p Parameters) fail(op string, err error) error {
	return fault.New(fault.Config, op, err)
}

func parseInt64(n json.Number) (int64, error) {
	v, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrOutOfRange, n)
	}
	return v, nil
}

func parseInt(n json.Number) (int, error) {
	v, err := strconv.ParseInt(n.String(), 10, strconv.IntSize)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrOutOfRange, n)
	}
	return int(v), nil
}
