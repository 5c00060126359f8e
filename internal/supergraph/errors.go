package supergraph

import "errors"

var (
	ErrMalformedSnapshot = errors.New("supergraph: malformed snapshot")
	ErrNodeNotFound      = errors.New("supergraph: node not found")
	ErrNoParameters      = errors.New("supergraph: node has no parameters object")
	ErrParameterNotFound = errors.New("supergraph: parameter not found")
	ErrTypeMismatch      = errors.New("supergraph: parameter type mismatch")
	ErrOutOfRange        = errors.New("supergraph: integer out of range")
	ErrTimestampMissing  = errors.New("supergraph: graph_loaded_ts missing")
	ErrGraphFieldMissing = errors.New("supergraph: graph field missing")
	ErrDuplicateNickname = errors.New("supergraph: duplicate node nickname")
	ErrNoGraphLoaded     = errors.New("supergraph: no graph loaded")
)
