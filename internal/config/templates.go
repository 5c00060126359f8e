package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/nodekit/internal/realtime"
	"github.com/pelletier/go-toml/v2"
)

// Template renders a starter file for kind: "node" (TOML runtime settings)
// or "graph" (YAML supergraph).
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "node":
		data, err := toml.Marshal(nodeTemplate())
		if err != nil {
			return "", fmt.Errorf("render node template: %w", err)
		}
		return string(data), nil
	case "graph":
		return graphTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func nodeTemplate() File {
	return File{
		LogLevel:           "info",
		AdminAddr:          "127.0.0.1:7020",
		CORSOrigins:        []string{"http://localhost:3000"},
		PollInterval:       "1s",
		Realtime:           true,
		StackPrefaultBytes: realtime.DefaultStackBytes,
		ShmDir:             realtime.DefaultShmDir,
		Segments: []Segment{
			{Name: "frames", Size: 1 << 20, Create: true, Writable: true, Unlink: true},
		},
	}
}

const graphTemplate = `graph_name: example
nodes:
  - name: decoder
    nickname: decoder
    parameters:
      rate: 30000
      channels: [1, 2, 3]
      gain: 0.5
  - name: sink
    nickname: sink
    parameters:
      path: /tmp/sink.out
`
