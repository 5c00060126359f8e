package main

import (
	"flag"

	"github.com/danmuck/nodekit/internal/config"
	"github.com/danmuck/nodekit/internal/logging"
	"github.com/danmuck/nodekit/internal/supergraph"
	"github.com/rs/zerolog/log"
)

func main() {
	logging.ConfigureRuntime()
	kind := flag.String("kind", "node", "config kind: node|graph")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		switch *kind {
		case "node":
			if _, err := config.LoadFile(path, config.Default()); err != nil {
				log.Fatal().Err(err).Msg("invalid node config")
			}
		case "graph":
			if _, err := supergraph.LoadGraphFile(path); err != nil {
				log.Fatal().Err(err).Msg("invalid graph")
			}
		}
		log.Info().Str("kind", *kind).Str("path", path).Msg("config validated")
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal().Err(err).Msg("template not written")
	}
	log.Info().Str("kind", *kind).Str("path", target).Msg("config template written")
}

func defaultPath(kind string) string {
	switch kind {
	case "node":
		return "node.toml"
	case "graph":
		return "graph.yaml"
	default:
		log.Fatal().Str("kind", kind).Msg("unknown kind")
		return ""
	}
}
