package main

import (
	"flag"
	"log"

	"github.com/danmuck/smbwire/internal/config"
)

const defaultPath = "cmd/smbprobe/config.toml"

func main() {
	kind := flag.String("kind", "probe", "config kind: probe")
	output := flag.String("output", defaultPath, "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", defaultPath, "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		cfg, err := config.LoadProbeConfig(*input)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s (addr=%s dialects=%s..%s)", *kind, *input, cfg.Addr, cfg.MinDialect, cfg.MaxDialect)
		return
	}

	if err := config.WriteTemplate(*output, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, *output)
}
