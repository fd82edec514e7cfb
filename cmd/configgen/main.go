// configgen writes or validates cangw and ecunode config files.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/danmuck/canbridge/internal/config"
	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	flags := pflag.NewFlagSet("configgen", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	kind := flags.String("kind", config.KindGateway, "config kind: cangw|ecunode")
	output := flags.String("output", "", "output path for config template")
	validate := flags.Bool("validate", false, "validate an existing config file")
	input := flags.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flags.Bool("force", false, "overwrite existing config file")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	defaultPath, err := config.DefaultPath(*kind)
	if err != nil {
		fmt.Fprintf(stderr, "configgen: %v\n", err)
		return 1
	}

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath
		}
		if err := config.Validate(path, *kind); err != nil {
			fmt.Fprintf(stderr, "configgen: %v\n", err)
			return 1
		}
		fmt.Fprintf(stderr, "Validated %s config at %s\n", *kind, path)
		return 0
	}

	target := *output
	if target == "" {
		target = defaultPath
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		fmt.Fprintf(stderr, "configgen: %v\n", err)
		return 1
	}
	fmt.Fprintf(stderr, "Wrote %s config template to %s\n", *kind, target)
	return 0
}
