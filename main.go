package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/joho/godotenv"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line
type AppOptions struct {
	ConfigFile  string
	Stage       string
	Seed        int64 // negative keeps the configured seed
	EnvFile     string
	WriteConfig string
}

// Application is what the command line drives
type Application interface {
	ApplyOptions(opts AppOptions)
	RunStages() error
	WriteSampleConfig(path string) error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("Error: %v", err)
	}
}

func run(args []string, out io.Writer, app Application) error {
	fs := flag.NewFlagSet("signdedup", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.Stage, "stage", "all", "Stage to run: image, location, or all")
	fs.Int64Var(&opts.Seed, "seed", -1, "Override the configured random seed")
	fs.StringVar(&opts.EnvFile, "env", ".env", "Environment file loaded before the configuration")
	fs.StringVar(&opts.WriteConfig, "write-config", "", "Write a sample configuration to this path and exit")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "signdedup version: %s\n", Version)

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !os.IsNotExist(err) {
			log.Printf("Warning: failed to load %s: %v", opts.EnvFile, err)
		}
	}

	switch opts.Stage {
	case "all", "image", "location":
	default:
		return fmt.Errorf("unknown stage %q (want image, location or all)", opts.Stage)
	}

	app.ApplyOptions(opts)

	if opts.WriteConfig != "" {
		if err := app.WriteSampleConfig(opts.WriteConfig); err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote sample configuration to %s\n", opts.WriteConfig)
		return nil
	}

	return app.RunStages()
}
