package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

const (
	formatJSON = "json"
	formatYAML = "yaml"
)

var (
	name    = "screenctl"
	version = "v0.0.1-default"
	commit  = ""

	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Prints verbose logs (optional, default: false)",
	}

	formatFlag = &cli.StringFlag{
		Name:  "format",
		Usage: "Output format [json, yaml]",
		Value: formatJSON,
	}
)

func main() {
	initLogging()

	if err := newApp().Run(os.Args); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:            name,
		Version:         fmt.Sprintf("%s - (commit: %s)", version, commit),
		Compiled:        time.Now(),
		Usage:           "Offline tools for the posture screening service",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			debugFlag,
			formatFlag,
		},
		Commands: []*cli.Command{
			scoreCmd,
			historyCmd,
			compareCmd,
			tokenCmd,
		},
		Before: func(c *cli.Context) error {
			if c.Bool(debugFlag.Name) {
				log.SetLevel(log.DebugLevel)
			}
			return nil
		},
	}
}

// printOutput writes v in the format picked with --format.
func printOutput(c *cli.Context, v any) error {
	return encode(c.App.Writer, c.String(formatFlag.Name), v)
}

func encode(w io.Writer, format string, v any) error {
	switch format {
	case formatYAML, "yml":
		e := yaml.NewEncoder(w)
		e.SetIndent(2)
		defer e.Close()
		return e.Encode(v)
	case formatJSON, "":
		e := json.NewEncoder(w)
		e.SetIndent("", "  ")
		return e.Encode(v)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func initLogging() {
	log.SetOutput(os.Stderr)
	log.SetLevel(log.InfoLevel)
	log.SetFormatter(&log.TextFormatter{
		DisableTimestamp:       true,
		DisableLevelTruncation: true,
		PadLevelText:           true,
	})
}
