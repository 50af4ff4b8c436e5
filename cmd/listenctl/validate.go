package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/loqalabs/loqa-listen/internal/config"
)

func runValidate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	var configPath string
	fs.StringVar(&configPath, "config", "listen.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := config.Load(configPath); err != nil {
		return err
	}
	fmt.Fprintln(out, "config valid")
	return nil
}
