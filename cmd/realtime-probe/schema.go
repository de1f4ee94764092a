package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/urfave/cli/v3"

	"github.com/lk2023060901/hemoclast-realtime-go/internal/config"
)

func schemaCommand() *cli.Command {
	return &cli.Command{
		Name:  "schema",
		Usage: "print the JSON Schema of the server configuration file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "write to file instead of stdout"},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			raw, err := config.Schema()
			if err != nil {
				return err
			}
			if path := cmd.String("out"); path != "" {
				if err := os.WriteFile(path, raw, 0o644); err != nil {
					return errors.Wrapf(err, "write %s", path)
				}
				return nil
			}
			fmt.Println(string(raw))
			return nil
		},
	}
}
