package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/abhilash1910/ScaleLLM/internal/version"
)

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the build version",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Println("scalellm " + version.String())
			return nil
		},
	}
}
