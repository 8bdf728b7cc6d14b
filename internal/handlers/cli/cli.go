// Package cli exposes the commitstream administration commands. Today that
// is checkpoint management: inspecting, pruning, and resetting the file-backed
// checkpoint state of a stream, the manual-recovery path for corrupted
// checkpoints.
package cli

import (
	"context"
	"os"

	"github.com/gabapcia/commitstream/internal/config"

	"github.com/urfave/cli/v3"
)

// Run parses os.Args and executes the selected commitstream command.
//
// Registered commands:
//
//   - `checkpoint show`: prints the persisted checkpoint state of a stream.
//   - `checkpoint prune`: bounds a stream's retained block records.
//   - `checkpoint reset`: discards a stream's checkpoint state entirely.
func Run(ctx context.Context, cfg config.Config) error {
	app := &cli.Command{
		EnableShellCompletion: true,
		Name:                  "commitstream",
		Description:           "Administration interface for commitstream event checkpoints.",
		Usage:                 "commitstream [command] [flags]",
		Commands: []*cli.Command{
			checkpointCommand(cfg),
		},
	}

	return app.Run(ctx, os.Args)
}
