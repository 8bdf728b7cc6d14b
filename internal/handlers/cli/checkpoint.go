package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/gabapcia/commitstream/internal/checkpoint"
	"github.com/gabapcia/commitstream/internal/config"
	"github.com/gabapcia/commitstream/internal/infra/storage/file"

	"github.com/urfave/cli/v3"
)

// streamFlags are shared by every checkpoint subcommand.
func streamFlags(cfg config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "base-path",
			Usage: "Directory rooting the file-backed checkpoint store",
			Value: cfg.CheckpointBasePath,
		},
		&cli.StringFlag{
			Name:     "channel",
			Usage:    "Channel the stream belongs to",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "chaincode",
			Usage: "Optional chaincode ID scoping the stream",
		},
		&cli.StringFlag{
			Name:     "name",
			Usage:    "Listener name identifying the stream",
			Required: true,
		},
	}
}

func streamFromFlags(c *cli.Command) (*file.Store, checkpoint.StreamID, error) {
	store, err := file.NewStore(c.String("base-path"))
	if err != nil {
		return nil, checkpoint.StreamID{}, err
	}

	id := checkpoint.StreamID{
		Channel:      c.String("channel"),
		ChaincodeID:  c.String("chaincode"),
		ListenerName: c.String("name"),
	}
	return store, id, nil
}

// checkpointCommand groups the checkpoint administration subcommands.
func checkpointCommand(cfg config.Config) *cli.Command {
	return &cli.Command{
		Name:        "checkpoint",
		Description: "Inspect and manage persisted event stream checkpoints.",
		Usage:       "checkpoint [show|prune|reset] [flags]",
		Commands: []*cli.Command{
			showCheckpointCommand(cfg),
			pruneCheckpointCommand(cfg),
			resetCheckpointCommand(cfg),
		},
	}
}

// showCheckpointCommand prints a stream's persisted state as indented JSON.
//
// Usage example:
//
//	commitstream checkpoint show --channel mychannel --name audit
func showCheckpointCommand(cfg config.Config) *cli.Command {
	return &cli.Command{
		Name:        "show",
		Description: "Print the persisted checkpoint state of a stream.",
		Usage:       "Shows every retained block record of the stream.",
		Flags:       streamFlags(cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			store, id, err := streamFromFlags(c)
			if err != nil {
				return err
			}

			state, err := store.Load(ctx, id.String())
			if err != nil {
				if errors.Is(err, checkpoint.ErrNoCheckpoint) {
					fmt.Fprintf(os.Stdout, "no checkpoint recorded for stream %q\n", id.String())
					return nil
				}
				return err
			}

			out, err := json.MarshalIndent(state, "", "  ")
			if err != nil {
				return err
			}

			fmt.Fprintln(os.Stdout, string(out))
			return nil
		},
	}
}

// pruneCheckpointCommand bounds the retained block records of a stream.
//
// Usage example:
//
//	commitstream checkpoint prune --channel mychannel --name audit --max-length 3
func pruneCheckpointCommand(cfg config.Config) *cli.Command {
	flags := append(streamFlags(cfg), &cli.IntFlag{
		Name:     "max-length",
		Usage:    "Number of most recent block records to retain",
		Required: true,
	})

	return &cli.Command{
		Name:        "prune",
		Description: "Drop all but the most recent block records of a stream.",
		Usage:       "Retains only the newest --max-length block records.",
		Flags:       flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			store, id, err := streamFromFlags(c)
			if err != nil {
				return err
			}

			cp, err := checkpoint.New(store, id)
			if err != nil {
				return err
			}

			return cp.Prune(ctx, int(c.Int("max-length")))
		},
	}
}

// resetCheckpointCommand discards a stream's checkpoint state. This is the
// manual recovery path after checkpoint corruption.
//
// Usage example:
//
//	commitstream checkpoint reset --channel mychannel --name audit
func resetCheckpointCommand(cfg config.Config) *cli.Command {
	return &cli.Command{
		Name:        "reset",
		Description: "Discard the persisted checkpoint state of a stream.",
		Usage:       "Deletes the stream's checkpoint record. The next listener starts fresh.",
		Flags:       streamFlags(cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			store, id, err := streamFromFlags(c)
			if err != nil {
				return err
			}

			return store.Delete(ctx, id.String())
		},
	}
}
