package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"kanban-api/broadcast"
	"kanban-api/client"
	"kanban-api/domain"
)

func newShowCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the board with its cards per stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := opts.api().LoadBoard(cmd.Context(), opts.boardKey)
			if err != nil {
				return reportError(cmd, "failed to load board", err)
			}
			renderBoard(cmd.OutOrStdout(), view)
			return nil
		},
	}
}

type moveFlags struct {
	after    string
	before   string
	position float64
}

func (f moveFlags) directive(positionSet bool) (domain.PositionDirective, error) {
	if positionSet {
		if f.after != "" || f.before != "" {
			return domain.PositionDirective{}, errors.New("--position cannot be combined with --after or --before")
		}
		pos := f.position
		return domain.PositionDirective{Absolute: &pos}, nil
	}
	return domain.PositionDirective{AfterID: f.after, BeforeID: f.before}, nil
}

func newMoveCmd(opts *cliOptions) *cobra.Command {
	var flags moveFlags
	cmd := &cobra.Command{
		Use:   "move <card-id> <stage-key>",
		Short: "Move a card into a stage",
		Example: `  boardctl move C3 qualified --after C1 --before C2
  boardctl move C3 closed --position 42.5`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := flags.directive(cmd.Flags().Changed("position"))
			if err != nil {
				return err
			}
			board := client.NewBoard(opts.api(), opts.boardKey)
			if err := board.Load(cmd.Context()); err != nil {
				return reportError(cmd, "failed to load board", err)
			}
			res, err := board.Move(cmd.Context(), args[0], args[1], dir)
			if err != nil {
				return reportError(cmd, "move rejected", err)
			}
			renderMoved(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.after, "after", "", "place after this card")
	cmd.Flags().StringVar(&flags.before, "before", "", "place before this card")
	cmd.Flags().Float64Var(&flags.position, "position", 0, "absolute position")
	return cmd
}

func newWatchCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow live changes of a board",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			out := cmd.OutOrStdout()
			board := client.NewBoard(opts.api(), opts.boardKey,
				client.WithEventHook(func(ev broadcast.Event) { renderEvent(out, ev) }))
			fmt.Fprintf(out, "watching board %s\n", opts.boardKey)
			if err := board.Sync(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return reportError(cmd, "watch stopped", err)
			}
			return nil
		},
	}
}

func newStagesCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stages",
		Short: "List the stages of a board",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stages, err := opts.api().ListStages(cmd.Context(), opts.boardKey)
			if err != nil {
				return reportError(cmd, "failed to list stages", err)
			}
			renderStages(cmd.OutOrStdout(), stages)
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "deactivate <stage-id>",
		Short: "Deactivate a stage and move its cards to the next active stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.api().DeactivateStage(cmd.Context(), args[0])
			if err != nil {
				return reportError(cmd, "failed to deactivate stage", err)
			}
			renderDeactivation(cmd.OutOrStdout(), args[0], res)
			return nil
		},
	})
	return cmd
}
