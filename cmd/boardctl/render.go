package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"kanban-api/broadcast"
	"kanban-api/client"
	"kanban-api/domain"
)

var (
	bold   = color.New(color.Bold)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	faint  = color.New(color.Faint)
)

func renderBoard(w io.Writer, view domain.BoardView) {
	bold.Fprintf(w, "Board %s\n", view.BoardKey)
	for _, st := range view.Stages {
		cards := view.CardsByStage[st.Key]
		fmt.Fprintf(w, "\n%s %s\n", bold.Sprint(st.Name), faint.Sprintf("(%s, %d)", st.Key, len(cards)))
		if len(cards) == 0 {
			faint.Fprintln(w, "  no cards")
			continue
		}
		for _, c := range cards {
			line := fmt.Sprintf("  %-12s %14.3f", c.ID, c.Position)
			if c.Title != "" {
				line += "  " + c.Title
			}
			if c.UnreadCount > 0 {
				line += yellow.Sprintf("  ● %d unread", c.UnreadCount)
			}
			fmt.Fprintln(w, line)
		}
	}
}

func renderStages(w io.Writer, stages []domain.Stage) {
	for _, st := range stages {
		state := green.Sprint("active")
		if !st.Active {
			state = faint.Sprint("inactive")
		}
		fmt.Fprintf(w, "%-3d %-16s %-24s %s\n", st.Position, st.Key, st.ID, state)
	}
}

func renderMoved(w io.Writer, res client.MoveResult) {
	green.Fprintf(w, "✓ moved %s to %s at %.3f\n", res.Card.ID, res.StageKey, res.Position)
}

func renderDeactivation(w io.Writer, stageID string, res domain.Deactivation) {
	green.Fprintf(w, "✓ deactivated %s, %d cards moved to %s\n", stageID, res.MigratedCards, res.FallbackStageKey)
}

func renderEvent(w io.Writer, ev broadcast.Event) {
	switch ev.Type {
	case broadcast.CardMoved:
		fmt.Fprintf(w, "%s card %s -> %s at %.3f\n", faint.Sprint(ev.Timestamp), ev.CardID, ev.StageKey, ev.Position)
	case broadcast.StageDeactivated:
		yellow.Fprintf(w, "stage %s deactivated, cards moved to %s\n", ev.StageKey, ev.FallbackStageKey)
	default:
		fmt.Fprintf(w, "%s %s\n", ev.Type, ev.CardID)
	}
}

// reportError prints a colored error with the server's hints and returns a
// plain error for cobra.
func reportError(cmd *cobra.Command, title string, err error) error {
	w := cmd.ErrOrStderr()
	red.Fprintf(w, "%s\n", title)
	fmt.Fprintf(w, "%v\n", err)
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && len(apiErr.AvailableStages) > 0 {
		fmt.Fprintf(w, "\navailable stages: %s\n", strings.Join(apiErr.AvailableStages, ", "))
	}
	return fmt.Errorf("%s: %w", title, err)
}
