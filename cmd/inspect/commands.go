package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/jwebster45206/phase-engine/pkg/chat"
	"github.com/jwebster45206/phase-engine/pkg/history"
	"github.com/jwebster45206/phase-engine/pkg/memory"
	"github.com/jwebster45206/phase-engine/pkg/phase"
	"github.com/jwebster45206/phase-engine/pkg/storage"
)

// inspector holds the stores every subcommand works against.
type inspector struct {
	world     storage.Storage
	histories *history.Store
	memory    memory.Store
	phases    phase.Config
	closers   []func() error
}

func (in *inspector) Close() error {
	var first error
	for _, c := range in.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type opener func(ctx context.Context) (*inspector, error)

func newRootCmd(open opener) *cobra.Command {
	var (
		in      *inspector
		asJSON  bool
		preview int
	)

	root := &cobra.Command{
		Use:           "inspect",
		Short:         "Inspect and repair stored phase-engine sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			in, err = open(cmd.Context())
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if in == nil {
				return nil
			}
			return in.Close()
		},
	}
	root.PersistentFlags().BoolVar(&asJSON, "json", false, "print raw JSON")

	historyCmd := &cobra.Command{
		Use:   "history <session> <phase>",
		Short: "Print a phase history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := phase.Parse(args[1])
			if err != nil {
				return err
			}
			h, err := in.histories.Snapshot(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), h)
			}
			printHistory(cmd.OutOrStdout(), h, preview)
			return nil
		},
	}
	historyCmd.Flags().IntVar(&preview, "preview", 120, "truncate turn content to this many characters (0 for all)")

	checkCmd := &cobra.Command{
		Use:   "check <session> <phase>",
		Short: "Validate a phase history against the configured ceilings",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := phase.Parse(args[1])
			if err != nil {
				return err
			}
			h, err := in.histories.Snapshot(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}
			limits := in.histories.Limits()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "turns: %d/%d\n", h.Len(), limits.MaxTurns)
			fmt.Fprintf(out, "chars: %d/%d\n", h.Chars(), limits.MaxChars)
			fmt.Fprintf(out, "compactions: %d\n", h.Compactions)
			if err := history.ValidateToolSequence(h.Turns); err != nil {
				fmt.Fprintf(out, "tool sequence: %v\n", err)
			} else {
				fmt.Fprintln(out, "tool sequence: ok")
			}
			if limits.NeedsCompaction(h) {
				fmt.Fprintln(out, "compaction: due")
			} else {
				fmt.Fprintln(out, "compaction: not needed")
			}
			return nil
		},
	}

	repairCmd := &cobra.Command{
		Use:   "repair <session> <phase>",
		Short: "Drop dangling tool results from a phase history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := phase.Parse(args[1])
			if err != nil {
				return err
			}
			before, err := in.histories.Snapshot(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}
			after, changed, err := in.histories.Repair(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}
			if !changed {
				fmt.Fprintln(cmd.OutOrStdout(), "history is already consistent")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dropped %d dangling tool result(s)\n", before.Len()-after.Len())
			return nil
		},
	}

	phaseCmd := &cobra.Command{
		Use:   "phase <session>",
		Short: "Show the stored and effective phase of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gs, err := in.world.LoadGameState(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if gs == nil {
				return fmt.Errorf("session %s not found", args[0])
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), gs)
			}
			p, healed := in.phases.Resolve(phase.Phase(gs.Phase))
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "stored: %q\n", gs.Phase)
			fmt.Fprintf(out, "effective: %s (%s)\n", p, p.DisplayName())
			if healed {
				fmt.Fprintln(out, "note: stored phase is unknown and will be healed on the next turn")
			}
			if gs.Handoff != "" {
				fmt.Fprintf(out, "pending handoff: %s\n", gs.Handoff)
			}
			return nil
		},
	}

	archiveCmd := &cobra.Command{
		Use:   "archive <key>",
		Short: "Print the verbatim turns behind a compaction summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := memory.ArchiveKey(args[0])
			if _, err := key.SessionID(); err != nil {
				return err
			}
			turns, err := in.memory.Retrieve(cmd.Context(), key)
			if err != nil {
				return err
			}
			if turns == nil {
				return fmt.Errorf("archive %s not found", key)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), turns)
			}
			printHistory(cmd.OutOrStdout(), history.History{Turns: turns}, 0)
			return nil
		},
	}

	root.AddCommand(historyCmd, checkCmd, repairCmd, phaseCmd, archiveCmd)
	return root
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printHistory(w io.Writer, h history.History, preview int) {
	if h.Len() == 0 {
		fmt.Fprintln(w, "(empty)")
		return
	}
	for i, t := range h.Turns {
		fmt.Fprintf(w, "%3d %-9s %s\n", i, t.Role, clip(oneLine(t.Content), preview))
		for _, inv := range t.ToolInvocations {
			fmt.Fprintf(w, "    -> %s %s(%s)\n", inv.ID, inv.Name, string(inv.Arguments))
		}
		if t.Role == chat.RoleTool {
			fmt.Fprintf(w, "    <- %s\n", t.ToolCallRef)
		}
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func clip(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
