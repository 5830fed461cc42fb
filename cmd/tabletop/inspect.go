package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/mossy-p/session-sync/internal/eventlog"
	"github.com/mossy-p/session-sync/internal/models"
	"github.com/mossy-p/session-sync/internal/state"
)

var flagLog int

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print the initiative order and recent chat",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(cmd.Context(), os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().IntVarP(&flagLog, "log", "n", 10, "Number of recent chat entries to show")
}

func runInspect(ctx context.Context, w io.Writer) error {
	if flagLog < 0 {
		return fmt.Errorf("--log must not be negative, got %d", flagLog)
	}
	e, err := connect(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	id := models.SessionID(flagSession)
	snap, err := e.docs.Get(ctx, models.SessionPath(id))
	if err != nil {
		return err
	}
	if !snap.Exists {
		return fmt.Errorf("session %s not found", id)
	}
	st, err := state.Decode(snap)
	if err != nil {
		return err
	}
	renderInitiative(w, st)

	entries, err := eventlog.New(e.docs, id, eventlog.Chat).Entries(ctx)
	if err != nil {
		return err
	}
	if n := len(entries); n > flagLog {
		entries = entries[n-flagLog:]
	}
	renderLog(w, entries)
	return nil
}

func renderInitiative(w io.Writer, st models.SessionState) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.SetTitle(fmt.Sprintf("Round %d", st.Round))
	t.AppendHeader(table.Row{"", "#", "Name", "Initiative", "NPC"})
	for i, e := range st.InitiativeList {
		marker := ""
		if i == st.CurrentTurnIndex {
			marker = "▶"
		}
		npc := ""
		if e.IsNPC {
			npc = "yes"
		}
		t.AppendRow(table.Row{marker, i + 1, e.Name, e.Value, npc})
	}
	if len(st.InitiativeList) == 0 {
		t.AppendRow(table.Row{"", "", "(no combatants)", "", ""})
	}
	t.Render()
}

func renderLog(w io.Writer, entries []models.LogEntry) {
	if len(entries) == 0 {
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Time", "Author", "Message"})
	for _, e := range entries {
		t.AppendRow(table.Row{e.DisplayTime, e.Author, e.Text})
	}
	t.Render()
}
