package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/handiism/background-downloader/internal/platform"
	"github.com/handiism/background-downloader/internal/session"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List unfinished downloads kept in the session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := session.Open(cmd.Context(), settings.ToSessionOptions())
		if err != nil {
			return fmt.Errorf("open session: %w", err)
		}
		defer s.Close()

		ch := make(chan []platform.Task, 1)
		s.AllTasks(func(tasks []platform.Task) { ch <- tasks })
		tasks := <-ch

		out := cmd.OutOrStdout()
		if len(tasks) == 0 {
			fmt.Fprintln(out, "No unfinished downloads.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATE\tRECEIVED\tSTARTED\tURL")
		for _, t := range tasks {
			received, started := "-", "-"
			if st, ok := t.(*session.Task); ok {
				received = humanize.Bytes(uint64(st.Written()))
				started = humanize.Time(st.Created())
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", t.ID(), t.State(), received, started, t.URL())
		}
		return w.Flush()
	},
}
