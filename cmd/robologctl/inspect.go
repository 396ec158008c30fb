package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"example.com/robolog/internal/common"
	"example.com/robolog/internal/logio"
	"example.com/robolog/internal/report"
)

func newInspectCmd() *cobra.Command {
	var asJSON bool
	var topic string
	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Print the summary and channel table of a container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rd, err := logio.Open(args[0])
			if err != nil {
				return err
			}
			defer rd.Close()
			rep := report.Build(rd)
			if topic != "" {
				rep.Channels = rd.ChannelsByTopic(topic)
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			printInspect(out, rep)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().StringVar(&topic, "topic", "", "only list channels matching this topic glob")
	return cmd
}

func printInspect(out io.Writer, rep report.Report) {
	s := rep.Summary
	fmt.Fprintf(out, "file:      %s\n", s.Path)
	fmt.Fprintf(out, "format:    %s\n", s.FormatName)
	fmt.Fprintf(out, "size:      %s\n", common.FormatBytes(s.Size))
	fmt.Fprintf(out, "messages:  %d\n", s.MessageCount)
	fmt.Fprintf(out, "channels:  %d\n", s.ChannelCount)
	fmt.Fprintf(out, "chunks:    %d\n", s.ChunkCount)
	if s.MessageCount > 0 {
		fmt.Fprintf(out, "start:     %d\nend:       %d\n", s.StartTime, s.EndTime)
	}
	if !s.Indexed {
		fmt.Fprintln(out, "index:     missing (summary computed by scanning)")
	}
	if s.Profile != "" || s.Library != "" {
		fmt.Fprintf(out, "writer:    %s %s\n", s.Profile, s.Library)
	}
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTOPIC\tTYPE\tENCODING\tSCHEMA\tMESSAGES")
	for _, ch := range rep.Channels {
		schema := ch.SchemaEncoding
		if !ch.HasSchema() {
			schema = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\n", ch.ID, ch.Topic, ch.MessageType, ch.Encoding, schema, ch.MessageCount)
	}
	tw.Flush()
}

// splitPair parses "a=b" flag values.
func splitPair(v string) (string, string, error) {
	from, to, ok := strings.Cut(v, "=")
	if !ok || strings.TrimSpace(from) == "" {
		return "", "", fmt.Errorf("expected from=to, got %q", v)
	}
	return strings.TrimSpace(from), strings.TrimSpace(to), nil
}
