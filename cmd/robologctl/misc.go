package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"example.com/robolog/internal/channel"
	"example.com/robolog/internal/codec"
	"example.com/robolog/internal/common"
	"example.com/robolog/internal/container"
	"example.com/robolog/internal/logio"
	"example.com/robolog/internal/report"
	"example.com/robolog/internal/rewrite"
)

func newReportCmd() *cobra.Command {
	var pdfOut string
	cmd := &cobra.Command{
		Use:   "report <report.json>",
		Short: "Render a saved JSON report as PDF",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := report.LoadJSON(args[0])
			if err != nil {
				return fmt.Errorf("load report: %w", err)
			}
			if pdfOut == "" {
				pdfOut = strings.TrimSuffix(args[0], filepath.Ext(args[0])) + ".pdf"
			}
			if err := report.SavePDF(rep, pdfOut); err != nil {
				return fmt.Errorf("write pdf: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "PDF report written to", pdfOut)
			return nil
		},
	}
	cmd.Flags().StringVar(&pdfOut, "pdf", "", "output PDF path (default: next to the JSON report)")
	return cmd
}

func newAuditCmd() *cobra.Command {
	var failedOnly bool
	cmd := &cobra.Command{
		Use:   "audit <log.jsonl>",
		Short: "List rewrite runs recorded in an audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := common.ReadAuditLog(args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tRUN\tSTATUS\tSOURCE\tDESTINATION\tMESSAGES\tDURATION")
			for _, e := range entries {
				if failedOnly && e.Status == common.RunSucceeded {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%dms\n",
					e.Ts.Format("2006-01-02T15:04:05Z07:00"), e.RunID, e.Status, e.Source, e.Destination,
					e.Stats["message_count"], e.DurationMs)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "only list failed or cancelled runs")
	return cmd
}

// newDoctorCmd checks the local installation: codecs, a writable temp dir,
// and a write-rewrite-read round trip through both container formats.
func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run a self-check of codecs and container round trips",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "codecs:", strings.Join(codec.NewRegistry().Encodings(), ", "))
			dir, err := os.MkdirTemp("", "robologctl-doctor-")
			if err != nil {
				return fmt.Errorf("temp dir: %w", err)
			}
			defer os.RemoveAll(dir)
			fmt.Fprintln(out, "temp dir:", dir, "ok")

			failed := 0
			for _, ext := range []string{".mcap", ".bag"} {
				if err := roundTrip(cmd.Context(), dir, ext); err != nil {
					fmt.Fprintf(out, "round trip %s: FAIL (%v)\n", ext, err)
					failed++
					continue
				}
				fmt.Fprintf(out, "round trip %s: ok\n", ext)
			}
			if failed > 0 {
				return fmt.Errorf("%d checks failed", failed)
			}
			return nil
		},
	}
}

func roundTrip(ctx context.Context, dir, ext string) error {
	src := filepath.Join(dir, "doctor-src"+ext)
	w, err := logio.Create(src)
	if err != nil {
		return err
	}
	id, err := w.AddChannel("/doctor", "std_msgs/String", "ros1",
		channel.WithSchema([]byte("string data\n"), "ros1msg"))
	if err != nil {
		w.Close()
		return err
	}
	payload := []byte{2, 0, 0, 0, 'o', 'k'}
	for i := 0; i < 3; i++ {
		if err := w.WriteMessage(id, uint64(i+1)*1_000_000_000, payload); err != nil {
			w.Close()
			return err
		}
	}
	if err := w.Finish(); err != nil {
		return err
	}

	dst := filepath.Join(dir, "doctor-dst"+ext)
	stats, err := rewrite.New(src, rewrite.DefaultOptions()).Rewrite(ctx, dst)
	if err != nil {
		return err
	}
	if stats.MessageCount != 3 || stats.PassthroughCount != 3 {
		return fmt.Errorf("unexpected stats %+v", stats)
	}
	rd, err := logio.Open(dst)
	if err != nil {
		return err
	}
	defer rd.Close()
	return expectMessages(rd, 3)
}

func expectMessages(rd container.Reader, n uint64) error {
	if got := rd.Summary().MessageCount; got != n {
		return fmt.Errorf("summary has %d messages, want %d", got, n)
	}
	return nil
}
