package main

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/robolog/internal/common"
	"example.com/robolog/internal/format"
	"example.com/robolog/internal/rewrite"
)

type batchResult struct {
	src   string
	dst   string
	stats rewrite.Stats
	err   error
}

func newBatchCmd() *cobra.Command {
	var f rewriteFlags
	var outDir string
	var jobs int
	var keepGoing bool
	cmd := &cobra.Command{
		Use:   "batch <dir>",
		Short: "Rewrite every container under a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := f.buildProfile()
			if err != nil {
				return usageError{err}
			}
			inputs, err := findContainers(args[0])
			if err != nil {
				return err
			}
			if len(inputs) == 0 {
				return usageError{fmt.Errorf("no .mcap or .bag files under %s", args[0])}
			}
			ext := ""
			if f.format != "" {
				ext = "." + strings.ToLower(f.format)
			}

			results := make([]batchResult, len(inputs))
			var mu sync.Mutex
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(jobs)
			for i, src := range inputs {
				i, src := i, src
				rel, _ := filepath.Rel(args[0], src)
				dst := filepath.Join(outDir, rel)
				if ext != "" {
					dst = strings.TrimSuffix(dst, filepath.Ext(dst)) + ext
				}
				g.Go(func() error {
					stats, err := rewriteOne(ctx, cmd.ErrOrStderr(), p, false, src, dst)
					mu.Lock()
					results[i] = batchResult{src: src, dst: dst, stats: stats, err: err}
					mu.Unlock()
					if err != nil {
						common.Warnf("batch: %s: %v", src, err)
						if !keepGoing {
							return fmt.Errorf("%s: %w", src, err)
						}
					}
					return nil
				})
			}
			runErr := g.Wait()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SOURCE\tOUTPUT\tMESSAGES\tREENCODED\tDROPPED\tSTATUS")
			failed := 0
			for _, r := range results {
				if r.src == "" {
					continue
				}
				status := "ok"
				if r.err != nil {
					status = "failed: " + r.err.Error()
					failed++
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", r.src, r.dst, r.stats.MessageCount, r.stats.ReencodedCount, r.stats.Dropped(), status)
			}
			tw.Flush()
			if runErr != nil {
				return runErr
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed", failed, len(inputs))
			}
			return nil
		},
	}
	f.register(cmd, true)
	cmd.Flags().StringVar(&outDir, "out-dir", "out", "directory for rewritten files, mirroring the input tree")
	cmd.Flags().IntVar(&jobs, "jobs", runtime.NumCPU(), "files rewritten concurrently")
	cmd.Flags().BoolVar(&keepGoing, "keep-going", false, "continue after a file fails")
	return cmd
}

// findContainers lists the known containers under root in lexical order.
func findContainers(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && format.FromExtension(path) != format.Unknown {
			out = append(out, path)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}
