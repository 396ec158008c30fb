package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"example.com/robolog/internal/common"
	"example.com/robolog/internal/config"
	"example.com/robolog/internal/errs"
	"example.com/robolog/internal/logio"
	"example.com/robolog/internal/report"
	"example.com/robolog/internal/rewrite"
	"example.com/robolog/internal/transform"
)

type rewriteFlags struct {
	profile      string
	renameTopics []string
	renameTypes  []string
	exclude      []string
	transcode    []string
	noValidate   bool
	failOnDecode bool
	pipeline     int
	format       string
	compression  string
	chunkSize    int
	progress     bool
	audit        string
	report       string
}

func (f *rewriteFlags) register(cmd *cobra.Command, withRules bool) {
	fl := cmd.Flags()
	fl.StringVarP(&f.profile, "config", "c", "", "rewrite profile (YAML or JSON)")
	if withRules {
		fl.StringArrayVar(&f.renameTopics, "rename-topic", nil, "rename a topic, from=to; '*' makes it a wildcard rule")
		fl.StringArrayVar(&f.renameTypes, "rename-type", nil, "rename a message type, from=to; '*' makes it a wildcard rule")
		fl.StringArrayVar(&f.exclude, "exclude", nil, "drop channels whose topic matches this glob")
		fl.StringArrayVar(&f.transcode, "transcode", nil, "re-encode an encoding into another, from=to (e.g. json=cbor)")
	}
	fl.BoolVar(&f.noValidate, "no-validate", false, "skip schema validation")
	fl.BoolVar(&f.failOnDecode, "fail-on-decode-error", false, "abort instead of dropping undecodable messages")
	fl.IntVar(&f.pipeline, "pipeline", 0, "overlap read, re-encode and write with queues of this depth")
	fl.StringVar(&f.format, "format", "", "output format (mcap, bag); default from the destination extension")
	fl.StringVar(&f.compression, "compression", "", "output chunk compression (none, zstd, lz4)")
	fl.IntVar(&f.chunkSize, "chunk-size", 0, "output chunk size in bytes")
	fl.BoolVar(&f.progress, "progress", false, "print progress to stderr")
	fl.StringVar(&f.audit, "audit", "", "append a run record to this JSONL file")
	fl.StringVar(&f.report, "report", "", "write a report of the output (.json or .pdf)")
}

// buildProfile layers flags over environment over the profile file.
func (f *rewriteFlags) buildProfile() (config.Profile, error) {
	var p config.Profile
	if f.profile != "" {
		var err error
		if p, err = config.Load(f.profile); err != nil {
			return p, err
		}
	}
	p.ApplyEnv(os.LookupEnv)
	for _, v := range f.renameTopics {
		from, to, err := splitPair(v)
		if err != nil {
			return p, fmt.Errorf("--rename-topic: %w", err)
		}
		kind := transform.KindTopic
		if strings.Contains(from, "*") {
			kind = transform.KindTopicWildcard
		}
		p.Rules = append(p.Rules, transform.Rule{Kind: kind, From: from, To: to})
	}
	for _, v := range f.renameTypes {
		from, to, err := splitPair(v)
		if err != nil {
			return p, fmt.Errorf("--rename-type: %w", err)
		}
		kind := transform.KindType
		if strings.Contains(from, "*") {
			kind = transform.KindTypeWildcard
		}
		p.Rules = append(p.Rules, transform.Rule{Kind: kind, From: from, To: to})
	}
	p.Exclude = append(p.Exclude, f.exclude...)
	for _, v := range f.transcode {
		from, to, err := splitPair(v)
		if err != nil {
			return p, fmt.Errorf("--transcode: %w", err)
		}
		if p.Transcode == nil {
			p.Transcode = make(map[string]string)
		}
		p.Transcode[from] = to
	}
	if f.noValidate {
		v := false
		p.Validate = &v
	}
	if f.failOnDecode {
		v := false
		p.SkipDecodeFailures = &v
	}
	if f.pipeline > 0 {
		p.PipelineDepth = f.pipeline
	}
	if f.format != "" {
		p.Output.Format = f.format
	}
	if f.compression != "" {
		p.Output.Compression = f.compression
	}
	if f.chunkSize > 0 {
		p.Output.ChunkSize = f.chunkSize
	}
	if f.audit != "" {
		p.Audit = f.audit
	}
	return p, p.Check()
}

func newRewriteCmd() *cobra.Command {
	var f rewriteFlags
	cmd := &cobra.Command{
		Use:   "rewrite <src> <dst>",
		Short: "Copy a container, renaming topics and types and re-encoding where needed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := f.buildProfile()
			if err != nil {
				return usageError{err}
			}
			return runRewrite(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), p, f, args[0], args[1])
		},
	}
	f.register(cmd, true)
	return cmd
}

func newConvertCmd() *cobra.Command {
	var f rewriteFlags
	cmd := &cobra.Command{
		Use:   "convert <src> <dst>",
		Short: "Copy a container into another format without renaming anything",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := f.buildProfile()
			if err != nil {
				return usageError{err}
			}
			p.Rules = nil
			return runRewrite(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), p, f, args[0], args[1])
		},
	}
	f.register(cmd, false)
	return cmd
}

func runRewrite(ctx context.Context, out, errOut io.Writer, p config.Profile, f rewriteFlags, src, dst string) error {
	stats, err := rewriteOne(ctx, errOut, p, f.progress, src, dst)
	if err != nil {
		return err
	}
	printStats(out, src, dst, stats)
	if f.report != "" {
		if err := writeReport(dst, stats, f.report); err != nil {
			return fmt.Errorf("report: %w", err)
		}
		fmt.Fprintf(out, "report:        %s\n", f.report)
	}
	return nil
}

func rewriteOne(ctx context.Context, errOut io.Writer, p config.Profile, progress bool, src, dst string) (rewrite.Stats, error) {
	opts, err := p.Options()
	if err != nil {
		return rewrite.Stats{}, usageError{err}
	}
	if progress {
		opts.Metrics = common.NewMetrics()
		stop := common.StartProgressPrinter(errOut, opts.Metrics, 500*time.Millisecond)
		defer stop()
	}
	if dir := filepath.Dir(dst); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return rewrite.Stats{}, err
		}
	}
	rules, err := p.Transforms()
	if err != nil {
		return rewrite.Stats{}, usageError{err}
	}
	stats, err := rewrite.New(src, opts).WithTransforms(rules).Rewrite(ctx, dst)
	if errs.Is(err, errs.InvalidArgument) {
		return stats, usageError{err}
	}
	if err != nil {
		// The destination has no footer and cannot be trusted.
		os.Remove(dst)
		return stats, err
	}
	return stats, nil
}

func printStats(out io.Writer, src, dst string, s rewrite.Stats) {
	fmt.Fprintf(out, "%s -> %s\n", src, dst)
	fmt.Fprintf(out, "run:           %s\n", s.RunID)
	fmt.Fprintf(out, "messages:      %d (%d passthrough, %d re-encoded)\n", s.MessageCount, s.PassthroughCount, s.ReencodedCount)
	fmt.Fprintf(out, "channels:      %d\n", s.ChannelCount)
	fmt.Fprintf(out, "renamed:       %d topics, %d types\n", s.TopicsRenamed, s.TypesRenamed)
	if s.ExcludedCount > 0 {
		fmt.Fprintf(out, "excluded:      %d\n", s.ExcludedCount)
	}
	if s.Dropped() > 0 {
		fmt.Fprintf(out, "dropped:       %d (%d decode, %d encode failures)\n", s.Dropped(), s.DecodeFailures, s.EncodeFailures)
	}
	fmt.Fprintf(out, "duration:      %s\n", s.Duration.Round(time.Millisecond))
}

// writeReport inspects the rewritten container and saves a JSON or PDF
// report chosen by the extension of out.
func writeReport(dst string, stats rewrite.Stats, out string) error {
	rd, err := logio.Open(dst)
	if err != nil {
		return err
	}
	rep := report.Build(rd)
	rd.Close()
	rep.WithStats(stats)
	if err := rep.Fingerprint(dst); err != nil {
		return err
	}
	if strings.EqualFold(filepath.Ext(out), ".pdf") {
		return report.SavePDF(rep, out)
	}
	return report.SaveJSON(rep, out)
}

// usageError marks failures caused by bad flags or configuration.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ue usageError
	switch {
	case errors.As(err, &ue):
		return 2
	case errors.Is(err, context.Canceled):
		return 130
	case errs.Is(err, errs.NotFound), errs.Is(err, errs.UnsupportedFormat):
		return 3
	}
	return 1
}
