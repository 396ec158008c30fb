// Package rewrite copies a container into a new one, renaming topics and
// types and re-encoding payloads only when a channel requires it.
package rewrite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/robolog/internal/channel"
	"example.com/robolog/internal/codec"
	"example.com/robolog/internal/common"
	"example.com/robolog/internal/container"
	"example.com/robolog/internal/errs"
	"example.com/robolog/internal/format"
	"example.com/robolog/internal/logio"
	"example.com/robolog/internal/transform"
)

// Engine rewrites one source container. An Engine may run several times;
// each run opens its own reader and writer.
type Engine struct {
	src   string
	opts  Options
	rules *transform.RuleSet
}

func New(src string, opts Options) *Engine {
	if opts.Codecs == nil {
		opts.Codecs = codec.NewRegistry()
	}
	return &Engine{src: src, opts: opts}
}

// WithTransforms attaches a rule set and returns the engine.
func (e *Engine) WithTransforms(rs *transform.RuleSet) *Engine {
	e.rules = rs
	return e
}

// checkDistinct rejects a destination that names the source file, directly
// or through a link.
func checkDistinct(src, dst string) error {
	a, errA := filepath.Abs(src)
	b, errB := filepath.Abs(dst)
	if errA == nil && errB == nil && a == b {
		return errs.New(errs.InvalidArgument, dst, "destination is the source file")
	}
	si, err := os.Stat(src)
	if err != nil {
		return nil
	}
	if di, err := os.Stat(dst); err == nil && os.SameFile(si, di) {
		return errs.New(errs.InvalidArgument, dst, "destination is the source file")
	}
	return nil
}

// route is the plan for one source channel.
type route struct {
	src         channel.Channel
	excluded    bool
	passthrough bool
	dstID       uint32
	dstType     string
	dstEncoding string
	dstSchema   []byte
}

// run holds the state of one Rewrite call.
type run struct {
	e      *Engine
	id     string
	reader container.Reader
	writer container.Writer

	// mu guards the writer, the routing table and the destination index.
	// The pipeline writes from one goroutine and plans from another.
	mu     sync.Mutex
	routes map[uint32]*route
	dst    map[string]uint32

	stats Stats
}

// Rewrite copies the source into dst. On error or cancellation the
// destination is closed without a footer and must be discarded.
func (e *Engine) Rewrite(ctx context.Context, dst string) (Stats, error) {
	start := time.Now()
	r := &run{
		e:      e,
		id:     uuid.NewString(),
		routes: make(map[uint32]*route),
		dst:    make(map[string]uint32),
	}
	r.stats.RunID = r.id
	common.Logf("rewrite %s: %s -> %s (%d rules)", r.id, e.src, dst, len(e.rules.Rules()))

	err := r.execute(ctx, dst)
	r.stats.Duration = time.Since(start)
	status := common.RunSucceeded
	switch {
	case err != nil && ctx.Err() != nil:
		status = common.RunCancelled
	case err != nil:
		status = common.RunFailed
	}
	e.observe(r.stats, status)
	e.audit(dst, r.stats, status, err)
	if err != nil {
		common.Warnf("rewrite %s %s: %v", r.id, status, err)
		return r.stats, err
	}
	if n := r.stats.Dropped(); n > 0 {
		common.Warnf("rewrite %s: dropped %d messages (%d decode, %d encode failures)",
			r.id, n, r.stats.DecodeFailures, r.stats.EncodeFailures)
	}
	common.Logf("rewrite %s: %d messages (%d passthrough, %d reencoded) in %s",
		r.id, r.stats.MessageCount, r.stats.PassthroughCount, r.stats.ReencodedCount, r.stats.Duration.Round(time.Millisecond))
	return r.stats, nil
}

func (r *run) execute(ctx context.Context, dst string) (err error) {
	opts := r.e.opts
	if err := checkDistinct(r.e.src, dst); err != nil {
		return err
	}
	r.reader, err = logio.Open(r.e.src)
	if err != nil {
		return err
	}
	defer r.reader.Close()
	if opts.Metrics != nil {
		r.reader.SetMetrics(opts.Metrics)
		opts.Metrics.Start()
		defer opts.Metrics.Stop()
	}

	f := opts.OutputFormat
	if f == format.Unknown {
		f = format.FromExtension(dst)
	}
	r.writer, err = logio.CreateFormat(dst, f, opts.Writer...)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			r.writer.Close()
		}
	}()

	for _, ch := range r.reader.Channels() {
		if _, err := r.plan(ch); err != nil {
			return err
		}
	}

	if opts.PipelineDepth > 0 {
		err = r.streamPipelined(ctx, opts.PipelineDepth)
	} else {
		err = r.stream(ctx)
	}
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rewrite cancelled: %w", err)
	}
	return r.writer.Finish()
}

// plan decides the destination of one source channel and declares it on the
// writer. Channels that map to the same (topic, type, encoding) share one
// destination channel.
func (r *run) plan(ch channel.Channel) (*route, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rt, ok := r.routes[ch.ID]; ok {
		return rt, nil
	}
	opts := r.e.opts
	rt := &route{src: ch}
	for _, pattern := range opts.Exclude {
		if channel.MatchTopic(pattern, ch.Topic) {
			rt.excluded = true
			r.routes[ch.ID] = rt
			common.Debugf("rewrite %s: excluding %s (%s)", r.id, ch.Topic, pattern)
			return rt, nil
		}
	}

	res := r.e.rules.Apply(ch.Topic, ch.MessageType)
	if res.TopicRenamed {
		r.stats.TopicsRenamed++
	}
	if res.TypeRenamed {
		r.stats.TypesRenamed++
	}
	rt.dstType = res.Type
	rt.dstEncoding = ch.Encoding
	if to, ok := opts.Transcode[ch.Encoding]; ok && to != "" {
		rt.dstEncoding = to
	}
	rt.dstSchema = ch.Schema
	if res.TypeRenamed {
		rt.dstSchema = transform.RewriteSchema(ch.Schema, ch.MessageType, res.Type)
	}

	// A schema with a validator must check out. Channels with no schema, or
	// one no validator understands, have nothing to check and stay raw.
	if opts.ValidateSchemas && ch.HasSchema() {
		if _, err := opts.Codecs.ValidateSchema(ch.SchemaEncoding, ch.Schema); err != nil {
			return nil, errs.Wrap(err, errs.InvalidSchema, ch.Topic, fmt.Sprintf("schema for %s", ch.MessageType))
		}
	}
	rt.passthrough = !res.Changed() && rt.dstEncoding == ch.Encoding

	key := res.Topic + "\x00" + res.Type + "\x00" + rt.dstEncoding
	if id, ok := r.dst[key]; ok {
		rt.dstID = id
	} else {
		id, err := r.writer.AddChannel(res.Topic, res.Type, rt.dstEncoding,
			channel.WithSchema(rt.dstSchema, ch.SchemaEncoding),
			channel.WithCallerID(ch.CallerID),
			channel.WithMetadata(ch.Metadata))
		if errs.Is(err, errs.DuplicateChannel) {
			// The bag writer keys on topic and type only.
			id, err = r.existing(res.Topic, res.Type)
		}
		if err != nil {
			return nil, err
		}
		r.dst[key] = id
		rt.dstID = id
		r.stats.ChannelCount++
	}
	r.routes[ch.ID] = rt
	common.Debugf("rewrite %s: %s [%s] -> %s [%s] passthrough=%t", r.id, ch.Topic, ch.MessageType, res.Topic, res.Type, rt.passthrough)
	return rt, nil
}

func (r *run) existing(topic, messageType string) (uint32, error) {
	for _, ch := range r.writer.Channels() {
		if ch.Topic == topic && ch.MessageType == messageType {
			return ch.ID, nil
		}
	}
	return 0, errs.New(errs.DuplicateChannel, topic, "no reusable channel for %s", messageType)
}

// routeFor returns the plan for a source channel id, planning channels the
// reader discovered after Scanning.
func (r *run) routeFor(id uint32) (*route, error) {
	r.mu.Lock()
	rt, ok := r.routes[id]
	r.mu.Unlock()
	if ok {
		return rt, nil
	}
	for _, ch := range r.reader.Channels() {
		if ch.ID == id {
			return r.plan(ch)
		}
	}
	return nil, errs.New(errs.UnknownChannel, fmt.Sprintf("%d", id), "source message references an undeclared channel")
}

// outcome is the result of processing one message before it is written.
type outcome struct {
	rt      *route
	msg     container.Message
	data    []byte
	reenc   bool
	dropped bool
}

// process applies the route to msg. Failures are counted by the caller.
func (r *run) process(msg container.Message) (outcome, error) {
	rt, err := r.routeFor(msg.ChannelID)
	if err != nil {
		return outcome{}, err
	}
	out := outcome{rt: rt, msg: msg}
	if rt.excluded || rt.passthrough {
		out.data = msg.Data
		return out, nil
	}
	out.reenc = true
	out.data, err = r.reencode(rt, msg)
	return out, err
}

func (r *run) reencode(rt *route, msg container.Message) ([]byte, error) {
	where := fmt.Sprintf("%s@%d", rt.src.Topic, msg.Timestamp)
	codecs := r.e.opts.Codecs
	src, err := codecs.Get(rt.src.Encoding)
	if err != nil {
		return nil, errs.Wrap(err, errs.DecodeFailure, where, "source codec")
	}
	v, err := src.Decode(rt.src.MessageType, rt.src.Schema, msg.Data)
	if err != nil {
		return nil, errs.Wrap(err, errs.DecodeFailure, where, "decode")
	}
	v.Type = rt.dstType
	dst, err := codecs.Get(rt.dstEncoding)
	if err != nil {
		return nil, errs.Wrap(err, errs.EncodeFailure, where, "destination codec")
	}
	data, err := dst.Encode(v, rt.dstSchema)
	if err != nil {
		return nil, errs.Wrap(err, errs.EncodeFailure, where, "encode")
	}
	return data, nil
}

// settle records a processing failure. It returns nil when the message is
// dropped and the run continues.
func (r *run) settle(out *outcome, err error) error {
	kind, _ := errs.KindOf(err)
	switch kind {
	case errs.DecodeFailure:
		r.stats.DecodeFailures++
	case errs.EncodeFailure:
		r.stats.EncodeFailures++
	default:
		return err
	}
	if !r.e.opts.SkipDecodeFailures {
		return err
	}
	out.dropped = true
	common.Debugf("rewrite %s: dropping message: %v", r.id, err)
	if m := r.e.opts.Metrics; m != nil {
		m.IncSkipped()
	}
	r.e.count(common.OutcomeDropped, 0)
	return nil
}

// write emits one processed message.
func (r *run) write(out outcome) error {
	if out.dropped {
		return nil
	}
	if out.rt.excluded {
		r.stats.ExcludedCount++
		r.e.count(common.OutcomeExcluded, 0)
		return nil
	}
	r.mu.Lock()
	err := r.writer.WriteRecord(container.Message{
		ChannelID:   out.rt.dstID,
		Timestamp:   out.msg.Timestamp,
		PublishTime: out.msg.PublishTime,
		Data:        out.data,
	})
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.stats.MessageCount++
	if out.reenc {
		r.stats.ReencodedCount++
		r.e.count(common.OutcomeReencoded, len(out.data))
	} else {
		r.stats.PassthroughCount++
		r.e.count(common.OutcomePassthrough, len(out.data))
	}
	return nil
}

// stream processes messages one at a time, checking ctx between records.
func (r *run) stream(ctx context.Context) error {
	it, err := r.reader.Messages()
	if err != nil {
		return err
	}
	defer it.Close()
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("rewrite cancelled: %w", err)
		}
		msg, err := it.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		out, err := r.process(msg)
		if err != nil {
			if err := r.settle(&out, err); err != nil {
				return err
			}
		}
		if err := r.write(out); err != nil {
			return err
		}
	}
}

func (e *Engine) count(outcome string, size int) {
	c := e.opts.Collectors
	if c == nil {
		return
	}
	c.Messages.WithLabelValues(outcome).Inc()
	if size > 0 {
		c.Bytes.Add(float64(size))
	}
}

func (e *Engine) observe(s Stats, status string) {
	c := e.opts.Collectors
	if c == nil {
		return
	}
	c.Runs.WithLabelValues(status).Inc()
	if status == common.RunSucceeded {
		c.RunDuration.Observe(s.Duration.Seconds())
	}
}

func (e *Engine) audit(dst string, s Stats, status string, runErr error) {
	if e.opts.Audit == nil {
		return
	}
	entry := common.AuditEntry{
		RunID:       s.RunID,
		Source:      e.src,
		Destination: dst,
		Status:      status,
		Rules:       len(e.rules.Rules()),
		Excluded:    e.opts.Exclude,
		Stats:       s.Counters(),
		DurationMs:  s.Duration.Milliseconds(),
		Ts:          time.Now().UTC(),
	}
	if runErr != nil {
		entry.Error = runErr.Error()
	}
	if err := e.opts.Audit.Append(entry); err != nil {
		common.Warnf("rewrite %s: audit log %s: %v", s.RunID, e.opts.Audit.Path(), err)
	}
}
