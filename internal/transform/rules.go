// Package transform renames topics and message types during a rewrite.
//
// Rules are collected with a Builder and frozen into a RuleSet. A RuleSet
// resolves one (topic, type) pair in a fixed order: a topic-scoped type
// override wins outright; otherwise the topic axis (exact, then wildcard) and
// the type axis (exact, then wildcard) are resolved independently.
package transform

import (
	"errors"
	"regexp"
	"strings"

	"example.com/robolog/internal/errs"
)

// Kind names a rule family.
type Kind string

const (
	KindTopic         Kind = "topic"
	KindTopicWildcard Kind = "topic_wildcard"
	KindType          Kind = "type"
	KindTypeWildcard  Kind = "type_wildcard"
	KindTopicType     Kind = "topic_type"
)

// Rule is one rename as it was added to the builder.
type Rule struct {
	Kind  Kind   `json:"kind" yaml:"kind"`
	Topic string `json:"topic,omitempty" yaml:"topic,omitempty"`
	From  string `json:"from" yaml:"from"`
	To    string `json:"to" yaml:"to"`
}

type wildcard struct {
	pattern string
	re      *regexp.Regexp
	target  string
}

// compileWildcard turns a pattern with '*' placeholders into an anchored
// regexp. Each '*' becomes a greedy capture.
func compileWildcard(pattern, target string) wildcard {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return wildcard{
		pattern: pattern,
		re:      regexp.MustCompile("^" + strings.Join(parts, "(.*)") + "$"),
		target:  target,
	}
}

// apply substitutes the n-th capture into the n-th '*' of the target. Extra
// placeholders in the target expand to nothing.
func (w wildcard) apply(s string) (string, bool) {
	m := w.re.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	if !strings.Contains(w.target, "*") {
		return w.target, true
	}
	var b strings.Builder
	n := 1
	for _, r := range w.target {
		if r != '*' {
			b.WriteRune(r)
			continue
		}
		if n < len(m) {
			b.WriteString(m[n])
		}
		n++
	}
	return b.String(), true
}

type override struct {
	src, dst string
}

// Builder collects rules. Every method mutates the builder and returns it,
// so calls chain.
type Builder struct {
	rules []Rule
	bad   []error
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) add(r Rule) *Builder {
	b.rules = append(b.rules, r)
	return b
}

func (b *Builder) WithTopicRename(from, to string) *Builder {
	return b.add(Rule{Kind: KindTopic, From: from, To: to})
}

// WithTopicRenameWildcard adds a pattern such as "/robot1/*" -> "/robot/*".
func (b *Builder) WithTopicRenameWildcard(pattern, target string) *Builder {
	return b.add(Rule{Kind: KindTopicWildcard, From: pattern, To: target})
}

func (b *Builder) WithTypeRename(from, to string) *Builder {
	return b.add(Rule{Kind: KindType, From: from, To: to})
}

func (b *Builder) WithTypeRenameWildcard(pattern, target string) *Builder {
	return b.add(Rule{Kind: KindTypeWildcard, From: pattern, To: target})
}

// WithTopicTypeRename renames srcType to dstType only on topic.
func (b *Builder) WithTopicTypeRename(topic, srcType, dstType string) *Builder {
	return b.add(Rule{Kind: KindTopicType, Topic: topic, From: srcType, To: dstType})
}

// WithRule adds a rule by kind. An unknown kind is recorded and reported by
// Err; the rule is not added.
func (b *Builder) WithRule(r Rule) *Builder {
	switch r.Kind {
	case KindTopic, KindTopicWildcard, KindType, KindTypeWildcard, KindTopicType:
		return b.add(r)
	}
	b.bad = append(b.bad, errs.New(errs.InvalidArgument, string(r.Kind), "unknown rule kind for %q", r.From))
	return b
}

// Err returns the rules WithRule refused, or nil.
func (b *Builder) Err() error {
	return errors.Join(b.bad...)
}

func (b *Builder) Len() int {
	return len(b.rules)
}

// Build freezes the rules. The builder stays usable; later additions do not
// affect sets already built. A repeated exact key keeps the last target.
func (b *Builder) Build() *RuleSet {
	rs := &RuleSet{
		rules:     append([]Rule(nil), b.rules...),
		topics:    make(map[string]string),
		types:     make(map[string]string),
		overrides: make(map[string]override),
	}
	for _, r := range b.rules {
		switch r.Kind {
		case KindTopic:
			rs.topics[r.From] = r.To
		case KindTopicWildcard:
			rs.topicWildcards = append(rs.topicWildcards, compileWildcard(r.From, r.To))
		case KindType:
			rs.types[r.From] = r.To
		case KindTypeWildcard:
			rs.typeWildcards = append(rs.typeWildcards, compileWildcard(r.From, r.To))
		case KindTopicType:
			rs.overrides[overrideKey(r.Topic, r.From)] = override{src: r.From, dst: r.To}
		}
	}
	return rs
}

func overrideKey(topic, messageType string) string {
	return topic + "\x00" + messageType
}

// RuleSet is an immutable, compiled set of renames. It is safe for
// concurrent use.
type RuleSet struct {
	rules          []Rule
	topics         map[string]string
	topicWildcards []wildcard
	types          map[string]string
	typeWildcards  []wildcard
	overrides      map[string]override
}

// Result is the outcome of resolving one channel. The Renamed flags are set
// only when the value actually changed.
type Result struct {
	Topic        string
	Type         string
	TopicRenamed bool
	TypeRenamed  bool
}

// Changed reports whether either axis was renamed.
func (r Result) Changed() bool {
	return r.TopicRenamed || r.TypeRenamed
}

// Apply resolves topic and messageType. A nil RuleSet leaves both unchanged.
func (rs *RuleSet) Apply(topic, messageType string) Result {
	res := Result{Topic: topic, Type: messageType}
	if rs == nil {
		return res
	}
	if o, ok := rs.overrides[overrideKey(topic, messageType)]; ok {
		res.Type = o.dst
		res.TypeRenamed = o.dst != messageType
		return res
	}

	if to, ok := rs.topics[topic]; ok {
		res.Topic = to
	} else {
		for _, w := range rs.topicWildcards {
			if to, ok := w.apply(topic); ok {
				res.Topic = to
				break
			}
		}
	}
	if to, ok := rs.types[messageType]; ok {
		res.Type = to
	} else {
		for _, w := range rs.typeWildcards {
			if to, ok := w.apply(messageType); ok {
				res.Type = to
				break
			}
		}
	}
	res.TopicRenamed = res.Topic != topic
	res.TypeRenamed = res.Type != messageType
	return res
}

// Empty reports whether the set has no rules.
func (rs *RuleSet) Empty() bool {
	return rs == nil || len(rs.rules) == 0
}

// Rules lists the rules in insertion order.
func (rs *RuleSet) Rules() []Rule {
	if rs == nil {
		return nil
	}
	return append([]Rule(nil), rs.rules...)
}
