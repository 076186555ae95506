// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package security

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	memerr "github.com/memoria-dev/memoria/pkg/errors"
)

// ContextTag identifies the boundary where untrusted text is about to
// enter a prompt.
type ContextTag string

const (
	TagWriterExtract   ContextTag = "writer_extract"
	TagSummarizerInput ContextTag = "summarizer_input"
	TagInsightInput    ContextTag = "insight_input"
	TagResponderUser   ContextTag = "responder_user"
	TagCorrection      ContextTag = "correction"
)

// Valid reports whether the tag is a known context tag.
func (t ContextTag) Valid() bool {
	switch t {
	case TagWriterExtract, TagSummarizerInput, TagInsightInput, TagResponderUser, TagCorrection:
		return true
	default:
		return false
	}
}

// Severity indicates how critical a detection is.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

func (s Severity) score() float64 {
	switch s {
	case SeverityHigh:
		return 1.0
	case SeverityMedium:
		return 0.6
	default:
		return 0.3
	}
}

// Verdict is the outcome of a validation pass. Score is the strongest
// matched severity in [0, 1]; Reason names the first matched rule.
type Verdict struct {
	Safe   bool
	Reason string
	Score  float64
}

// Validator decides whether untrusted text may enter a prompt.
type Validator interface {
	Validate(ctx context.Context, text string, tag ContextTag) (Verdict, error)
	Sanitize(text string) string
}

// Rule defines a detection pattern scoped to the context tags it
// applies to. An empty Tags list applies the rule everywhere.
type Rule struct {
	Name     string
	Pattern  *regexp.Regexp
	Severity Severity
	Tags     []ContextTag
}

// DefaultMaxContentLength is the maximum content size accepted by the
// validator before the text is refused outright (64 KiB).
const DefaultMaxContentLength = 64 << 10

// RegexValidator implements Validator using compiled regexes over
// NFKC-normalized, zero-width-stripped text.
type RegexValidator struct {
	rules            []Rule
	maxContentLength int
	logger           *slog.Logger
}

// NewRegexValidator creates a validator with the given rules. Rules with
// nil patterns or empty names are rejected.
func NewRegexValidator(rules []Rule, logger *slog.Logger) (*RegexValidator, error) {
	for i, r := range rules {
		if r.Pattern == nil {
			return nil, memerr.Errorf(memerr.CodeSecurityTagInvalid, "rule %d (%s) has nil pattern", i, r.Name)
		}
		if r.Name == "" {
			return nil, memerr.Errorf(memerr.CodeSecurityTagInvalid, "rule %d has empty name", i)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RegexValidator{rules: rules, maxContentLength: DefaultMaxContentLength, logger: logger}, nil
}

// invisibleCharReplacer strips zero-width and other invisible Unicode
// characters to reduce evasion via Unicode homoglyphs. Allocated once.
var invisibleCharReplacer = strings.NewReplacer(
	"\u200b", "", // zero-width space
	"\u200c", "", // zero-width non-joiner
	"\u200d", "", // zero-width joiner
	"\ufeff", "", // zero-width no-break space / BOM
	"\u00ad", "", // soft hyphen
	"\u2060", "", // word joiner
	"\u2061", "", // invisible function application
	"\u2062", "", // invisible times
	"\u2063", "", // invisible separator
	"\u2064", "", // invisible plus
)

// normalizeForScan applies NFKC normalization and strips zero-width
// characters before rule matching.
func normalizeForScan(s string) string {
	s = invisibleCharReplacer.Replace(s)
	return norm.NFKC.String(s)
}

// Validate checks text against the rules applicable to the tag. An
// unsafe verdict is returned as data, not as an error; the error return
// covers misuse (unknown tag) only.
func (v *RegexValidator) Validate(ctx context.Context, text string, tag ContextTag) (Verdict, error) {
	if !tag.Valid() {
		return Verdict{}, memerr.Errorf(memerr.CodeSecurityTagInvalid, "unknown context tag %q", tag)
	}
	if err := ctx.Err(); err != nil {
		return Verdict{}, memerr.Wrapf(err, memerr.CodeTaskCancelled, "validation cancelled")
	}

	content := normalizeForScan(text)

	if len(content) > v.maxContentLength {
		v.logSecurityEvent(tag, "content_too_large", SeverityHigh)
		return Verdict{Safe: false, Reason: "content_too_large", Score: 1.0}, nil
	}

	verdict := Verdict{Safe: true}
	for _, rule := range v.rules {
		if !rule.appliesTo(tag) {
			continue
		}
		if !rule.Pattern.MatchString(content) {
			continue
		}
		if verdict.Safe {
			verdict.Safe = false
			verdict.Reason = rule.Name
		}
		if s := rule.Severity.score(); s > verdict.Score {
			verdict.Score = s
		}
	}

	if !verdict.Safe {
		v.logSecurityEvent(tag, verdict.Reason, severityForScore(verdict.Score))
	}
	return verdict, nil
}

func (r Rule) appliesTo(tag ContextTag) bool {
	if len(r.Tags) == 0 {
		return true
	}
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func severityForScore(score float64) Severity {
	switch {
	case score >= 1.0:
		return SeverityHigh
	case score >= 0.6:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// logSecurityEvent records a refused validation with its context tag and
// reason so every refusal leaves a security event.
func (v *RegexValidator) logSecurityEvent(tag ContextTag, reason string, severity Severity) {
	v.logger.Warn("security validation refused content",
		"context_tag", string(tag),
		"reason", reason,
		"severity", string(severity),
	)
}
