// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package security

import "regexp"

// DefaultRules returns the built-in prompt-injection detection set.
// All rules apply to every context tag unless scoped otherwise; text
// destined for an extraction or summarization prompt is held to the
// same bar as responder input.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "instruction_override",
			Pattern:  regexp.MustCompile(`(?i)(ignore|disregard|override|forget|do\s+not\s+follow)\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`),
			Severity: SeverityHigh,
		},
		{
			Name:     "role_confusion",
			Pattern:  regexp.MustCompile(`(?i)you\s+are\s+now\s+\w+[,.]?\s*(do|ignore|forget|disregard)`),
			Severity: SeverityHigh,
		},
		{
			Name:     "delimiter_abuse",
			Pattern:  regexp.MustCompile("(?i)```system\\b"),
			Severity: SeverityHigh,
		},
		{
			Name:     "system_prompt_probe",
			Pattern:  regexp.MustCompile(`(?i)(reveal|print|repeat|show)\s+(your\s+)?(system\s+prompt|initial\s+instructions)`),
			Severity: SeverityMedium,
		},
		{
			Name:     "fake_tool_output",
			Pattern:  regexp.MustCompile(`(?i)<(tool_output|function_result|assistant)>`),
			Severity: SeverityMedium,
		},
		{
			Name:     "memory_poisoning",
			Pattern:  regexp.MustCompile(`(?i)(always|from\s+now\s+on)\s+(respond|answer|reply)\s+with`),
			Severity: SeverityMedium,
			Tags:     []ContextTag{TagWriterExtract, TagCorrection},
		},
		{
			Name:     "citation_forgery",
			Pattern:  regexp.MustCompile(`\[\[mem-[0-9a-f-]+\]\]`),
			Severity: SeverityLow,
			Tags:     []ContextTag{TagWriterExtract, TagCorrection},
		},
	}
}
