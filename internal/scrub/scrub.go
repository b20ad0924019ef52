// Package scrub removes protected health information from free text before it
// reaches the evaluator or storage.
package scrub

import "regexp"

type Scrubber interface {
	Scrub(text string) string
}

type rule struct {
	re   *regexp.Regexp
	mask string
}

// PatternScrubber masks e-mail addresses, phone numbers, SSNs, dates of birth
// and medical record numbers.
type PatternScrubber struct {
	rules []rule
}

func NewPatternScrubber() *PatternScrubber {
	return &PatternScrubber{rules: []rule{
		{regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), "[EMAIL]"},
		{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[SSN]"},
		{regexp.MustCompile(`(?i)\b(?:mrn|medical record(?: number)?)[:#\s]*[A-Z0-9\-]{4,}\b`), "[MRN]"},
		{regexp.MustCompile(`\b(?:0?[1-9]|1[0-2])/(?:0?[1-9]|[12]\d|3[01])/(?:19|20)\d{2}\b`), "[DATE]"},
		{regexp.MustCompile(`(?:\+?\d{1,2}[\s.\-]?)?\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}\b`), "[PHONE]"},
	}}
}

func (s *PatternScrubber) Scrub(text string) string {
	for _, r := range s.rules {
		text = r.re.ReplaceAllString(text, r.mask)
	}
	return text
}

// Nop leaves text untouched.
type Nop struct{}

func (Nop) Scrub(text string) string { return text }
