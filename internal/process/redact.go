package process

import "regexp"

// RedactionRule replaces every match of Pattern with Replacement, which may
// reference capture groups.
type RedactionRule struct {
	ID          string
	Pattern     string
	Replacement string
}

// DefaultRedactionRules covers API keys, bearer tokens and credential
// assignments. Prefixed keys come first so the generic rules see
// already-redacted text.
func DefaultRedactionRules() []RedactionRule {
	return []RedactionRule{
		{
			ID:          "anthropic-api-key",
			Pattern:     `sk-ant-[A-Za-z0-9_\-]{10,}`,
			Replacement: "sk-ant-[REDACTED]",
		},
		{
			ID:          "openai-api-key",
			Pattern:     `sk-(?:proj-)?[A-Za-z0-9_\-]{20,}`,
			Replacement: "sk-[REDACTED]",
		},
		{
			ID:          "github-token",
			Pattern:     `(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{20,}|github_pat_[A-Za-z0-9_]{22,}`,
			Replacement: "[REDACTED]",
		},
		{
			ID:          "aws-access-key-id",
			Pattern:     `(?:AKIA|ASIA)[A-Z0-9]{16}`,
			Replacement: "[REDACTED]",
		},
		{
			ID:          "bearer-token",
			Pattern:     `(?i)(bearer\s+)[A-Za-z0-9._~+/\-]+=*`,
			Replacement: "${1}[REDACTED]",
		},
		{
			ID:          "credential-assignment",
			Pattern:     `(?i)\b(api[_-]?key|apikey|access[_-]?token|auth[_-]?token|token|secret|password|passwd|pwd)(\s*[:=]\s*)(['"]?)[^\s'",]+`,
			Replacement: "${1}${2}${3}[REDACTED]",
		},
	}
}

type compiledRule struct {
	re          *regexp.Regexp
	replacement string
}

// Redactor scrubs secrets from worker output.
type Redactor struct {
	rules []compiledRule
}

// NewRedactor compiles rules. A nil slice means DefaultRedactionRules.
func NewRedactor(rules []RedactionRule) (*Redactor, error) {
	if rules == nil {
		rules = DefaultRedactionRules()
	}
	r := &Redactor{rules: make([]compiledRule, 0, len(rules))}
	for _, rule := range rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, err
		}
		r.rules = append(r.rules, compiledRule{re: re, replacement: rule.Replacement})
	}
	return r, nil
}

// DefaultRedactor returns a Redactor with the default rules.
func DefaultRedactor() *Redactor {
	r, err := NewRedactor(nil)
	if err != nil {
		panic(err)
	}
	return r
}

// Redact returns line with every secret replaced.
func (r *Redactor) Redact(line string) string {
	for _, rule := range r.rules {
		line = rule.re.ReplaceAllString(line, rule.replacement)
	}
	return line
}
