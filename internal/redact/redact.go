package redact

import "regexp"

var (
	bearerPattern     = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`)
	tokenParamPattern = regexp.MustCompile(`(?i)([?&](?:token|access_token)=)[^&#\s]+`)
	googleKeyPattern  = regexp.MustCompile(`\bAIza[0-9A-Za-z\-_]{35}\b`)

	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// Secrets masks bearer tokens, token query parameters and Gemini API keys.
func Secrets(input string) (redacted string, changed bool) {
	out := bearerPattern.ReplaceAllString(input, "Bearer [REDACTED]")
	out = tokenParamPattern.ReplaceAllString(out, "${1}[REDACTED]")
	out = googleKeyPattern.ReplaceAllString(out, "[REDACTED_API_KEY]")
	return out, out != input
}

// PII masks common high-risk PII patterns.
func PII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Cards first so long digit runs are not taken for phone numbers.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// String applies Secrets then PII, for text headed to logs.
func String(input string) string {
	out, _ := Secrets(input)
	out, _ = PII(out)
	return out
}
