package emitter

import (
	"encoding/json"
	"regexp"

	"github.com/drblury/flowtrace/internal/runtime/jsoncodec"
	"github.com/drblury/flowtrace/internal/runtime/wire"
)

// secretPatterns detect credential material that must never reach the broker
// or a dashboard. Replacements keep enough shape to debug without leaking.
var secretPatterns = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`), "[ANTHROPIC_KEY]"},
	{regexp.MustCompile(`sk_(?:live|test)_[a-zA-Z0-9]{24,}`), "[STRIPE_KEY]"},
	{regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`), "[OPENAI_KEY]"},
	{regexp.MustCompile(`(?:AKIA|ABIA|ACCA|ASIA)[A-Z0-9]{16}`), "[AWS_KEY]"},
	{regexp.MustCompile(`(?:ghp|gho|ghu|ghs|ghr)_[a-zA-Z0-9]{36,}`), "[GITHUB_TOKEN]"},
	{regexp.MustCompile(`[Bb]earer\s+[a-zA-Z0-9_.-]{20,}`), "Bearer [TOKEN]"},
	{regexp.MustCompile(`(?i)(?:api[_-]?key|apikey)[=:\s]+['"]?[a-zA-Z0-9_-]{20,}['"]?`), "[API_KEY]"},
	{regexp.MustCompile(`://[^:/@]+:[^@]{8,}@`), "://[CREDENTIALS]@"},
	{regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`), "[PRIVATE_KEY]"},
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_-]{20,}\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`), "[JWT_TOKEN]"},
	{regexp.MustCompile(`AIza[a-zA-Z0-9_-]{35}`), "[GOOGLE_API_KEY]"},
}

// RedactString applies every secret pattern to s. The second return is true
// when at least one pattern matched.
func RedactString(s string) (string, bool) {
	redacted := false
	for _, p := range secretPatterns {
		if p.re.MatchString(s) {
			s = p.re.ReplaceAllString(s, p.replacement)
			redacted = true
		}
	}
	return s, redacted
}

// redactValue walks an attribute value and redacts every string it finds,
// including strings nested in maps and slices. Numbers, bools and nils pass
// through unchanged.
func redactValue(v any) any {
	switch val := v.(type) {
	case string:
		out, _ := RedactString(val)
		return out
	case map[string]any:
		for k, inner := range val {
			val[k] = redactValue(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = redactValue(inner)
		}
		return val
	default:
		return val
	}
}

// redactAttributes redacts every string value in an attribute map in place.
func redactAttributes(attrs map[string]any) {
	for k, v := range attrs {
		attrs[k] = redactValue(v)
	}
}

// redactRaw redacts string values inside a raw JSON document. The document
// is re-marshalled only when something actually matched.
func redactRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v any
	if err := jsoncodec.Unmarshal(raw, &v); err != nil {
		// Not JSON we understand; redact it as a flat string instead of
		// passing unknown bytes through unchecked.
		if s, changed := RedactString(string(raw)); changed {
			out, err := jsoncodec.Marshal(s)
			if err == nil {
				return out
			}
		}
		return raw
	}
	v = redactValue(v)
	out, err := jsoncodec.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

// redactPayload applies the redaction pass to every string-valued field a
// payload can carry, not just state. The switch is exhaustive over the wire
// union so a new payload kind cannot silently skip redaction.
func redactPayload(p wire.Payload) wire.Payload {
	switch v := p.(type) {
	case *wire.Event:
		redactAttributes(v.Attributes)
		return v
	case *wire.StateDiff:
		for i := range v.Operations {
			v.Operations[i].Value = redactRaw(v.Operations[i].Value)
		}
		v.FullState = redactRaw(v.FullState)
		return v
	case *wire.Checkpoint:
		v.State = redactRaw(v.State)
		return v
	case *wire.Metrics:
		for k, tag := range v.Tags {
			v.Tags[k], _ = RedactString(tag)
		}
		return v
	case *wire.TokenChunk:
		v.Content, _ = RedactString(v.Content)
		return v
	case *wire.ToolExecution:
		v.Input = redactRaw(v.Input)
		v.Output = redactRaw(v.Output)
		v.Error, _ = RedactString(v.Error)
		return v
	case *wire.ErrorInfo:
		v.Message, _ = RedactString(v.Message)
		return v
	case *wire.EventBatch:
		// Batches may carry any payload kind, not just events.
		for i := range v.Events {
			v.Events[i].Payload = redactPayload(v.Events[i].Payload)
		}
		return v
	default:
		return p
	}
}
