package replay

// reservedKeys are approval-internal metadata fields that must never leak
// into the replayed request body. Loaded defaults; extendable via config.
var reservedKeys = map[string]struct{}{
	"_approval":               {},
	"_approval_id":            {},
	"_approval_status":        {},
	"_solicitation_id":        {},
	"_requires_approval":      {},
	"_approval_justification": {},
	"_approval_metadata":      {},
}

// Scrub returns a copy of body with every reserved key removed at any
// nesting depth, including inside arrays. Scrub is idempotent:
// Scrub(Scrub(x)) == Scrub(x).
func Scrub(body map[string]any, extra []string) map[string]any {
	if body == nil {
		return nil
	}
	reserved := reservedKeys
	if len(extra) > 0 {
		reserved = make(map[string]struct{}, len(reservedKeys)+len(extra))
		for k := range reservedKeys {
			reserved[k] = struct{}{}
		}
		for _, k := range extra {
			reserved[k] = struct{}{}
		}
	}
	return scrubMap(body, reserved)
}

func scrubMap(m map[string]any, reserved map[string]struct{}) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, drop := reserved[k]; drop {
			continue
		}
		out[k] = scrubValue(v, reserved)
	}
	return out
}

func scrubValue(v any, reserved map[string]struct{}) any {
	switch val := v.(type) {
	case map[string]any:
		return scrubMap(val, reserved)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = scrubValue(item, reserved)
		}
		return out
	default:
		return v
	}
}
