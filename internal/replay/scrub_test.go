package replay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScrubRemovesReservedKeysAtDepth(t *testing.T) {
	body := map[string]any{
		"amount":           1200.0,
		"_approval_id":     "ap-1",
		"_solicitation_id": "sol-1",
		"nested": map[string]any{
			"_approval_status": "approved",
			"reason":           "ok",
		},
		"items": []any{
			map[string]any{"_requires_approval": true, "sku": "A"},
			"plain",
		},
	}

	got := Scrub(body, nil)

	assert.Equal(t, 1200.0, got["amount"])
	assert.NotContains(t, got, "_approval_id")
	assert.NotContains(t, got, "_solicitation_id")

	nested := got["nested"].(map[string]any)
	assert.NotContains(t, nested, "_approval_status")
	assert.Equal(t, "ok", nested["reason"])

	items := got["items"].([]any)
	first := items[0].(map[string]any)
	assert.NotContains(t, first, "_requires_approval")
	assert.Equal(t, "A", first["sku"])
	assert.Equal(t, "plain", items[1])
}

func TestScrubIsIdempotent(t *testing.T) {
	body := map[string]any{
		"amount":       1.0,
		"_approval_id": "ap-1",
	}
	once := Scrub(body, nil)
	twice := Scrub(once, nil)
	assert.Equal(t, once, twice)
}

func TestScrubDoesNotMutateInput(t *testing.T) {
	body := map[string]any{"_approval": true, "keep": 1}
	_ = Scrub(body, nil)
	assert.Contains(t, body, "_approval")
}

func TestScrubExtraKeys(t *testing.T) {
	body := map[string]any{"internal_token": "x", "keep": 1}
	got := Scrub(body, []string{"internal_token"})
	assert.NotContains(t, got, "internal_token")
	assert.Equal(t, 1, got["keep"])
}

func TestScrubNilBody(t *testing.T) {
	assert.Nil(t, Scrub(nil, nil))
}
