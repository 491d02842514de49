package cleaner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanExtractsText(t *testing.T) {
	c := NewReadability()
	raw := `<html><body><article>
		<h1>Weeknight Pasta</h1>
		<p>1 cup flour</p>
		<p>2 eggs</p>
		<script>alert("x")</script>
	</article></body></html>`

	text, err := c.Clean(context.Background(), raw)
	require.NoError(t, err)
	assert.Contains(t, text, "1 cup flour")
	assert.Contains(t, text, "2 eggs")
	assert.NotContains(t, text, "alert")
}

func TestCleanEmptyInputFails(t *testing.T) {
	c := NewReadability()
	_, err := c.Clean(context.Background(), "   ")
	assert.Error(t, err)
}

func TestCleanHonorsCancellation(t *testing.T) {
	c := NewReadability()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Clean(ctx, "<p>x</p>")
	assert.Error(t, err)
}

func TestStripTagsDropsScriptAndStyle(t *testing.T) {
	text, err := StripTags(`<div>keep<style>.x{}</style><script>no</script> this</div>`)
	require.NoError(t, err)
	assert.Contains(t, text, "keep")
	assert.Contains(t, text, "this")
	assert.NotContains(t, text, ".x{}")
	assert.NotContains(t, text, "no\n")
}

func TestNormalizeCollapsesBlankLines(t *testing.T) {
	assert.Equal(t, "a\nb", normalize("  a  \n\n\n  b\n"))
}
