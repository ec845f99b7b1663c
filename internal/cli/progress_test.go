package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressFunc(t *testing.T) {
	assert.Nil(t, ProgressFunc(nil))

	var out bytes.Buffer
	bar := NewProgressBar(3, &out, "Reconciling")
	progress := ProgressFunc(bar)
	require.NotNil(t, progress)

	progress(1, 3)
	assert.InDelta(t, 1.0/3.0, bar.State().CurrentPercent, 0.001)

	progress(3, 3)
	assert.True(t, bar.IsFinished())
	assert.Contains(t, out.String(), "Reconciling")
}
