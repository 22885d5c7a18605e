package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func screenshots(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte{byte(i)}
	}
	return out
}

func TestBuildLayout(t *testing.T) {
	t.Parallel()

	b := NewBuilder(3)
	req := b.Build(Input{
		Goal:        "open settings",
		Instruction: "open settings",
		Current:     []byte{9},
		History:     screenshots(2),
	}, Navigation)

	assert.Equal(t, NavigationPrompt, req.System)
	require.Len(t, req.Parts, 6)
	assert.Equal(t, "Task: open settings\nCurrent instruction: open settings", req.Parts[0].Text)
	assert.Equal(t, "\n[Previous 2 screenshots for context]", req.Parts[1].Text)
	assert.Equal(t, []byte{0}, req.Parts[2].Data)
	assert.Equal(t, []byte{1}, req.Parts[3].Data)
	assert.Equal(t, "\n[Current screenshot]", req.Parts[4].Text)
	assert.Equal(t, []byte{9}, req.Parts[5].Data)
	assert.Equal(t, MIMEPNG, req.Parts[5].MIMEType)
}

func TestBuildInstructionOnly(t *testing.T) {
	t.Parallel()

	req := NewBuilder(3).Build(Input{Instruction: "find the search bar", Current: []byte{1}}, Grounding)
	assert.Equal(t, GroundingPrompt, req.System)
	assert.Equal(t, "find the search bar", req.Parts[0].Text)
	assert.Equal(t, 1, req.Images())
}

func TestBuildBoundsHistory(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 3, 5} {
		for _, have := range []int{0, 1, 4, 12} {
			req := NewBuilder(n).Build(Input{Goal: "g", Instruction: "g", Current: []byte{42}, History: screenshots(have)}, Navigation)

			want := min(n, have)
			assert.Equal(t, want+1, req.Images(), "history_n=%d steps=%d", n, have)

			hasMarker := false
			for _, p := range req.Parts {
				if strings.HasPrefix(p.Text, "\n[Previous") {
					hasMarker = true
				}
			}
			assert.Equal(t, want > 0, hasMarker, "history_n=%d steps=%d", n, have)
		}
	}
}

func TestBuildKeepsMostRecentHistory(t *testing.T) {
	t.Parallel()

	req := NewBuilder(2).Build(Input{Instruction: "x", Current: []byte{99}, History: screenshots(5)}, Navigation)
	assert.Equal(t, []byte{3}, req.Parts[2].Data)
	assert.Equal(t, []byte{4}, req.Parts[3].Data)
}

func TestRequestOwnsImageData(t *testing.T) {
	t.Parallel()

	current := []byte{1, 2, 3}
	req := NewBuilder(0).Build(Input{Instruction: "x", Current: current}, Navigation)
	current[0] = 7
	assert.Equal(t, byte(1), req.Parts[len(req.Parts)-1].Data[0])
}

func TestDataURL(t *testing.T) {
	t.Parallel()

	p := Part{MIMEType: MIMEPNG, Data: []byte("png")}
	assert.Equal(t, "data:image/png;base64,cG5n", p.DataURL())
	assert.True(t, p.IsImage())
	assert.False(t, Part{Text: "x"}.IsImage())
}
