package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThinkFilter_SuppressesWholeBlock(t *testing.T) {
	var f ThinkFilter
	var out string
	out += f.Filter("hello ")
	out += f.Filter("<think>reasoning here</think>")
	out += f.Filter(" world")
	assert.Equal(t, "hello  world", out)
}

func TestThinkFilter_SplitAcrossDeltas(t *testing.T) {
	var f ThinkFilter
	var out string
	out += f.Filter("hello <th")
	out += f.Filter("ink>reasoning")
	out += f.Filter(" continues</th")
	out += f.Filter("ink> world")
	assert.Equal(t, "hello  world", out)
}

func TestThinkFilter_NoTagsPassesThrough(t *testing.T) {
	var f ThinkFilter
	assert.Equal(t, "plain content", f.Filter("plain content"))
}

func TestThinkFilter_MultipleBlocks(t *testing.T) {
	var f ThinkFilter
	var out string
	out += f.Filter("a<think>x</think>b<think>y</think>c")
	assert.Equal(t, "abc", out)
}
