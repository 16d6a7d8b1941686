package rag

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa-go/pkg/errs"
)

func TestSplitTextExample(t *testing.T) {
	text := "The quick brown fox jumps over the lazy dog again"
	require.Equal(t, 49, utf8.RuneCountInString(text))

	c, err := NewChunker(20, 5)
	require.NoError(t, err)
	chunks := c.Split("doc", text)

	require.Len(t, chunks, 3)
	assert.Equal(t, [2]int{0, 20}, [2]int{chunks[0].Start, chunks[0].End})
	assert.Equal(t, [2]int{15, 35}, [2]int{chunks[1].Start, chunks[1].End})
	assert.Equal(t, [2]int{30, 49}, [2]int{chunks[2].Start, chunks[2].End})
	assert.Equal(t, "The quick brown fox ", chunks[0].Text)
	for i := 1; i < len(chunks); i++ {
		prev := []rune(chunks[i-1].Text)
		cur := []rune(chunks[i].Text)
		assert.Equal(t, string(prev[len(prev)-5:]), string(cur[:5]), "chunk %d overlap", i)
		assert.Equal(t, i, chunks[i].Index)
		assert.Equal(t, "doc", chunks[i].DocumentID)
	}
}

func TestSplitKeepsShortFinalChunk(t *testing.T) {
	// 22 个字符: [0,10) [8,18) [16,22)
	chunks, err := SplitText(strings.Repeat("x", 22), 10, 2)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[2], 6)

	// 尾部只剩 1 个新字符时仍然产生最后一个分块
	chunks, err = SplitText(strings.Repeat("y", 17), 10, 4)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, 5, utf8.RuneCountInString(chunks[2]))
}

func TestSplitReconstruction(t *testing.T) {
	texts := []string{
		"a",
		strings.Repeat("abcdefghij", 37) + "tail",
		"合同第一条：甲方应于签约后三十日内支付全部款项。乙方负责交付。🙂 end",
	}
	params := [][2]int{{3, 1}, {7, 3}, {10, 9}, {50, 10}}

	for _, text := range texts {
		for _, p := range params {
			c, err := NewChunker(p[0], p[1])
			require.NoError(t, err)
			chunks := c.Split("d", text)

			var b strings.Builder
			for i, ch := range chunks {
				n := utf8.RuneCountInString(ch.Text)
				assert.LessOrEqual(t, n, p[0])
				assert.Equal(t, n, ch.End-ch.Start)
				if i == 0 {
					b.WriteString(ch.Text)
					continue
				}
				b.WriteString(string([]rune(ch.Text)[p[1]:]))
			}
			assert.Equal(t, text, b.String(), "size=%d overlap=%d", p[0], p[1])
		}
	}
}

func TestSplitEmptyText(t *testing.T) {
	c, err := NewChunker(10, 2)
	require.NoError(t, err)
	chunks := c.Split("doc", "")
	assert.NotNil(t, chunks)
	assert.Empty(t, chunks)
}

func TestSplitSingleWindow(t *testing.T) {
	chunks, err := SplitText("short", 10, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"short"}, chunks)
}

func TestNewChunkerInvalid(t *testing.T) {
	for _, p := range [][2]int{{10, 10}, {10, 11}, {0, 0}, {10, 0}, {-5, 2}, {10, -1}} {
		_, err := NewChunker(p[0], p[1])
		assert.Equal(t, errs.InvalidConfiguration, errs.KindOf(err), "size=%d overlap=%d", p[0], p[1])
	}
}
