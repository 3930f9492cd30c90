package telegram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	logx "sellerbot/pkg/logx"
)

func TestSplitTextShort(t *testing.T) {
	out := splitText("hello", 100)
	assert.Equal(t, []string{"hello"}, out)
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	lines := make([]string, 40)
	for i := range lines {
		lines[i] = strings.Repeat("x", 20)
	}
	s := strings.Join(lines, "\n")

	out := splitText(s, 100)
	assert.Greater(t, len(out), 1)
	for _, chunk := range out {
		assert.LessOrEqual(t, len([]rune(chunk)), 100)
		assert.False(t, strings.HasPrefix(chunk, "\n"))
		assert.False(t, strings.HasSuffix(chunk, "\n"))
	}
	assert.Equal(t, strings.ReplaceAll(s, "\n", ""), strings.ReplaceAll(strings.Join(out, ""), "\n", ""))
}

func TestSplitTextNoNewlines(t *testing.T) {
	s := strings.Repeat("a", 250)
	out := splitText(s, 100)
	assert.Equal(t, []string{strings.Repeat("a", 100), strings.Repeat("a", 100), strings.Repeat("a", 50)}, out)
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Config{}, logx.Logger{})
	assert.Error(t, err)
}
