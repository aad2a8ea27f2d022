package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExcerpt(t *testing.T) {
	cases := []struct {
		name  string
		input string
		max   int
		want  string
	}{
		{name: "short", input: "ciao", max: 10, want: "ciao"},
		{name: "cut", input: "abcdef", max: 3, want: "abc"},
		{name: "multibyte", input: "perché sì", max: 6, want: "perché"},
		{name: "disabled", input: "abcdef", max: 0, want: "abcdef"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Excerpt(tc.input, tc.max))
		})
	}
}

func TestContainsFold(t *testing.T) {
	assert.True(t, ContainsFold("Richiesta ACQUISTO sedie", "acquisto"))
	assert.False(t, ContainsFold("Newsletter", "acquisto"))
	assert.True(t, ContainsFold("anything", "  "))
}

func TestSplitLines(t *testing.T) {
	lines := SplitLines("  uno\r\n\n due\t\ttre \n")
	assert.Equal(t, []string{"uno", "due tre"}, lines)
}
