package textnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "empty", input: "", expected: []string{}},
		{name: "whitespace only", input: "  \t\n ", expected: []string{}},
		{name: "vietnamese accents", input: "Đề bài", expected: []string{"de", "bai"}},
		{name: "stop words dropped", input: "The cell is the unit of life", expected: []string{"cell", "unit", "life"}},
		{name: "punctuation stripped", input: "Photo-synthesis, (chlorophyll)!", expected: []string{"photosynthesis", "chlorophyll"}},
		{name: "digits kept", input: "H2O boils at 100 degrees", expected: []string{"h2o", "boils", "100", "degrees"}},
		{name: "latin accents", input: "Café crème", expected: []string{"cafe", "creme"}},
		{name: "vietnamese stop words", input: "Nước là một hợp chất", expected: []string{"nuoc", "hop", "chat"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Normalize(tt.input))
		})
	}
}

func TestNormalizeProducesASCIIOnly(t *testing.T) {
	for _, tok := range Normalize("Định nghĩa quang hợp ở thực vật xanh") {
		for _, r := range tok {
			assert.Truef(t, (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'), "unexpected rune %q in %q", r, tok)
		}
		assert.False(t, IsStopWord(tok), "stop word %q leaked", tok)
	}
}

func TestJoined(t *testing.T) {
	assert.Equal(t, "cell membrane", Joined("The  Cell   membrane"))
	assert.Equal(t, "", Joined(""))
}
