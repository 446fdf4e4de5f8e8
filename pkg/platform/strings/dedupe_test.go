package strings

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnique(t *testing.T) {
	tests := []struct {
		name  string
		input []string
		want  []string
	}{
		{"nil stays nil", nil, nil},
		{"empty stays empty", []string{}, []string{}},
		{"unit codes keep first occurrence", []string{" FA", "FB", "FA ", "FC"}, []string{"FA", "FB", "FC"}},
		{"blank entries are dropped", []string{"", "  ", "FA"}, []string{"FA"}},
		{"case is significant", []string{"fa", "FA"}, []string{"fa", "FA"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Unique(tt.input))
		})
	}
}

func TestUniqueFunc(t *testing.T) {
	fold := func(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }
	assert.Equal(t, []string{"FA", "FB"}, UniqueFunc([]string{"fa", " FA", "fb"}, fold))
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, SplitList(""))
	assert.Nil(t, SplitList("  "))
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, SplitList("kafka-1:9092, kafka-2:9092,,kafka-1:9092"))
}
