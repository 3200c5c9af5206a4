package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectOption(t *testing.T) {
	options := []DownloadOption{
		{EmbedURL: "https://pahe.test/a", Resolution: 720},
		{EmbedURL: "https://pahe.test/b", Resolution: 1080},
		{EmbedURL: "https://pahe.test/c", Resolution: 360},
	}

	tests := []struct {
		name   string
		target int
		want   int
	}{
		{"highest", ResolutionHighest, 1080},
		{"lowest", ResolutionLowest, 360},
		{"exact", 720, 720},
		{"missing falls back to highest", 480, 1080},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opt, ok := SelectOption(options, tt.target)
			assert.True(t, ok)
			assert.Equal(t, tt.want, opt.Resolution)
		})
	}
}

func TestSelectOption_Empty(t *testing.T) {
	_, ok := SelectOption(nil, ResolutionHighest)
	assert.False(t, ok)
}
