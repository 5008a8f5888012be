package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanText(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{"  Drought tolerance\n\tin  maize ", "Drought tolerance in maize"},
		{"e\u0301tude", "\u00e9tude"},
		{"\ufb01eld samples", "field samples"},
		{"a\u00a0b", "a b"},
		{"", ""},
	} {
		assert.Equal(t, tc.want, CleanText(tc.in), tc.in)
	}
}
