package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateIdentity(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"simple", "faq_agent", false},
		{"all allowed punctuation", "a.b:c@d~e-f_g", false},
		{"max length", strings.Repeat("x", MaxIdentityLength), false},
		{"empty", "", true},
		{"too long", strings.Repeat("x", MaxIdentityLength+1), true},
		{"space", "faq agent", true},
		{"slash", "a/b", true},
		{"unicode", "agént", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentity("agent", tt.value)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewConversationID(t *testing.T) {
	id, err := NewConversationID("faq_agent", "u1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "faq_agent-u1-"))
	assert.Len(t, strings.TrimPrefix(id, "faq_agent-u1-"), conversationSuffixLength)
	assert.NoError(t, ValidateIdentity("conversation", id))

	other, err := NewConversationID("faq_agent", "u1")
	require.NoError(t, err)
	assert.NotEqual(t, id, other)

	long, err := NewConversationID(strings.Repeat("a", 128), strings.Repeat("u", 128))
	require.NoError(t, err)
	assert.NoError(t, ValidateIdentity("conversation", long))
}

func TestSubSessionID(t *testing.T) {
	id, err := SubSessionID("conv-1", "summarize")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "conv-1~summarize~"))
	assert.Len(t, strings.TrimPrefix(id, "conv-1~summarize~"), subSessionSuffixLength)
}
