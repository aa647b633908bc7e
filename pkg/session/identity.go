package session

import (
	"fmt"
	"regexp"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	// MaxIdentityLength bounds agent, user and conversation identities
	MaxIdentityLength = 128

	conversationSuffixLength = 21
	subSessionSuffixLength   = 10
)

var identityPattern = regexp.MustCompile(`^[A-Za-z0-9_.:@~-]{1,128}$`)

// ValidateIdentity checks the syntax shared by all identities
func ValidateIdentity(kind, value string) error {
	if value == "" {
		return fmt.Errorf("%s identity cannot be empty", kind)
	}
	if len(value) > MaxIdentityLength {
		return fmt.Errorf("%s identity exceeds %d characters", kind, MaxIdentityLength)
	}
	if !identityPattern.MatchString(value) {
		return fmt.Errorf("%s identity %q contains characters outside [A-Za-z0-9_.:@~-]", kind, value)
	}
	return nil
}

// NewConversationID mints <agent>-<user>-<nanoid>. The agent and user parts
// are shortened so the result is itself a valid identity.
func NewConversationID(agentID, userID string) (string, error) {
	suffix, err := gonanoid.New(conversationSuffixLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate conversation id: %w", err)
	}

	budget := (MaxIdentityLength - conversationSuffixLength - 2) / 2
	return fmt.Sprintf("%s-%s-%s", clip(agentID, budget), clip(userID, budget), suffix), nil
}

// SubSessionID names the short-lived backend session one parallel step runs in
func SubSessionID(conversationID, step string) (string, error) {
	suffix, err := gonanoid.New(subSessionSuffixLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate sub-session id: %w", err)
	}
	return fmt.Sprintf("%s~%s~%s", conversationID, step, suffix), nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
