package content

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"trenerka/internal/models"
)

var policy = bluemonday.UGCPolicy()

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is used for sanitizing user inputs like group names and messages.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// ValidateMessage sanitizes message content and checks it is non-empty and
// within maxLen runes. Returns the cleaned content.
func ValidateMessage(input string, maxLen int) (string, error) {
	cleaned := strings.TrimSpace(Sanitize(input))
	if cleaned == "" {
		return "", fmt.Errorf("%w: message content is empty", models.ErrInvalidArgument)
	}
	if utf8.RuneCountInString(cleaned) > maxLen {
		return "", fmt.Errorf("%w: message content exceeds %d characters", models.ErrInvalidArgument, maxLen)
	}
	return cleaned, nil
}
