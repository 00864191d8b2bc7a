package workspace

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// suspiciousPatterns are logged, not rejected; workspace text is opaque.
var suspiciousPatterns = []string{
	"<script",
	"javascript:",
	"ignore previous instructions",
}

// ValidateContent checks that content is well-formed text within the field's
// size cap.
func ValidateContent(spec FieldSpec, content string) error {
	if spec.MaxBytes > 0 && len(content) > spec.MaxBytes {
		return fmt.Errorf("%w: %s is %d bytes, cap %d", ErrTooLarge, spec.Name, len(content), spec.MaxBytes)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidContent, spec.Name)
	}
	if strings.IndexByte(content, 0) >= 0 {
		return fmt.Errorf("%w: %s contains NUL bytes", ErrInvalidContent, spec.Name)
	}

	lower := strings.ToLower(content)
	for _, pattern := range suspiciousPatterns {
		if strings.Contains(lower, pattern) {
			log.Warn().
				Str("field", spec.Name).
				Str("pattern", pattern).
				Msg("Suspicious pattern in workspace field")
		}
	}
	return nil
}
