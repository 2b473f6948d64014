package connector

import "fmt"

// Redact renders a credential for logging as a short prefix plus its length.
// Values are never logged verbatim.
func Redact(value string) string {
	if value == "" {
		return "<empty>"
	}
	prefix := value
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	return fmt.Sprintf("%s… (%d chars)", prefix, len(value))
}
