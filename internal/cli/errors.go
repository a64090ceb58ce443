package cli

import (
	"fmt"
	"strings"

	"trade-executor/internal/apperr"
)

// describeError renders a command failure for stderr. Typed failures carry
// their stable code and class so scripts can match on them.
func describeError(err error) string {
	msg := err.Error()
	e, ok := apperr.As(err)
	if !ok {
		return msg
	}
	if !strings.Contains(msg, string(e.Code)) {
		msg = fmt.Sprintf("%s: %s", e.Code, msg)
	}
	return fmt.Sprintf("%s [%s]", msg, e.Class)
}
