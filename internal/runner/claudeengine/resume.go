package claudeengine

import (
	"fmt"
	"regexp"

	"github.com/riverrun/untether/internal/model"
)

// ResumeRegexp matches a `` `claude --resume <token>` `` or `` `claude -r <token>` ``
// line, case-insensitively, optionally backtick-quoted — the exact shape a
// chat message echoes FormatResume's output back as. Grounded on _RESUME_RE
// in original_source's runners/claude.py.
var ResumeRegexp = regexp.MustCompile(`(?im)^\s*` + "`?" + `claude\s+(?:--resume|-r)\s+(?P<token>[^` + "`" + `\s]+)` + "`?" + `\s*$`)

// FormatResume renders token the way a chat message should quote it back,
// so a later ResumeRegexp match round-trips it exactly.
func FormatResume(token model.ResumeToken) string {
	return fmt.Sprintf("`claude --resume %s`", token.Value)
}
