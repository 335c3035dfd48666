package errs

import (
	"fmt"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// Suggest returns the declared name closest to target, or "" when nothing
// ranks. Used to enrich unknown-variable errors in script mode.
func Suggest(target string, candidates []string) string {
	if target == "" || len(candidates) == 0 {
		return ""
	}

	ranks := fuzzy.RankFindFold(target, candidates)
	if len(ranks) > 0 {
		return ranks[0].Target
	}

	return ""
}

// UnknownVariable builds the script-mode lookup failure for name, with a
// fuzzy "did you mean" hint when a declared name is close enough.
func UnknownVariable(name string, candidates []string) *TemplateError {
	msg := fmt.Sprintf("%s: %s", MsgUnknownVariable, name)
	if hint := Suggest(name, candidates); hint != "" {
		msg += fmt.Sprintf(" (did you mean %q?)", hint)
	}
	return &TemplateError{Message: msg}
}

// UndeclaredAssign builds the script-mode assignment failure for name.
func UndeclaredAssign(name string) *TemplateError {
	return &TemplateError{Message: fmt.Sprintf("%s: %s", MsgUndeclaredAssign, name)}
}
