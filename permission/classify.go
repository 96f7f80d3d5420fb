package permission

import "strings"

// Elicitation sub-tags sent in codex_elicitation.
const (
	ElicitationExecApproval  = "exec-approval"
	ElicitationPatchApproval = "patch-approval"
	ElicitationFileWrite     = "file-write"
	ElicitationFileRead      = "file-read"
)

// ClassifyElicitation decides which prompt a generic elicitation becomes.
// Checks run in a fixed order: write (sub-tag, or "write" anywhere in the
// message, case-insensitive), then exec (sub-tag only), then read (sub-tag,
// or "read" in the message). ok is false when nothing matches.
//
// The substring search is a heuristic; keep it in this one function.
func ClassifyElicitation(subTag, message string) (t Type, ok bool) {
	lower := strings.ToLower(message)

	switch {
	case subTag == ElicitationFileWrite, subTag == ElicitationPatchApproval, strings.Contains(lower, "write"):
		return TypeFileWrite, true
	case subTag == ElicitationExecApproval:
		return TypeCommandExecution, true
	case subTag == ElicitationFileRead, strings.Contains(lower, "read"):
		return TypeFileRead, true
	}
	return "", false
}
