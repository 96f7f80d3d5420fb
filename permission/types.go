// Package permission holds the permission-type table, option/decision
// mapping, request id derivation and the pending confirmation set shared by
// the dispatcher and the tool tracker.
package permission

import (
	"errors"
	"fmt"
)

var ErrUnknownType = errors.New("unknown permission type")

// Type is the abstract category a permission prompt belongs to.
type Type string

const (
	TypeCommandExecution Type = "command_execution"
	TypeFileWrite        Type = "file_write"
	TypeFileRead         Type = "file_read"
)

// Severity ranks how risky granting a permission is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// OptionKind identifies one of the four response choices.
type OptionKind string

const (
	OptionAllowOnce    OptionKind = "allow_once"
	OptionAllowAlways  OptionKind = "allow_always"
	OptionRejectOnce   OptionKind = "reject_once"
	OptionRejectAlways OptionKind = "reject_always"
)

// Decision is the value codex expects back for an approval request.
type Decision string

const (
	DecisionApproved           Decision = "approved"
	DecisionApprovedForSession Decision = "approved_for_session"
	DecisionDenied             Decision = "denied"
	DecisionAbort              Decision = "abort"
)

type Option struct {
	OptionID    string     `json:"optionId"`
	Name        string     `json:"name"`
	Kind        OptionKind `json:"kind"`
	Description string     `json:"description,omitempty"`
	Severity    Severity   `json:"severity,omitempty"`
}

// Config is the display text and option list for one permission type.
type Config struct {
	Type        Type
	Title       string
	Description string
	Severity    Severity
	Options     []Option
}

type optionText struct {
	allowOnce, allowAlways, rejectOnce, rejectAlways string
}

var configs = map[Type]Config{
	TypeCommandExecution: {
		Type:        TypeCommandExecution,
		Title:       "Command Execution Permission",
		Description: "Codex wants to execute a command",
		Severity:    SeverityHigh,
		Options: buildOptions(optionText{
			allowOnce:    "Allow this command execution",
			allowAlways:  "Allow command execution for the rest of this session",
			rejectOnce:   "Reject this command execution",
			rejectAlways: "Reject and abort the current task",
		}),
	},
	TypeFileWrite: {
		Type:        TypeFileWrite,
		Title:       "File Write Permission",
		Description: "Codex wants to apply proposed code changes",
		Severity:    SeverityMedium,
		Options: buildOptions(optionText{
			allowOnce:    "Allow this file operation",
			allowAlways:  "Allow file changes for the rest of this session",
			rejectOnce:   "Reject this file operation",
			rejectAlways: "Reject and abort the current task",
		}),
	},
	TypeFileRead: {
		Type:        TypeFileRead,
		Title:       "File Read Permission",
		Description: "Codex wants to read files from your workspace",
		Severity:    SeverityLow,
		Options: buildOptions(optionText{
			allowOnce:    "Allow reading files",
			allowAlways:  "Allow file reads for the rest of this session",
			rejectOnce:   "Reject file access",
			rejectAlways: "Reject and abort the current task",
		}),
	},
}

func buildOptions(text optionText) []Option {
	return []Option{
		{OptionID: string(OptionAllowOnce), Name: "Allow", Kind: OptionAllowOnce, Description: text.allowOnce, Severity: SeverityLow},
		{OptionID: string(OptionAllowAlways), Name: "Always allow", Kind: OptionAllowAlways, Description: text.allowAlways, Severity: SeverityMedium},
		{OptionID: string(OptionRejectOnce), Name: "Reject", Kind: OptionRejectOnce, Description: text.rejectOnce, Severity: SeverityLow},
		{OptionID: string(OptionRejectAlways), Name: "Always reject", Kind: OptionRejectAlways, Description: text.rejectAlways, Severity: SeverityHigh},
	}
}

// Lookup returns the display config for t. The returned option slice is a
// copy and may be modified by the caller.
func Lookup(t Type) (Config, error) {
	cfg, ok := configs[t]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	cfg.Options = append([]Option(nil), cfg.Options...)
	return cfg, nil
}

var decisions = map[OptionKind]Decision{
	OptionAllowOnce:    DecisionApproved,
	OptionAllowAlways:  DecisionApprovedForSession,
	OptionRejectOnce:   DecisionDenied,
	OptionRejectAlways: DecisionAbort,
}

// DecisionFor maps a UI option id to the backend decision.
// Unknown ids are treated as a plain denial.
func DecisionFor(optionID string) Decision {
	if d, ok := decisions[OptionKind(optionID)]; ok {
		return d
	}
	return DecisionDenied
}

// IsValidOption reports whether optionID is one of the four known options.
func IsValidOption(optionID string) bool {
	_, ok := decisions[OptionKind(optionID)]
	return ok
}

// IsAllow reports whether optionID grants the request.
func IsAllow(optionID string) bool {
	return optionID == string(OptionAllowOnce) || optionID == string(OptionAllowAlways)
}

// IsPersistent reports whether optionID affects later requests of the same kind.
func IsPersistent(optionID string) bool {
	return optionID == string(OptionAllowAlways) || optionID == string(OptionRejectAlways)
}

// RecommendedDefault returns the option a UI should preselect for severity.
func RecommendedDefault(s Severity) OptionKind {
	switch s {
	case SeverityLow:
		return OptionAllowOnce
	case SeverityHigh, SeverityCritical:
		return OptionRejectAlways
	default:
		return OptionRejectOnce
	}
}
