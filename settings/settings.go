// Package settings provides server-side settings management.
package settings

import "fmt"

// ApprovalPolicy controls when codex asks before acting.
type ApprovalPolicy string

const (
	ApprovalUntrusted ApprovalPolicy = "untrusted"
	ApprovalOnFailure ApprovalPolicy = "on-failure"
	ApprovalOnRequest ApprovalPolicy = "on-request"
	ApprovalNever     ApprovalPolicy = "never"
)

// SandboxMode is the codex sandbox applied to commands it runs.
type SandboxMode string

const (
	SandboxReadOnly         SandboxMode = "read-only"
	SandboxWorkspaceWrite   SandboxMode = "workspace-write"
	SandboxDangerFullAccess SandboxMode = "danger-full-access"
)

type Settings struct {
	ApprovalPolicy ApprovalPolicy `json:"approval_policy"`
	Sandbox        SandboxMode    `json:"sandbox"`
}

func Default() Settings {
	return Settings{
		ApprovalPolicy: ApprovalOnRequest,
		Sandbox:        SandboxWorkspaceWrite,
	}
}

func (p ApprovalPolicy) IsValid() bool {
	switch p {
	case ApprovalUntrusted, ApprovalOnFailure, ApprovalOnRequest, ApprovalNever:
		return true
	}
	return false
}

func (m SandboxMode) IsValid() bool {
	switch m {
	case SandboxReadOnly, SandboxWorkspaceWrite, SandboxDangerFullAccess:
		return true
	}
	return false
}

func (s Settings) Validate() error {
	if !s.ApprovalPolicy.IsValid() {
		return fmt.Errorf("invalid approval_policy: %q", s.ApprovalPolicy)
	}
	if !s.Sandbox.IsValid() {
		return fmt.Errorf("invalid sandbox: %q", s.Sandbox)
	}
	return nil
}
