package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/op15/bridge/internal/session"
)

const permissionPolicySchemaVersionV1 = 1

// PermissionPolicy is the local permission cap configuration stored on the
// agent endpoint. It clamps whatever SessionPermissions the bridge grants
//: even a "unrestricted" grant from the bridge never
// exceeds what the local operator has allowed here.
type PermissionPolicy struct {
	SchemaVersion int `json:"schemaVersion"`

	// LocalMax is the global cap. Required for schemaVersion=1.
	LocalMax *PermissionSet `json:"localMax"`
}

// PermissionSet is the local cap's capability set, mirrored against
// session.Permissions.AllowedOperations.
type PermissionSet struct {
	Read   bool `json:"read"`
	Write  bool `json:"write"`
	Delete bool `json:"delete"`
	Exec   bool `json:"exec"`
}

func (p PermissionSet) Intersect(other PermissionSet) PermissionSet {
	return PermissionSet{
		Read:   p.Read && other.Read,
		Write:  p.Write && other.Write,
		Delete: p.Delete && other.Delete,
		Exec:   p.Exec && other.Exec,
	}
}

func defaultPermissionSet() PermissionSet {
	return PermissionSet{Read: true, Write: true, Delete: true, Exec: true}
}

func defaultPermissionPolicy() *PermissionPolicy {
	d := defaultPermissionSet()
	return &PermissionPolicy{SchemaVersion: permissionPolicySchemaVersionV1, LocalMax: &d}
}

func (p *PermissionPolicy) Validate() error {
	if p == nil {
		return nil
	}
	if p.SchemaVersion != permissionPolicySchemaVersionV1 {
		return fmt.Errorf("unsupported schemaVersion: %d", p.SchemaVersion)
	}
	if p.LocalMax == nil {
		return errors.New("missing localMax")
	}
	return nil
}

// Clamp intersects a bridge-granted session.Permissions with the local cap,
// operation by operation, so a compromised or overly generous bridge grant
// can never exceed what the operator configured on the endpoint.
func (p *PermissionPolicy) Clamp(perms session.Permissions) session.Permissions {
	localMax := defaultPermissionSet()
	if p != nil && p.LocalMax != nil {
		localMax = *p.LocalMax
	}

	clamped := perms.Clone()
	if clamped.AllowedOperations == nil {
		clamped.AllowedOperations = map[string]bool{}
	}
	if !localMax.Read {
		clamped.AllowedOperations["read"] = false
	}
	if !localMax.Write {
		clamped.AllowedOperations["write"] = false
	}
	if !localMax.Delete {
		clamped.AllowedOperations["delete"] = false
	}
	if !localMax.Exec {
		clamped.AllowedOperations["exec"] = false
	}
	return clamped
}

func ParsePermissionPolicyPreset(preset string) (*PermissionPolicy, error) {
	p := strings.ToLower(strings.TrimSpace(preset))
	p = strings.ReplaceAll(p, "-", "_")

	switch p {
	case "":
		return defaultPermissionPolicy(), nil
	case "read_only":
		s := PermissionSet{Read: true}
		return &PermissionPolicy{SchemaVersion: permissionPolicySchemaVersionV1, LocalMax: &s}, nil
	case "read_exec":
		s := PermissionSet{Read: true, Exec: true}
		return &PermissionPolicy{SchemaVersion: permissionPolicySchemaVersionV1, LocalMax: &s}, nil
	case "read_write_exec":
		s := PermissionSet{Read: true, Write: true, Exec: true}
		return &PermissionPolicy{SchemaVersion: permissionPolicySchemaVersionV1, LocalMax: &s}, nil
	case "unrestricted":
		return defaultPermissionPolicy(), nil
	default:
		return nil, fmt.Errorf("unknown permission policy preset: %q", preset)
	}
}
