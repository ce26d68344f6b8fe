package plugin

import (
	"fmt"

	xerrors "ChainHost/internal/errors"
)

// Error codes raised by the plugin engine.
const (
	CodePluginNotFound      xerrors.Code = "PLUGIN_NOT_FOUND"
	CodeDependencyCycle     xerrors.Code = "PLUGIN_DEPENDENCY_CYCLE"
	CodeDependencyNotMet    xerrors.Code = "PLUGIN_DEPENDENCY_NOT_MET"
	CodeResourceInitFailed  xerrors.Code = "PLUGIN_RESOURCE_INIT_FAILED"
	CodePolicyViolation     xerrors.Code = "PLUGIN_POLICY_VIOLATION"
	CodePluginNotInstalled  xerrors.Code = "PLUGIN_NOT_INSTALLED"
	CodeUnknownResourceType xerrors.Code = "PLUGIN_UNKNOWN_RESOURCE_TYPE"
	CodeResourceNotFound    xerrors.Code = "RESOURCE_NOT_FOUND"
	CodeResourceConflict    xerrors.Code = "RESOURCE_CONFLICT"
	CodeManagerClosed       xerrors.Code = "PLUGIN_MANAGER_CLOSED"
)

func init() {
	xerrors.Register(CodePluginNotFound, xerrors.Attributes{Message: "plugin descriptor not found", Severity: xerrors.SeverityCritical, Alert: true})
	xerrors.Register(CodeDependencyCycle, xerrors.Attributes{Message: "plugin dependency cycle", Severity: xerrors.SeverityCritical, Alert: true})
	xerrors.Register(CodeDependencyNotMet, xerrors.Attributes{Message: "plugin dependency not met", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true})
	xerrors.Register(CodeResourceInitFailed, xerrors.Attributes{Message: "resources manager initialisation failed", Severity: xerrors.SeverityCritical, Retryable: true, Alert: true})
	xerrors.Register(CodePolicyViolation, xerrors.Attributes{Message: "plugin violates isolation policy", Severity: xerrors.SeverityWarning, Alert: true})
	xerrors.Register(CodePluginNotInstalled, xerrors.Attributes{Message: "plugin not installed", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeUnknownResourceType, xerrors.Attributes{Message: "unknown resource type", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeResourceNotFound, xerrors.Attributes{Message: "resource not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeResourceConflict, xerrors.Attributes{Message: "resource already exists", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeManagerClosed, xerrors.Attributes{Message: "plugin manager is closed", Severity: xerrors.SeverityWarning})
}

// Sentinels for errors.Is. Matching compares codes only. Messages are set
// explicitly because package variables are initialised before init runs.
var (
	ErrPluginNotFound      = xerrors.New(CodePluginNotFound, "plugin descriptor not found")
	ErrDependencyCycle     = xerrors.New(CodeDependencyCycle, "plugin dependency cycle")
	ErrDependencyNotMet    = xerrors.New(CodeDependencyNotMet, "plugin dependency not met")
	ErrResourceInitFailed  = xerrors.New(CodeResourceInitFailed, "resources manager initialisation failed")
	ErrPolicyViolation     = xerrors.New(CodePolicyViolation, "plugin violates isolation policy")
	ErrPluginNotInstalled  = xerrors.New(CodePluginNotInstalled, "plugin not installed")
	ErrUnknownResourceType = xerrors.New(CodeUnknownResourceType, "unknown resource type")
	ErrResourceNotFound    = xerrors.New(CodeResourceNotFound, "resource not found")
	ErrResourceConflict    = xerrors.New(CodeResourceConflict, "resource already exists")
	ErrManagerClosed       = xerrors.New(CodeManagerClosed, "plugin manager is closed")
)

func pluginError(code xerrors.Code, plugin string, cause error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	opts := []xerrors.Option{xerrors.WithMetadata("plugin", plugin)}
	if cause == nil {
		return xerrors.New(code, msg, opts...)
	}
	return xerrors.Wrap(code, cause, msg, opts...)
}

// NotInstalled builds the error returned for lookups of inactive plugins.
func NotInstalled(plugin string) error {
	return pluginError(CodePluginNotInstalled, plugin, nil, "plugin %s is not installed", plugin)
}

// UnknownResourceType builds the error returned for lookups of undeclared
// resource types.
func UnknownResourceType(plugin, resourceType string) error {
	return pluginError(CodeUnknownResourceType, plugin, nil, "plugin %s has no resource type %s", plugin, resourceType)
}

// ResourceNotFound is returned by resource controllers for missing names.
func ResourceNotFound(resourceType, name string) error {
	return xerrors.New(CodeResourceNotFound, fmt.Sprintf("%s %q not found", resourceType, name), xerrors.WithMetadata("resource", name))
}

// ResourceConflict is returned by resource controllers for duplicate names.
func ResourceConflict(resourceType, name string) error {
	return xerrors.New(CodeResourceConflict, fmt.Sprintf("%s %q already exists", resourceType, name), xerrors.WithMetadata("resource", name))
}
