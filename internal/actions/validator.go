package actions

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"

	"patchwork/internal/markup"
	"patchwork/internal/workspace"
)

var (
	// ErrValidationRejected marks every rejected node.
	ErrValidationRejected = errors.New("action rejected")
	// ErrPathEscape is the path containment failure shared with the workspace guard.
	ErrPathEscape = workspace.ErrPathEscape
)

// Reason classifies a rejection.
type Reason string

const (
	ReasonUnknownKind       Reason = "unknown_kind"
	ReasonMissingAttribute  Reason = "missing_attribute"
	ReasonPathEscape        Reason = "path_escape"
	ReasonInvalidPath       Reason = "invalid_path"
	ReasonInvalidDependency Reason = "invalid_dependency"
	ReasonEmptyStatement    Reason = "empty_statement"
)

// DefaultVersion is used when an add tag omits its version.
const DefaultVersion = "latest"

const maxPackageName = 214

var (
	packageNamePattern = regexp.MustCompile(`^(@[a-z0-9][a-z0-9._~-]*/)?[a-z0-9][a-z0-9._~-]*$`)
	versionPattern     = regexp.MustCompile(`^(\*|[a-z][a-z0-9-]*|(\^|~|>=|<=|>|<|=)?v?\d+(\.(\d+|x|\*)){0,2}(-[0-9A-Za-z.]+)?)$`)
)

// Rejection is a node dropped from the batch. It is reported as a warning.
type Rejection struct {
	Index  int    `json:"index"`
	Tag    string `json:"tag"`
	Reason Reason `json:"reason"`
	Detail string `json:"detail"`
	Raw    string `json:"raw,omitempty"`

	cause error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s rejected (%s): %s", r.Tag, r.Reason, r.Detail)
}

// Unwrap exposes ErrValidationRejected and the underlying cause.
func (r *Rejection) Unwrap() []error {
	if r.cause == nil {
		return []error{ErrValidationRejected}
	}
	return []error{ErrValidationRejected, r.cause}
}

type writeAttrs struct {
	Path string `mapstructure:"path"`
}

type renameAttrs struct {
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`
}

type deleteAttrs struct {
	Path string `mapstructure:"path"`
}

type addAttrs struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

type sqlAttrs struct {
	Description string `mapstructure:"description"`
}

// Validator checks nodes against the allow-list and the project root.
type Validator struct {
	guard workspace.Guard
}

// NewValidator binds a validator to guard. Guard rules are not configurable.
func NewValidator(guard workspace.Guard) *Validator {
	return &Validator{guard: guard}
}

// Validate returns the typed action for node or the reason it was dropped.
func (v *Validator) Validate(node markup.Node) (Action, *Rejection) {
	reject := func(reason Reason, cause error, format string, args ...interface{}) (Action, *Rejection) {
		return nil, &Rejection{
			Tag:    node.Name,
			Reason: reason,
			Detail: fmt.Sprintf(format, args...),
			Raw:    node.Raw,
			cause:  cause,
		}
	}

	switch Kind(node.Name) {
	case KindWriteFile:
		var attrs writeAttrs
		if err := decodeAttrs(node, &attrs); err != nil {
			return reject(ReasonMissingAttribute, nil, "%v", err)
		}
		if attrs.Path == "" {
			return reject(ReasonMissingAttribute, nil, "path is required")
		}
		p, err := v.guard.Canonical(attrs.Path)
		if err != nil {
			return reject(pathReason(err), err, "%v", err)
		}
		return WriteFile{Path: p, Content: node.Body}, nil

	case KindRenameFile:
		var attrs renameAttrs
		if err := decodeAttrs(node, &attrs); err != nil {
			return reject(ReasonMissingAttribute, nil, "%v", err)
		}
		if attrs.From == "" || attrs.To == "" {
			return reject(ReasonMissingAttribute, nil, "from and to are required")
		}
		from, err := v.guard.Canonical(attrs.From)
		if err != nil {
			return reject(pathReason(err), err, "%v", err)
		}
		to, err := v.guard.Canonical(attrs.To)
		if err != nil {
			return reject(pathReason(err), err, "%v", err)
		}
		return RenameFile{From: from, To: to}, nil

	case KindDeleteFile:
		var attrs deleteAttrs
		if err := decodeAttrs(node, &attrs); err != nil {
			return reject(ReasonMissingAttribute, nil, "%v", err)
		}
		if attrs.Path == "" {
			return reject(ReasonMissingAttribute, nil, "path is required")
		}
		p, err := v.guard.Canonical(attrs.Path)
		if err != nil {
			return reject(pathReason(err), err, "%v", err)
		}
		return DeleteFile{Path: p}, nil

	case KindAddDependency:
		var attrs addAttrs
		if err := decodeAttrs(node, &attrs); err != nil {
			return reject(ReasonMissingAttribute, nil, "%v", err)
		}
		if attrs.Name == "" {
			return reject(ReasonMissingAttribute, nil, "name is required")
		}
		if len(attrs.Name) > maxPackageName || !packageNamePattern.MatchString(attrs.Name) {
			return reject(ReasonInvalidDependency, nil, "invalid package name %q", attrs.Name)
		}
		version := attrs.Version
		if version == "" {
			version = DefaultVersion
		}
		if !versionPattern.MatchString(version) {
			return reject(ReasonInvalidDependency, nil, "invalid version %q", version)
		}
		return AddDependency{Name: attrs.Name, Version: version}, nil

	case KindExecuteStatement:
		var attrs sqlAttrs
		if err := decodeAttrs(node, &attrs); err != nil {
			return reject(ReasonMissingAttribute, nil, "%v", err)
		}
		if strings.TrimSpace(node.Body) == "" {
			return reject(ReasonEmptyStatement, nil, "statement is empty")
		}
		return ExecuteStatement{Statement: node.Body, Description: attrs.Description}, nil

	default:
		return reject(ReasonUnknownKind, nil, "unsupported action %q", node.Name)
	}
}

// ValidateAll validates nodes in order. Rejections never abort the rest.
func (v *Validator) ValidateAll(nodes []markup.Node) ([]Action, []Rejection) {
	var accepted []Action
	var warnings []Rejection
	for i, node := range nodes {
		a, rej := v.Validate(node)
		if rej != nil {
			rej.Index = i
			warnings = append(warnings, *rej)
			continue
		}
		accepted = append(accepted, a)
	}
	return accepted, warnings
}

// pathReason separates malformed paths from containment failures.
func pathReason(err error) Reason {
	if errors.Is(err, workspace.ErrInvalidPath) {
		return ReasonInvalidPath
	}
	return ReasonPathEscape
}

func decodeAttrs(node markup.Node, out interface{}) error {
	attrs := make(map[string]string, len(node.Attrs))
	for k, val := range node.Attrs {
		attrs[k] = strings.TrimSpace(val)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(attrs)
}
