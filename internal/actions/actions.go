// Package actions turns parsed markup nodes into typed, validated actions.
package actions

import (
	"fmt"
	"strings"
)

// Kind names an action variant. Values match the markup tag names.
type Kind string

const (
	KindWriteFile        Kind = "write"
	KindRenameFile       Kind = "rename"
	KindDeleteFile       Kind = "delete"
	KindAddDependency    Kind = "add"
	KindExecuteStatement Kind = "sql"
)

// Kinds lists every supported kind in tag order.
var Kinds = []Kind{KindWriteFile, KindRenameFile, KindDeleteFile, KindAddDependency, KindExecuteStatement}

// Tags returns the markup vocabulary for all kinds.
func Tags() []string {
	out := make([]string, len(Kinds))
	for i, k := range Kinds {
		out[i] = string(k)
	}
	return out
}

// Action is a validated, immutable directive. The set of implementations is closed.
type Action interface {
	Kind() Kind
	Describe() string
	action()
}

// WriteFile replaces the content of Path, creating parents as needed.
type WriteFile struct {
	Path    string
	Content string
}

// RenameFile moves From to To.
type RenameFile struct {
	From string
	To   string
}

// DeleteFile removes Path.
type DeleteFile struct {
	Path string
}

// AddDependency records Name at Version in the dependency manifest.
type AddDependency struct {
	Name    string
	Version string
}

// ExecuteStatement is forwarded verbatim to the auxiliary store.
type ExecuteStatement struct {
	Statement   string
	Description string
}

func (WriteFile) Kind() Kind        { return KindWriteFile }
func (RenameFile) Kind() Kind       { return KindRenameFile }
func (DeleteFile) Kind() Kind       { return KindDeleteFile }
func (AddDependency) Kind() Kind    { return KindAddDependency }
func (ExecuteStatement) Kind() Kind { return KindExecuteStatement }

func (WriteFile) action()        {}
func (RenameFile) action()       {}
func (DeleteFile) action()       {}
func (AddDependency) action()    {}
func (ExecuteStatement) action() {}

func (a WriteFile) Describe() string {
	return fmt.Sprintf("write %s (%d bytes)", a.Path, len(a.Content))
}

func (a RenameFile) Describe() string {
	return fmt.Sprintf("rename %s -> %s", a.From, a.To)
}

func (a DeleteFile) Describe() string {
	return "delete " + a.Path
}

func (a AddDependency) Describe() string {
	return fmt.Sprintf("add dependency %s@%s", a.Name, a.Version)
}

func (a ExecuteStatement) Describe() string {
	if a.Description != "" {
		return "sql: " + a.Description
	}
	stmt := strings.Join(strings.Fields(a.Statement), " ")
	if len(stmt) > 60 {
		stmt = stmt[:57] + "..."
	}
	return "sql: " + stmt
}

// Batch is the ordered result of one turn, handed to the approval gate once.
type Batch struct {
	TurnID   string
	Seq      uint64
	Actions  []Action
	Warnings []Rejection
}

// Empty reports whether the batch carries no actions.
func (b Batch) Empty() bool {
	return len(b.Actions) == 0
}

// Entry is the flat, serializable form of an Action.
type Entry struct {
	Kind        Kind   `json:"kind" cbor:"kind"`
	Path        string `json:"path,omitempty" cbor:"path,omitempty"`
	From        string `json:"from,omitempty" cbor:"from,omitempty"`
	To          string `json:"to,omitempty" cbor:"to,omitempty"`
	Content     string `json:"content,omitempty" cbor:"content,omitempty"`
	Name        string `json:"name,omitempty" cbor:"name,omitempty"`
	Version     string `json:"version,omitempty" cbor:"version,omitempty"`
	Statement   string `json:"statement,omitempty" cbor:"statement,omitempty"`
	Description string `json:"description,omitempty" cbor:"description,omitempty"`
}

// ToEntry flattens a.
func ToEntry(a Action) Entry {
	switch v := a.(type) {
	case WriteFile:
		return Entry{Kind: KindWriteFile, Path: v.Path, Content: v.Content}
	case RenameFile:
		return Entry{Kind: KindRenameFile, From: v.From, To: v.To}
	case DeleteFile:
		return Entry{Kind: KindDeleteFile, Path: v.Path}
	case AddDependency:
		return Entry{Kind: KindAddDependency, Name: v.Name, Version: v.Version}
	case ExecuteStatement:
		return Entry{Kind: KindExecuteStatement, Statement: v.Statement, Description: v.Description}
	default:
		return Entry{}
	}
}

// FromEntry rebuilds the Action recorded in e.
func FromEntry(e Entry) (Action, error) {
	switch e.Kind {
	case KindWriteFile:
		return WriteFile{Path: e.Path, Content: e.Content}, nil
	case KindRenameFile:
		return RenameFile{From: e.From, To: e.To}, nil
	case KindDeleteFile:
		return DeleteFile{Path: e.Path}, nil
	case KindAddDependency:
		return AddDependency{Name: e.Name, Version: e.Version}, nil
	case KindExecuteStatement:
		return ExecuteStatement{Statement: e.Statement, Description: e.Description}, nil
	default:
		return nil, fmt.Errorf("unknown action kind %q", e.Kind)
	}
}

// Entries flattens a list of actions.
func Entries(list []Action) []Entry {
	out := make([]Entry, len(list))
	for i, a := range list {
		out[i] = ToEntry(a)
	}
	return out
}
