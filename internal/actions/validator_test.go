package actions

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchwork/internal/markup"
	"patchwork/internal/workspace"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	g, err := workspace.NewGuard(t.TempDir(), ".git")
	require.NoError(t, err)
	return NewValidator(g)
}

func node(name string, body string, attrs ...string) markup.Node {
	m := map[string]string{}
	for i := 0; i+1 < len(attrs); i += 2 {
		m[attrs[i]] = attrs[i+1]
	}
	return markup.Node{Name: name, Attrs: m, Body: body}
}

func TestValidateEachKind(t *testing.T) {
	v := newValidator(t)

	a, rej := v.Validate(node("write", "hi", "path", "./src/a.txt"))
	require.Nil(t, rej)
	assert.Equal(t, WriteFile{Path: "src/a.txt", Content: "hi"}, a)

	a, rej = v.Validate(node("write", "", "path", "empty.txt"))
	require.Nil(t, rej)
	assert.Equal(t, WriteFile{Path: "empty.txt"}, a)

	a, rej = v.Validate(node("rename", "", "from", "a.txt", "to", "b/a.txt"))
	require.Nil(t, rej)
	assert.Equal(t, RenameFile{From: "a.txt", To: "b/a.txt"}, a)

	a, rej = v.Validate(node("delete", "", "path", "old"))
	require.Nil(t, rej)
	assert.Equal(t, DeleteFile{Path: "old"}, a)

	a, rej = v.Validate(node("add", "", "name", "left-pad", "version", "1.0.0"))
	require.Nil(t, rej)
	assert.Equal(t, AddDependency{Name: "left-pad", Version: "1.0.0"}, a)

	a, rej = v.Validate(node("add", "", "name", "@types/node"))
	require.Nil(t, rej)
	assert.Equal(t, AddDependency{Name: "@types/node", Version: DefaultVersion}, a)

	a, rej = v.Validate(node("sql", "CREATE TABLE t (id INTEGER);", "description", "create t"))
	require.Nil(t, rej)
	assert.Equal(t, ExecuteStatement{Statement: "CREATE TABLE t (id INTEGER);", Description: "create t"}, a)
}

func TestValidateRejections(t *testing.T) {
	v := newValidator(t)
	cases := []struct {
		node   markup.Node
		reason Reason
	}{
		{node("shell", "rm -rf /"), ReasonUnknownKind},
		{node("write", "x"), ReasonMissingAttribute},
		{node("write", "x", "path", "   "), ReasonMissingAttribute},
		{node("rename", "", "from", "a"), ReasonMissingAttribute},
		{node("delete", ""), ReasonMissingAttribute},
		{node("add", "", "version", "1.0.0"), ReasonMissingAttribute},
		{node("write", "x", "path", "../x"), ReasonPathEscape},
		{node("write", "x", "path", "/etc/passwd"), ReasonPathEscape},
		{node("write", "x", "path", ".git/hooks/pre-commit"), ReasonPathEscape},
		{node("rename", "", "from", "a", "to", "../../b"), ReasonPathEscape},
		{node("delete", "", "path", "."), ReasonInvalidPath},
		{node("write", "x", "path", "./"), ReasonInvalidPath},
		{node("add", "", "name", "Left-Pad"), ReasonInvalidDependency},
		{node("add", "", "name", "pkg; rm -rf /"), ReasonInvalidDependency},
		{node("add", "", "name", strings.Repeat("a", 215)), ReasonInvalidDependency},
		{node("add", "", "name", "ok", "version", "1.0.0 && curl x"), ReasonInvalidDependency},
		{node("sql", "  \n "), ReasonEmptyStatement},
	}
	for _, tc := range cases {
		a, rej := v.Validate(tc.node)
		assert.Nil(t, a, tc.node.Name)
		require.NotNil(t, rej, "%s %v", tc.node.Name, tc.node.Attrs)
		assert.Equal(t, tc.reason, rej.Reason, "%s %v", tc.node.Name, tc.node.Attrs)
		assert.ErrorIs(t, rej, ErrValidationRejected)
	}
}

func TestPathEscapeIsDetectable(t *testing.T) {
	v := newValidator(t)
	_, rej := v.Validate(node("write", "x", "path", "../../etc/shadow"))
	require.NotNil(t, rej)
	assert.True(t, errors.Is(rej, ErrPathEscape))
	assert.True(t, errors.Is(rej, workspace.ErrPathEscape))
}

func TestRootPathIsNotAnEscape(t *testing.T) {
	v := newValidator(t)
	for _, p := range []string{".", "./", "a/.."} {
		_, rej := v.Validate(node("delete", "", "path", p))
		require.NotNil(t, rej, p)
		assert.ErrorIs(t, rej, ErrValidationRejected, p)
		if p == "a/.." {
			assert.Equal(t, ReasonPathEscape, rej.Reason, p)
			continue
		}
		assert.Equal(t, ReasonInvalidPath, rej.Reason, p)
		assert.ErrorIs(t, rej, workspace.ErrInvalidPath, p)
		assert.False(t, errors.Is(rej, ErrPathEscape), p)
	}
}

func TestPathPropertyRandomized(t *testing.T) {
	v := newValidator(t)
	rng := rand.New(rand.NewSource(7))
	segments := []string{"a", "src", "b.txt", "lib", "x-y", ".env", "..", "."}

	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(5)
		parts := make([]string, n)
		hasParent := false
		hasName := false
		for j := range parts {
			parts[j] = segments[rng.Intn(len(segments))]
			switch parts[j] {
			case "..":
				hasParent = true
			case ".":
			default:
				hasName = true
			}
		}
		p := strings.Join(parts, "/")
		_, rej := v.Validate(node("write", "x", "path", p))
		switch {
		case hasParent:
			require.NotNil(t, rej, p)
			assert.Equal(t, ReasonPathEscape, rej.Reason, p)
		case hasName:
			assert.Nil(t, rej, p)
		default:
			require.NotNil(t, rej, p)
		}
	}
}

func TestValidateAllKeepsGoodActions(t *testing.T) {
	v := newValidator(t)
	items := markup.ParseAll(`Sure! <write path="a.txt">hi</write><write path="../evil">x</write><add name="left-pad" version="1.0.0"/>`, Tags()...)

	accepted, warnings := v.ValidateAll(markup.Nodes(items))
	assert.Equal(t, []Action{
		WriteFile{Path: "a.txt", Content: "hi"},
		AddDependency{Name: "left-pad", Version: "1.0.0"},
	}, accepted)
	require.Len(t, warnings, 1)
	assert.Equal(t, 1, warnings[0].Index)
	assert.Equal(t, ReasonPathEscape, warnings[0].Reason)
	assert.Equal(t, `<write path="../evil">x</write>`, warnings[0].Raw)
}

func TestEntryRoundTrip(t *testing.T) {
	list := []Action{
		WriteFile{Path: "a", Content: "b"},
		RenameFile{From: "a", To: "c"},
		DeleteFile{Path: "c"},
		AddDependency{Name: "x", Version: "1"},
		ExecuteStatement{Statement: "SELECT 1", Description: "sanity check"},
	}
	for _, e := range Entries(list) {
		a, err := FromEntry(e)
		require.NoError(t, err)
		assert.Equal(t, e, ToEntry(a))
	}
	_, err := FromEntry(Entry{Kind: "shell"})
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	long := ExecuteStatement{Statement: "INSERT INTO t VALUES " + strings.Repeat("(1),", 40)}
	assert.True(t, strings.HasSuffix(long.Describe(), "..."))
	assert.Equal(t, "sql: seed", ExecuteStatement{Statement: "x", Description: "seed"}.Describe())
	assert.Equal(t, "add dependency a@1", AddDependency{Name: "a", Version: "1"}.Describe())
	assert.Equal(t, fmt.Sprintf("write a (%d bytes)", 2), WriteFile{Path: "a", Content: "hi"}.Describe())
}
