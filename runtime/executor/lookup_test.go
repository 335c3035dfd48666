package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascada-lang/cascada/core/meta"
	"github.com/cascada-lang/cascada/runtime/errs"
	"github.com/cascada-lang/cascada/runtime/value"
)

func TestMemberLookupOnMap(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)
	obj := map[string]any{"name": "ada"}

	assert.Equal(t, "ada", rt.MemberLookup(obj, "name", meta.Position{}))
}

func TestMemberLookupOnSlice(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)
	assert.Equal(t, "b", rt.MemberLookup([]any{"a", "b"}, 1, meta.Position{}))
}

func TestMemberLookupMissTemplateMode(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)
	assert.Nil(t, rt.MemberLookup(map[string]any{}, "ghost", meta.Position{}))
	assert.Nil(t, rt.MemberLookup(nil, "x", meta.Position{}))
}

func TestMemberLookupMissScriptMode(t *testing.T) {
	rt := newTestRuntime(ModeScript)

	v := rt.MemberLookup(nil, "x", meta.Position{Line: 2, Col: 4})
	p, ok := v.(*value.Poison)
	require.True(t, ok)

	var te *errs.TemplateError
	require.ErrorAs(t, p.Errors[0], &te)
	assert.Equal(t, 2, te.Line)
	assert.Contains(t, te.Message, "undefined")
}

// When both inputs are poisoned the error lists concatenate; one poisoned
// input passes through unchanged. No error is ever dropped.
func TestMemberLookupNeverMissesErrors(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)
	e1, e2 := errors.New("obj bad"), errors.New("key bad")
	pObj, pKey := value.NewPoison(e1), value.NewPoison(e2)

	both := rt.MemberLookup(pObj, pKey, meta.Position{})
	require.True(t, value.IsPoison(both))
	assert.Equal(t, []error{e1, e2}, both.(*value.Poison).Errors)

	one := rt.MemberLookup(pObj, "key", meta.Position{})
	assert.Same(t, pObj, one)
}

// A function-valued property comes back bound to its receiver.
func TestMemberLookupBindsMethods(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)
	obj := map[string]any{
		"greeting": "hello",
	}
	obj["greet"] = value.Func(func(ctx context.Context, args ...any) (any, error) {
		return obj["greeting"], nil
	})

	member := rt.MemberLookup(obj, "greet", meta.Position{})
	bound, ok := member.(*value.Bound)
	require.True(t, ok)
	assert.Equal(t, obj, bound.Receiver)

	v, err := bound.Call(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestMemberLookupAsyncConcreteFastPath(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)
	obj := map[string]any{"k": "v"}

	out := rt.MemberLookupAsync(context.Background(), obj, "k", meta.Position{})
	assert.Equal(t, "v", out, "concrete inputs must not allocate a future")
}

func TestMemberLookupAsyncPendingInputs(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)
	obj := value.Resolved(map[string]any{"k": "v"})
	key := value.Resolved("k")

	out := rt.MemberLookupAsync(context.Background(), obj, key, meta.Position{})
	f, ok := out.(*value.Future)
	require.True(t, ok)

	v, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestMemberLookupAsyncCollectsBothErrors(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)
	e1, e2 := errors.New("obj failed"), errors.New("key failed")

	out := rt.MemberLookupAsync(context.Background(),
		value.Rejected(e1), value.Rejected(e2), meta.Position{})
	f, ok := out.(*value.Future)
	require.True(t, ok)

	v, err := f.Await(context.Background())
	require.NoError(t, err)
	p, ok := v.(*value.Poison)
	require.True(t, ok)
	assert.Equal(t, []error{e1, e2}, p.Errors)
}

// A pending property value gets position context, so its later rejection
// becomes a positioned error.
func TestMemberLookupAsyncWrapsPendingProperty(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)
	obj := map[string]any{"later": value.Rejected(errors.New("fetch failed"))}

	out := rt.MemberLookupAsync(context.Background(), obj, "later", meta.Position{Line: 9, Col: 3, Path: "page.casc"})
	f, ok := out.(*value.Future)
	require.True(t, ok)

	_, err := f.Await(context.Background())
	require.Error(t, err)
	var te *errs.TemplateError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 9, te.Line)
	assert.Equal(t, "page.casc", te.Path)
}

func TestLookupVarFrameBeatsContext(t *testing.T) {
	rt := New(map[string]any{"site": "from-context"}, Config{Mode: ModeTemplate})
	rt.root.Declare("site")
	rt.root.Set("site", "from-frame", false)

	assert.Equal(t, "from-frame", rt.LookupVar(rt.root, "site"))
}

func TestLookupVarFallsBackToContext(t *testing.T) {
	rt := New(map[string]any{"site": "example.org"}, Config{Mode: ModeTemplate})
	assert.Equal(t, "example.org", rt.LookupVar(rt.root, "site"))
}

func TestLookupVarMissTemplateMode(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)
	assert.Nil(t, rt.LookupVar(rt.root, "ghost"))
}

func TestLookupVarMissScriptModeIsPoison(t *testing.T) {
	rt := New(map[string]any{"userName": 1}, Config{Mode: ModeScript})

	v := rt.LookupVar(rt.root, "usrname")
	p, ok := v.(*value.Poison)
	require.True(t, ok)
	assert.Contains(t, p.Errors[0].Error(), errs.MsgUnknownVariable)
	assert.Contains(t, p.Errors[0].Error(), "userName", "suggestion should name the close candidate")
}

func TestLookupVarStrictThrows(t *testing.T) {
	rt := newTestRuntime(ModeScript)
	_, err := rt.LookupVarStrict(rt.root, "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), errs.MsgUnknownVariable)
}

func TestAssignVarScriptModeRequiresDeclaration(t *testing.T) {
	rt := newTestRuntime(ModeScript)

	err := rt.AssignVar(rt.root, "undeclared", 1, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), errs.MsgUndeclaredAssign)

	rt.root.Declare("declared")
	assert.NoError(t, rt.AssignVar(rt.root, "declared", 1, false))
}

func TestAssignVarTemplateModeDeclaresImplicitly(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)
	require.NoError(t, rt.AssignVar(rt.root, "x", 42, false))

	v, ok := rt.root.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, 42, v)
}
