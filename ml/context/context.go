// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package context defines the Context and Variable types: Context organizes variables by scope,
// and Variable manages the storage of values shared across training steps -- model weights,
// optimizer state, loss-scaling state.
//
// The Context organizes 2 types of information, both organized in "scopes":
//
//  1. Variables: named state cells holding a tensor value each. They are the only state that
//     must be persisted (checkpointed) across process restarts -- see the checkpoints package.
//  2. Parameters: hyperparameters and any arbitrary information that needs sharing among the
//     components using the Context -- e.g. "learning_rate" or "loss_scale".
//
// The Context object is actually a thin wrapper that contains the current scope (similar to a
// current directory) and a link to the actual data. One can change scopes by using
// Context.In("new_scope"): it returns a new Context with the new scope set, but still pointing
// (sharing) all the data with the previous Context.
//
// Variable duplicate creation checking:
// the context is by default configured with Context.Checked(true), which checks at every
// variable creation whether the variable already exists -- an unintended re-registration of a
// named state cell is a programming error. When checked, variable creation with
// Context.VariableWithValue will panic if:
//
//   - Context.Unique() (the default) and the variable already exists;
//   - Context.Reuse() and the variable didn't exist.
//
// Supporting state (optimizers, loss scaling) typically uses Context.Checked(false), which
// creates on first use and reuses thereafter.
package context

import (
	"fmt"
	"reflect"
	"strings"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/lossscale/types/tensors"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// Context organizes variables and hyperparameters in scopes. See the package documentation.
//
// It is a "reference" type: scope, reuse and checked are part of the reference and changing
// them (Context.In, Context.Reuse, Context.Checked) returns a new reference. The underlying
// data (variables and parameters) is shared among all connected references.
type Context struct {
	// scope for currently created variables and parameters.
	scope string

	// reuse of variables, if set to true.
	reuse bool

	// checked access to variables: whether to check for reuse when a variable is created.
	// If set to false, it makes reuse irrelevant.
	checked bool

	// data, shared among all connected Context references.
	data *contextData
}

// scopedVariableMap maps a variable name to a Variable, within a scope.
type scopedVariableMap map[string]*Variable

// contextData stores all context information and is shared among various Context references.
type contextData struct {
	// id uniquely identifies this context (the "execution context" of its variables).
	// It is recorded in checkpoints for sanity checking.
	id uuid.UUID

	// params holds the hyperparameters, scoped.
	params *ScopedParams

	// variablesMap for this context organized per scope.
	variablesMap map[string]scopedVariableMap

	// variables is a plain list of all variables, in creation order.
	variables []*Variable

	// loader, if set, is called to check whether there is a previous value of the variable to use.
	loader Loader
}

// Loader can be implemented by any library providing loading of variables for a Context.
// Loader implementations need to provide values on demand -- as variables are created, even if
// they load everything up-front.
//
// An example of a Loader in the checkpoints package.
type Loader interface {
	// LoadVariable tries to load the variable v, specified by its scope and name.
	// If it's not found, it returns false, and the variable keeps the value it was created with.
	LoadVariable(ctx *Context, scope, name string) (value *tensors.Tensor, found bool)
}

// ScopeSeparator is used between levels of scope. Scope names cannot use this character.
const ScopeSeparator = "/"

// RootScope is the scope of a newly created Context (with New).
const RootScope = ScopeSeparator

// New constructs a new and empty context.
func New() *Context {
	return &Context{
		scope:   RootScope,
		checked: true,
		data: &contextData{
			id:           uuid.New(),
			params:       NewScopedParams(),
			variablesMap: make(map[string]scopedVariableMap),
		},
	}
}

// copy creates a copy of the Context reference, but sharing the same "data" component.
func (ctx *Context) copy() *Context {
	ctx2 := &Context{}
	*ctx2 = *ctx
	return ctx2
}

// Id returns the unique identifier of the context, shared by all connected references.
// Together with a variable's scope and name it forms a globally unique key for the
// variable's persisted state.
func (ctx *Context) Id() uuid.UUID {
	return ctx.data.id
}

// Scope returns the full scope path.
func (ctx *Context) Scope() string {
	return ctx.scope
}

// EscapeScopeName replaces any ScopeSeparator in the string with "_".
func EscapeScopeName(scopeName string) string {
	return strings.ReplaceAll(scopeName, ScopeSeparator, "_")
}

// In returns a new reference to the Context with the extra given scope. No ScopeSeparator ("/")
// is allowed in scope.
func (ctx *Context) In(scope string) *Context {
	if scope == "" {
		Panicf("context: cannot use empty scope for Context.In()")
	}
	if strings.Contains(scope, ScopeSeparator) {
		Panicf("context: cannot use separator %q in scope element %q", ScopeSeparator, scope)
	}
	var newScope string
	if ctx.scope == RootScope {
		newScope = fmt.Sprintf("%s%s", ScopeSeparator, scope)
	} else {
		newScope = fmt.Sprintf("%s%s%s", ctx.scope, ScopeSeparator, scope)
	}
	return ctx.InAbsPath(newScope)
}

// InAbsPath returns a new reference to the Context with the given absolute scope path. It must
// start with ScopeSeparator, and have each element separated by ScopeSeparator.
func (ctx *Context) InAbsPath(scopePath string) *Context {
	if !strings.HasPrefix(scopePath, ScopeSeparator) {
		Panicf("context: absolute scope path must start with separator %q, instead got %q", ScopeSeparator, scopePath)
	}
	ctx2 := ctx.copy()
	ctx2.scope = scopePath
	return ctx2
}

// Reuse returns a new reference to the Context set to reuse of variables, if it is not already
// in reuse mode. If checked is false, this setting is irrelevant.
func (ctx *Context) Reuse() *Context {
	if ctx.reuse {
		return ctx
	}
	ctx2 := ctx.copy()
	ctx2.reuse = true
	return ctx2
}

// Unique returns a new reference to the Context set to only allow new variables, if it is not
// already in unique mode. If checked is false, this setting is irrelevant.
func (ctx *Context) Unique() *Context {
	if !ctx.reuse {
		return ctx
	}
	ctx2 := ctx.copy()
	ctx2.reuse = false
	return ctx2
}

// IsReuse returns whether Context is marked for reuse. This is irrelevant if IsChecked is false.
func (ctx *Context) IsReuse() bool { return ctx.reuse }

// Checked returns a new context with the checked flag set accordingly.
// If checked is true, checks for reuse/uniqueness are performed according to IsReuse().
// If checked is false, variables are dynamically reused or created when needed, without checks.
// Usually it is set to true when building models, and set to false for supporting variables
// (optimizers, metrics, loss scaling).
func (ctx *Context) Checked(checked bool) *Context {
	if ctx.checked == checked {
		return ctx
	}
	ctx2 := ctx.copy()
	ctx2.checked = checked
	return ctx2
}

// IsChecked returns whether the context is checking reuse rules.
func (ctx *Context) IsChecked() bool { return ctx.checked }

// GetParam returns the value for the given param key, searching successively from the current
// scope back to the root scope ("/"), in case the key is not found.
//
// E.g: if the current scope is "/a/b", it will search for the key in the "/a/b" scope, then in
// "/a" and finally in "/", and return the first result found.
func (ctx *Context) GetParam(key string) (value any, found bool) {
	return ctx.data.params.Get(ctx.scope, key)
}

// SetParam sets the given param in the current scope. It will be visible (by GetParam) within
// this scope and descendant scopes (but not by other scopes).
func (ctx *Context) SetParam(key string, value any) {
	ctx.data.params.Set(ctx.scope, key, value)
}

// EnumerateParams enumerates all parameters for all scopes and calls fn with their values.
func (ctx *Context) EnumerateParams(fn func(scope, key string, value any)) {
	ctx.data.params.Enumerate(fn)
}

// GetParamOr either returns the value of the parameter key, if it exists in the context,
// or the given defaultValue.
//
// It tries to convert compatible types: e.g. if the parameter is stored as a float32 and one
// requests a float64, it converts and returns.
func GetParamOr[T any](ctx *Context, key string, defaultValue T) T {
	valueAny, found := ctx.GetParam(key)
	if !found || valueAny == nil {
		return defaultValue
	}
	value, ok := valueAny.(T)
	if ok {
		return value
	}
	// Try converting, for instance, a float32 could be converted to float64.
	v := reflect.ValueOf(valueAny)
	var t T
	typeOfT := reflect.TypeOf(t)
	if !v.CanConvert(typeOfT) {
		klog.Warningf("context: hyperparameter %q requested as %T, but it is stored as %s and cannot be converted; "+
			"using default value %v", key, t, v.Type(), defaultValue)
		return defaultValue
	}
	return v.Convert(typeOfT).Interface().(T)
}

// findVariableInScope returns the variable in the current scope, or nil if not found.
func (ctx *Context) findVariableInScope(name string) *Variable {
	return ctx.GetVariableByScopeAndName(ctx.scope, name)
}

// GetVariableByScopeAndName returns the variable with the given name at the given scope, for
// inspection. This shouldn't be used when building models, since it bypasses the reuse checks.
// It returns nil if the variable doesn't exist.
func (ctx *Context) GetVariableByScopeAndName(scope, name string) *Variable {
	scopeVars, ok := ctx.data.variablesMap[scope]
	if !ok {
		return nil
	}
	return scopeVars[name]
}

// setVariableInScope registers the variable in the current scope.
func (ctx *Context) setVariableInScope(name string, v *Variable) {
	vSet, found := ctx.data.variablesMap[ctx.scope]
	if !found {
		vSet = make(scopedVariableMap)
		ctx.data.variablesMap[ctx.scope] = vSet
	}
	vSet[name] = v
	ctx.data.variables = append(ctx.data.variables, v)
}

// DeleteVariable if it exists. Returns whether it existed.
func (ctx *Context) DeleteVariable(scope, name string) bool {
	v := ctx.GetVariableByScopeAndName(scope, name)
	if v == nil {
		return false
	}
	delete(ctx.data.variablesMap[scope], name)
	for ii, other := range ctx.data.variables {
		if other == v {
			ctx.data.variables = append(ctx.data.variables[:ii], ctx.data.variables[ii+1:]...)
			break
		}
	}
	return true
}

// VariableWithValue creates (or reuses, if the context allows) a variable in the current scope,
// initialized with the given value. The value given must be concrete: a *tensors.Tensor or a Go
// value that can be converted to one.
//
// Duplicate registration of a variable under the same scope+name on a Checked, non-Reuse
// context is a programming error and panics.
//
// If a Loader is configured (see SetLoader), and a previously saved value is available, it
// overrides the value given here -- e.g. the value is actually loaded from the last checkpoint.
func (ctx *Context) VariableWithValue(name string, value any) *Variable {
	v := ctx.findVariableInScope(name)

	// Check against reuse of variables.
	if ctx.checked && ctx.reuse && v == nil {
		Panicf("context: requested variable %q in scope %q with Context.Reuse set, but variable does not exist",
			name, ctx.scope)
	}
	if ctx.checked && !ctx.reuse && v != nil {
		Panicf("context: variable %q for scope %q already exists -- duplicate registration of a state cell "+
			"is a programming error; if this was deliberate, use Context.Reuse() or Context.Checked(false)",
			name, ctx.scope)
	}

	valueT := valueToTensor(value)
	if v != nil {
		// Pre-existing variable to reuse: check that the requested and previous shapes are the same.
		if !valueT.Shape().Equal(v.shape) {
			Panicf("context: requested to reuse variable %q in scope %q, but with a value of different shape "+
				"from the original: previous shape=%s, requested value shape=%s",
				name, ctx.scope, v.shape, valueT.Shape())
		}
		return v
	}

	// New variable: create and register it in the Context.
	v = &Variable{
		ctx:       ctx,
		name:      name,
		scope:     ctx.scope,
		shape:     valueT.Shape(),
		value:     valueT,
		Trainable: true, // By default variables are trainable.
	}
	ctx.setVariableInScope(name, v)
	ctx.tryToLoad(v)
	return v
}

// tryToLoad tries to load the variable from the loader. It returns true if it succeeded.
func (ctx *Context) tryToLoad(v *Variable) bool {
	loader := ctx.data.loader
	if loader == nil {
		return false
	}
	value, found := loader.LoadVariable(ctx, v.scope, v.name)
	if found {
		if !value.Shape().Equal(v.shape) {
			Panicf("context: loading of variable %q returned shape %s, but the variable was created with "+
				"shape %s -- did some hyperparameter change since the variable was saved?",
				v.ScopeAndName(), value.Shape(), v.shape)
		}
		v.value = value
	}
	return found
}

// valueToTensor converts a concrete Go value (or a tensor) to a tensor.
func valueToTensor(value any) *tensors.Tensor {
	switch v := value.(type) {
	case *tensors.Tensor:
		return v
	case bool:
		return tensors.FromScalar(v)
	case int:
		return tensors.FromScalar(int64(v))
	case int32:
		return tensors.FromScalar(v)
	case int64:
		return tensors.FromScalar(v)
	case float32:
		return tensors.FromScalar(v)
	case float64:
		return tensors.FromScalar(v)
	case []float32:
		return tensors.FromFlatDataAndDimensions(v, len(v))
	case []float64:
		return tensors.FromFlatDataAndDimensions(v, len(v))
	case []int32:
		return tensors.FromFlatDataAndDimensions(v, len(v))
	case []int64:
		return tensors.FromFlatDataAndDimensions(v, len(v))
	default:
		Panicf("context: cannot convert value of type %T to a tensor", value)
	}
	return nil
}

// EnumerateVariables calls fn for each variable in the context. The order of visitation is
// deterministic (creation order).
func (ctx *Context) EnumerateVariables(fn func(v *Variable)) {
	for _, v := range ctx.data.variables {
		fn(v)
	}
}

// NumVariables returns the number of variables in this Context.
func (ctx *Context) NumVariables() int {
	return len(ctx.data.variables)
}

// NumParameters returns the summed-up size of all variables.
// It ignores the DType, so a float64 counts as much as a uint8.
func (ctx *Context) NumParameters() int {
	total := 0
	ctx.EnumerateVariables(func(v *Variable) {
		total += v.Shape().Size()
	})
	return total
}

// Memory returns the total number of bytes summed across all variables.
func (ctx *Context) Memory() uintptr {
	total := uintptr(0)
	ctx.EnumerateVariables(func(v *Variable) {
		total += v.Shape().Memory()
	})
	return total
}

// Loader returns the currently configured Loader for this context. See SetLoader for details.
func (ctx *Context) Loader() Loader {
	return ctx.data.loader
}

// SetLoader configures the given loader to be used as the default Loader for this Context.
//
// The Loader is used just after any new variable is created: if it has a previously saved value
// for the variable, it will override the value given at creation.
func (ctx *Context) SetLoader(loader Loader) {
	ctx.data.loader = loader
}
