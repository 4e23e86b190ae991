// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements saving and loading of context variables (and hyperparameters)
// to file, so training state -- model weights, global step, loss-scaling state -- survives
// process restarts.
//
// The main object is the Handler, created by calling Build, followed by the option setters and
// finally Config.Done. Once created, if a previously saved checkpoint exists in the directory,
// the Handler loads it: values of existing variables are replaced, hyperparameters are restored,
// and the Handler registers itself as the context Loader, so variables created later (e.g. the
// loss scale state registered by lossscale.Dynamic) pick up their saved values.
//
// Example:
//
//	ctx := context.New()
//	checkpoint := must.M1(checkpoints.Build(ctx).Dir(*flagCheckpoint).Done())
//	...
//	must.M(checkpoint.Save())  // Typically every N training steps.
//
// Hyperparameter values round-trip through JSON: numeric parameters are restored as float64.
package checkpoints

import (
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/lossscale/ml/context"
	"github.com/gomlx/lossscale/types/shapes"
	"github.com/gomlx/lossscale/types/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// DirPermMode is the default directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0770)

// CheckpointFileName inside the checkpoint directory.
const CheckpointFileName = "checkpoint.json"

// Config for the checkpoints' Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done() and it will output a
// checkpoints.Handler.
type Config struct {
	ctx *context.Context

	dir           string
	includeParams bool
}

// Build a configuration for a checkpoints.Handler attached to the given context.
func Build(ctx *context.Context) *Config {
	return &Config{ctx: ctx, includeParams: true}
}

// Dir sets the directory where the checkpoint is saved. Required.
// It is created if it doesn't yet exist.
func (c *Config) Dir(dir string) *Config {
	c.dir = dir
	return c
}

// ExcludeParams configures the Handler to not save/load hyperparameters, only variables.
func (c *Config) ExcludeParams() *Config {
	c.includeParams = false
	return c
}

// Done creates the Handler. If the directory already holds a checkpoint, it is loaded into the
// context (see package documentation).
func (c *Config) Done() (*Handler, error) {
	if c.dir == "" {
		return nil, errors.New("checkpoints: configuration requires a directory, use Config.Dir")
	}
	if err := os.MkdirAll(c.dir, DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "checkpoints: failed to create directory %q", c.dir)
	}
	h := &Handler{
		ctx:           c.ctx,
		dir:           c.dir,
		includeParams: c.includeParams,
		loaded:        make(map[variableKey]variableEntry),
	}
	if err := h.load(); err != nil {
		return nil, err
	}
	c.ctx.SetLoader(h)
	return h, nil
}

// Handler saves and loads checkpoints of a context to a directory. It implements
// context.Loader, providing saved values for variables as they are created.
//
// Create it with Build(ctx).Dir(dir)...Done().
type Handler struct {
	ctx           *context.Context
	dir           string
	includeParams bool

	loaded map[variableKey]variableEntry
}

var _ context.Loader = (*Handler)(nil)

type variableKey struct {
	scope, name string
}

// checkpointFile is the serialized form of a checkpoint.
type checkpointFile struct {
	// ContextId identifies the execution context that saved the checkpoint.
	ContextId string    `json:"context_id"`
	SavedAt   time.Time `json:"saved_at"`

	Params    []paramEntry    `json:"params,omitempty"`
	Variables []variableEntry `json:"variables"`
}

type paramEntry struct {
	Scope string `json:"scope"`
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// variableEntry serializes one variable. Values are stored per kind: floating-point dtypes
// (including float16 and bfloat16) in FloatValues, integer dtypes in IntValues, booleans in
// BoolValues.
type variableEntry struct {
	Scope      string `json:"scope"`
	Name       string `json:"name"`
	DType      string `json:"dtype"`
	Dimensions []int  `json:"dimensions,omitempty"`
	Trainable  bool   `json:"trainable"`

	FloatValues []float64 `json:"float_values,omitempty"`
	IntValues   []int64   `json:"int_values,omitempty"`
	BoolValues  []bool    `json:"bool_values,omitempty"`
}

// Dir where the checkpoint is saved.
func (h *Handler) Dir() string { return h.dir }

// checkpointPath returns the path of the checkpoint file.
func (h *Handler) checkpointPath() string {
	return filepath.Join(h.dir, CheckpointFileName)
}

// Save a checkpoint with the current values of the context variables (and hyperparameters).
// The file is written to a temporary name and renamed, so a crash mid-save never corrupts the
// previous checkpoint.
func (h *Handler) Save() error {
	file := checkpointFile{
		ContextId: h.ctx.Id().String(),
		SavedAt:   time.Now(),
	}
	if h.includeParams {
		h.ctx.EnumerateParams(func(scope, key string, value any) {
			if _, err := json.Marshal(value); err != nil {
				klog.Warningf("checkpoints: hyperparameter %q in scope %q of type %T is not serializable, skipping",
					key, scope, value)
				return
			}
			file.Params = append(file.Params, paramEntry{Scope: scope, Key: key, Value: value})
		})
	}
	var err error
	h.ctx.EnumerateVariables(func(v *context.Variable) {
		if err != nil {
			return
		}
		var entry variableEntry
		entry, err = encodeVariable(v)
		if err != nil {
			return
		}
		file.Variables = append(file.Variables, entry)
	})
	if err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(file, "", "\t")
	if err != nil {
		return errors.Wrap(err, "checkpoints: failed to serialize checkpoint")
	}
	tmpPath := h.checkpointPath() + ".tmp"
	if err := os.WriteFile(tmpPath, encoded, 0660); err != nil {
		return errors.Wrapf(err, "checkpoints: failed to write %q", tmpPath)
	}
	if err := os.Rename(tmpPath, h.checkpointPath()); err != nil {
		return errors.Wrapf(err, "checkpoints: failed to rename %q into place", tmpPath)
	}
	klog.V(1).Infof("checkpoints: saved %d variables to %s", len(file.Variables), h.checkpointPath())
	return nil
}

// load reads the checkpoint file, if present, restores hyperparameters and the values of
// already existing variables, and keeps the rest available for LoadVariable.
func (h *Handler) load() error {
	encoded, err := os.ReadFile(h.checkpointPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No checkpoint yet.
		}
		return errors.Wrapf(err, "checkpoints: failed to read %q", h.checkpointPath())
	}
	var file checkpointFile
	if err := json.Unmarshal(encoded, &file); err != nil {
		return errors.Wrapf(err, "checkpoints: failed to parse %q", h.checkpointPath())
	}
	klog.V(1).Infof("checkpoints: loading %d variables from %s (saved by context %s at %s)",
		len(file.Variables), h.checkpointPath(), file.ContextId, file.SavedAt)
	if h.includeParams {
		for _, param := range file.Params {
			h.ctx.InAbsPath(param.Scope).SetParam(param.Key, param.Value)
		}
	}
	for _, entry := range file.Variables {
		h.loaded[variableKey{scope: entry.Scope, name: entry.Name}] = entry
	}
	// Values of variables created before the Handler are replaced immediately.
	h.ctx.EnumerateVariables(func(v *context.Variable) {
		entry, found := h.loaded[variableKey{scope: v.Scope(), name: v.Name()}]
		if !found {
			return
		}
		value, err := decodeVariable(entry)
		if err != nil {
			klog.Errorf("checkpoints: failed to restore variable %s: %+v", v.ScopeAndName(), err)
			return
		}
		v.SetValue(value)
	})
	return nil
}

// LoadVariable implements context.Loader: it provides the checkpointed value for a variable
// being created, if one was saved.
func (h *Handler) LoadVariable(_ *context.Context, scope, name string) (*tensors.Tensor, bool) {
	entry, found := h.loaded[variableKey{scope: scope, name: name}]
	if !found {
		return nil, false
	}
	value, err := decodeVariable(entry)
	if err != nil {
		klog.Errorf("checkpoints: failed to restore variable %q in scope %q: %+v", name, scope, err)
		return nil, false
	}
	return value, true
}

// supportedDTypes maps the serialized dtype names back to the DType.
var supportedDTypes = map[string]dtypes.DType{
	dtypes.Float16.String():  dtypes.Float16,
	dtypes.BFloat16.String(): dtypes.BFloat16,
	dtypes.Float32.String():  dtypes.Float32,
	dtypes.Float64.String():  dtypes.Float64,
	dtypes.Int32.String():    dtypes.Int32,
	dtypes.Int64.String():    dtypes.Int64,
	dtypes.Uint8.String():    dtypes.Uint8,
	dtypes.Bool.String():     dtypes.Bool,
}

func encodeVariable(v *context.Variable) (entry variableEntry, err error) {
	value := v.Value()
	entry = variableEntry{
		Scope:      v.Scope(),
		Name:       v.Name(),
		DType:      value.DType().String(),
		Dimensions: value.Shape().Dimensions,
		Trainable:  v.Trainable,
	}
	switch value.DType() {
	case dtypes.Float16:
		tensors.ConstFlatData(value, func(flat []float16.Float16) {
			entry.FloatValues = make([]float64, len(flat))
			for ii, value := range flat {
				entry.FloatValues[ii] = float64(value.Float32())
			}
		})
	case dtypes.BFloat16:
		tensors.ConstFlatData(value, func(flat []bfloat16.BFloat16) {
			entry.FloatValues = make([]float64, len(flat))
			for ii, value := range flat {
				entry.FloatValues[ii] = float64(value.Float32())
			}
		})
	case dtypes.Float32:
		tensors.ConstFlatData(value, func(flat []float32) {
			entry.FloatValues = make([]float64, len(flat))
			for ii, value := range flat {
				entry.FloatValues[ii] = float64(value)
			}
		})
	case dtypes.Float64:
		entry.FloatValues = tensors.CopyFlatData[float64](value)
	case dtypes.Int32:
		tensors.ConstFlatData(value, func(flat []int32) {
			entry.IntValues = make([]int64, len(flat))
			for ii, value := range flat {
				entry.IntValues[ii] = int64(value)
			}
		})
	case dtypes.Int64:
		entry.IntValues = tensors.CopyFlatData[int64](value)
	case dtypes.Uint8:
		tensors.ConstFlatData(value, func(flat []uint8) {
			entry.IntValues = make([]int64, len(flat))
			for ii, value := range flat {
				entry.IntValues[ii] = int64(value)
			}
		})
	case dtypes.Bool:
		entry.BoolValues = tensors.CopyFlatData[bool](value)
	default:
		err = errors.Errorf("checkpoints: variable %s has dtype %s, which is not supported for checkpointing",
			v.ScopeAndName(), value.DType())
	}
	return
}

func decodeVariable(entry variableEntry) (*tensors.Tensor, error) {
	dtype, found := supportedDTypes[entry.DType]
	if !found {
		return nil, errors.Errorf("checkpoints: unknown dtype %q for variable %q in scope %q",
			entry.DType, entry.Name, entry.Scope)
	}
	shape := shapes.Make(dtype, entry.Dimensions...)
	value := tensors.FromShape(shape)
	size := shape.Size()
	wrongSize := func(got int) error {
		return errors.Errorf("checkpoints: variable %q in scope %q has shape %s (size %d), but %d values were saved",
			entry.Name, entry.Scope, shape, size, got)
	}
	switch dtype {
	case dtypes.Float16:
		if len(entry.FloatValues) != size {
			return nil, wrongSize(len(entry.FloatValues))
		}
		tensors.MutableFlatData(value, func(flat []float16.Float16) {
			for ii, saved := range entry.FloatValues {
				flat[ii] = float16.Fromfloat32(float32(saved))
			}
		})
	case dtypes.BFloat16:
		if len(entry.FloatValues) != size {
			return nil, wrongSize(len(entry.FloatValues))
		}
		tensors.MutableFlatData(value, func(flat []bfloat16.BFloat16) {
			for ii, saved := range entry.FloatValues {
				flat[ii] = bfloat16.FromFloat32(float32(saved))
			}
		})
	case dtypes.Float32:
		if len(entry.FloatValues) != size {
			return nil, wrongSize(len(entry.FloatValues))
		}
		tensors.MutableFlatData(value, func(flat []float32) {
			for ii, saved := range entry.FloatValues {
				flat[ii] = float32(saved)
			}
		})
	case dtypes.Float64:
		if len(entry.FloatValues) != size {
			return nil, wrongSize(len(entry.FloatValues))
		}
		tensors.AssignFlatData(value, entry.FloatValues)
	case dtypes.Int32:
		if len(entry.IntValues) != size {
			return nil, wrongSize(len(entry.IntValues))
		}
		tensors.MutableFlatData(value, func(flat []int32) {
			for ii, saved := range entry.IntValues {
				flat[ii] = int32(saved)
			}
		})
	case dtypes.Int64:
		if len(entry.IntValues) != size {
			return nil, wrongSize(len(entry.IntValues))
		}
		tensors.AssignFlatData(value, entry.IntValues)
	case dtypes.Uint8:
		if len(entry.IntValues) != size {
			return nil, wrongSize(len(entry.IntValues))
		}
		tensors.MutableFlatData(value, func(flat []uint8) {
			for ii, saved := range entry.IntValues {
				flat[ii] = uint8(saved)
			}
		})
	case dtypes.Bool:
		if len(entry.BoolValues) != size {
			return nil, wrongSize(len(entry.BoolValues))
		}
		tensors.AssignFlatData(value, entry.BoolValues)
	}
	return value, nil
}
