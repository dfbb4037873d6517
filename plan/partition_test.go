// Copyright 2025-2026 The nnexec Authors. SPDX-License-Identifier: Apache-2.0

package plan_test

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nnexec/nnexec/devices"
	"github.com/nnexec/nnexec/model"
	"github.com/nnexec/nnexec/plan"
	"github.com/nnexec/nnexec/shapes"
)

// Two devices, the value of the first step crossing into the second.
func TestPartitionTwoDevices(t *testing.T) {
	m := mulAddModel(t) // t2 = Mul(in0, in1); out3 = Add(t2, in1)
	p, err := plan.Partition(m, mulOnlyAccelerator())
	require.NoError(t, err)

	steps := p.Steps()
	require.Len(t, steps, 2)
	assert.False(t, p.IsSingleStep())
	assert.Equal(t, 1, p.InterStepOutputCount())

	step0, step1 := steps[0], steps[1]
	assert.Equal(t, "mul-only", step0.Device().Name())
	assert.Nil(t, step1.Device())

	// Step 0 computes Mul from the two model inputs and exports t2.
	assert.Len(t, step0.ModelInputs(), 2)
	assert.Empty(t, step0.ModelOutputs())
	require.Len(t, step0.InterStepOutputs(), 1)
	assert.Equal(t, model.OperandIndex(2), step0.InterStepOutputs()[0].From)
	assert.Equal(t, 1, step0.SubModel().NumOperations())

	// Step 1 computes Add from t2 and in1 and produces the model output.
	assert.Len(t, step1.ModelInputs(), 1)
	require.Len(t, step1.InterStepInputs(), 1)
	assert.Equal(t, model.OperandIndex(2), step1.InterStepInputs()[0].From)
	require.Len(t, step1.ModelOutputs(), 1)
	assert.Equal(t, model.OperandIndex(3), step1.ModelOutputs()[0].From)
	assert.Equal(t, 1, step1.SubModel().NumOperations())
}

// One device covering everything collapses to a single-step plan.
func TestPartitionSingleDevice(t *testing.T) {
	m := mulAddModel(t)

	// No accelerators: everything on the software fallback.
	p, err := plan.Partition(m)
	require.NoError(t, err)
	assert.True(t, p.IsSingleStep())
	assert.Nil(t, p.Steps())

	// One accelerator covering both operations: single step on it.
	all := &fakeAccelerator{name: "full", ops: []devices.OpType{devices.OpTypeMul, devices.OpTypeAdd}}
	p2, err := plan.Partition(m, all)
	require.NoError(t, err)
	assert.True(t, p2.IsSingleStep())

	c := p2.NewController()
	stepExec, err := c.Next()
	require.NoError(t, err)
	require.NotNil(t, stepExec)
	assert.Equal(t, "full", stepExec.Device.Name())
	assert.Same(t, m, stepExec.Model)
}

// A temporary no other step consumes must not become an inter-step output.
func TestPartitionUnconsumedTemporary(t *testing.T) {
	m := model.NewModel("dangling-temporary")
	s := shapes.Make(dtypes.Float32, 4)
	in0 := m.AddOperand(s)
	in1 := m.AddOperand(s)
	t2 := m.AddOperand(s)
	t3 := m.AddOperand(s) // Written by Mul but never read.
	out4 := m.AddOperand(s)
	m.AddOperation(devices.OpTypeMul, []model.OperandIndex{in0, in1}, []model.OperandIndex{t2})
	m.AddOperation(devices.OpTypeMul, []model.OperandIndex{in0, in0}, []model.OperandIndex{t3})
	m.AddOperation(devices.OpTypeAdd, []model.OperandIndex{t2, in1}, []model.OperandIndex{out4})
	m.IdentifyInputsAndOutputs([]model.OperandIndex{in0, in1}, []model.OperandIndex{out4})
	require.NoError(t, m.Finish())

	p, err := plan.Partition(m, mulOnlyAccelerator())
	require.NoError(t, err)
	steps := p.Steps()
	require.Len(t, steps, 2)

	// Only t2 crosses the boundary; t3 stays inside step 0.
	require.Len(t, steps[0].InterStepOutputs(), 1)
	assert.Equal(t, model.OperandIndex(2), steps[0].InterStepOutputs()[0].From)
	assert.Equal(t, 1, p.InterStepOutputCount())
	assert.Len(t, steps[0].SubModelOutputs(), 1)
}

// Operations the accelerator can't run because of dtypes also fall back.
func TestPartitionDTypeRestriction(t *testing.T) {
	m := model.NewModel("dtype-split")
	f32 := shapes.Make(dtypes.Float32, 4)
	f64 := shapes.Make(dtypes.Float64, 4)
	in0 := m.AddOperand(f32)
	in1 := m.AddOperand(f64)
	t2 := m.AddOperand(f64)
	out3 := m.AddOperand(f64)
	m.AddOperation(devices.OpTypeConvertDType, []model.OperandIndex{in0}, []model.OperandIndex{t2})
	m.AddOperation(devices.OpTypeAdd, []model.OperandIndex{t2, in1}, []model.OperandIndex{out3})
	m.IdentifyInputsAndOutputs([]model.OperandIndex{in0, in1}, []model.OperandIndex{out3})
	require.NoError(t, m.Finish())

	f32Only := &fakeAccelerator{
		name:   "f32-only",
		ops:    devices.OpTypes(),
		dtypes: []dtypes.DType{dtypes.Float32},
	}
	p, err := plan.Partition(m, f32Only)
	require.NoError(t, err)
	// Both operations touch Float64 operands, so everything falls back.
	assert.True(t, p.IsSingleStep())
}

// An operation over a dtype no device's kernels implement must fail at partitioning,
// never surfacing only at run time.
func TestPartitionRejectsUnsupportedDType(t *testing.T) {
	m := model.NewModel("bool-mul")
	s := shapes.Make(dtypes.Bool, 2)
	in0 := m.AddOperand(s)
	in1 := m.AddOperand(s)
	out := m.AddOperand(s)
	m.AddOperation(devices.OpTypeMul, []model.OperandIndex{in0, in1}, []model.OperandIndex{out})
	m.IdentifyInputsAndOutputs([]model.OperandIndex{in0, in1}, []model.OperandIndex{out})
	require.NoError(t, m.Finish())

	_, err := plan.Partition(m)
	require.Error(t, err)
	assert.ErrorContains(t, err, "not supported by any device")
}

func TestPartitionUnfinishedModelPanics(t *testing.T) {
	m := model.NewModel("unfinished")
	require.Panics(t, func() { _, _ = plan.Partition(m) })
}
