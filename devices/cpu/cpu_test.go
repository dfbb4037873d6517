// Copyright 2025-2026 The nnexec Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/nnexec/nnexec/devices"
	"github.com/nnexec/nnexec/shapes"
)

func prepare(t *testing.T, ops ...devices.OpType) devices.PreparedCode {
	code, err := New().Prepare(ops)
	require.NoError(t, err)
	return code
}

func run(t *testing.T, code devices.PreparedCode, op devices.OpType, output shapes.Shape, inputs ...*devices.Buffer) *devices.Buffer {
	out, err := code.Run(op, inputs, output)
	require.NoError(t, err)
	return out
}

func TestBinaryOpsFloat32(t *testing.T) {
	s := shapes.Make(dtypes.Float32, 4)
	lhs := devices.NewBufferFromFlat(s, []float32{1, 2, 3, 4})
	rhs := devices.NewBufferFromFlat(s, []float32{4, 3, 2, 1})
	code := prepare(t, devices.OpTypeAdd, devices.OpTypeSub, devices.OpTypeMul, devices.OpTypeDiv)

	assert.Equal(t, []float32{5, 5, 5, 5}, run(t, code, devices.OpTypeAdd, s, lhs, rhs).Float32s())
	assert.Equal(t, []float32{-3, -1, 1, 3}, run(t, code, devices.OpTypeSub, s, lhs, rhs).Float32s())
	assert.Equal(t, []float32{4, 6, 6, 4}, run(t, code, devices.OpTypeMul, s, lhs, rhs).Float32s())
	assert.Equal(t, []float32{0.25, 2.0 / 3.0, 1.5, 4}, run(t, code, devices.OpTypeDiv, s, lhs, rhs).Float32s())
}

func TestBinaryOpsInt(t *testing.T) {
	s := shapes.Make(dtypes.Int64, 3)
	lhs := devices.NewBufferFromFlat(s, []int64{10, -4, 9})
	rhs := devices.NewBufferFromFlat(s, []int64{3, 2, -9})
	code := prepare(t, devices.OpTypeAdd, devices.OpTypeMul)

	assert.Equal(t, []int64{13, -2, 0}, run(t, code, devices.OpTypeAdd, s, lhs, rhs).Flat())
	assert.Equal(t, []int64{30, -8, -81}, run(t, code, devices.OpTypeMul, s, lhs, rhs).Flat())
}

func TestBinaryOpsFloat16(t *testing.T) {
	s := shapes.Make(dtypes.Float16, 2)
	toF16 := func(values ...float32) *devices.Buffer {
		flat := make([]float16.Float16, len(values))
		for i, v := range values {
			flat[i] = float16.Fromfloat32(v)
		}
		return devices.NewBufferFromFlat(s, flat)
	}
	code := prepare(t, devices.OpTypeAdd)
	out := run(t, code, devices.OpTypeAdd, s, toF16(1.5, 2.25), toF16(0.5, 0.75))
	got := out.Float16s()
	assert.Equal(t, float32(2), got[0].Float32())
	assert.Equal(t, float32(3), got[1].Float32())
}

func TestUnaryOps(t *testing.T) {
	s := shapes.Make(dtypes.Float32, 3)
	in := devices.NewBufferFromFlat(s, []float32{-1, 0, 2})
	code := prepare(t, devices.OpTypeAbs, devices.OpTypeNeg, devices.OpTypeRelu, devices.OpTypeLogistic, devices.OpTypeTanh, devices.OpTypeExp)

	assert.Equal(t, []float32{1, 0, 2}, run(t, code, devices.OpTypeAbs, s, in).Float32s())
	assert.Equal(t, []float32{1, 0, -2}, run(t, code, devices.OpTypeNeg, s, in).Float32s())
	assert.Equal(t, []float32{0, 0, 2}, run(t, code, devices.OpTypeRelu, s, in).Float32s())

	logistic := run(t, code, devices.OpTypeLogistic, s, in).Float32s()
	assert.InDelta(t, 0.26894143, logistic[0], 1e-6)
	assert.InDelta(t, 0.5, logistic[1], 1e-6)

	tanh := run(t, code, devices.OpTypeTanh, s, in).Float32s()
	assert.InDelta(t, -0.7615942, tanh[0], 1e-6)

	exp := run(t, code, devices.OpTypeExp, s, in).Float32s()
	assert.InDelta(t, 7.389056, exp[2], 1e-5)
}

// Transcendental unaries on integers compute in float64 and truncate back.
func TestUnaryIntTranscendental(t *testing.T) {
	s := shapes.Make(dtypes.Int32, 2)
	in := devices.NewBufferFromFlat(s, []int32{-3, 5})
	code := prepare(t, devices.OpTypeAbs, devices.OpTypeExp, devices.OpTypeTanh)

	assert.Equal(t, []int32{3, 5}, run(t, code, devices.OpTypeAbs, s, in).Flat())
	// exp(-3) = 0.0498 -> 0, exp(5) = 148.41 -> 148.
	assert.Equal(t, []int32{0, 148}, run(t, code, devices.OpTypeExp, s, in).Flat())
	assert.Equal(t, []int32{0, 0}, run(t, code, devices.OpTypeTanh, s, in).Flat())
}

func TestConvertDType(t *testing.T) {
	in := devices.NewBufferFromFlat(shapes.Make(dtypes.Float32, 3), []float32{1.5, -2, 3})
	code := prepare(t, devices.OpTypeConvertDType)

	toF64 := run(t, code, devices.OpTypeConvertDType, shapes.Make(dtypes.Float64, 3), in)
	assert.Equal(t, []float64{1.5, -2, 3}, toF64.Flat())

	toI32 := run(t, code, devices.OpTypeConvertDType, shapes.Make(dtypes.Int32, 3), in)
	assert.Equal(t, []int32{1, -2, 3}, toI32.Flat())
}

func TestRunResolvesUnknownOutputDimensions(t *testing.T) {
	s := shapes.Make(dtypes.Float32, 4)
	in := devices.NewBufferFromFlat(s, []float32{-1, 2, -3, 4})
	code := prepare(t, devices.OpTypeAbs)

	declared := shapes.Make(dtypes.Float32, shapes.DimUnknown)
	out := run(t, code, devices.OpTypeAbs, declared, in)
	assert.True(t, out.Shape().IsFullyDefined())
	assert.Equal(t, []int{4}, out.Shape().Dimensions)
}

func TestRunRejectsShapeMismatches(t *testing.T) {
	code := prepare(t, devices.OpTypeAdd, devices.OpTypeAbs)

	lhs := devices.NewBufferFromFlat(shapes.Make(dtypes.Float32, 4), []float32{1, 2, 3, 4})
	rhs := devices.NewBufferFromFlat(shapes.Make(dtypes.Float32, 2), []float32{1, 2})
	_, err := code.Run(devices.OpTypeAdd, []*devices.Buffer{lhs, rhs}, shapes.Make(dtypes.Float32, 4))
	require.Error(t, err)

	// Declared dimension contradicting the computed one.
	_, err = code.Run(devices.OpTypeAbs, []*devices.Buffer{lhs}, shapes.Make(dtypes.Float32, 8))
	require.Error(t, err)
}

func TestPrepareRejectsUnsupportedOp(t *testing.T) {
	_, err := New().Prepare([]devices.OpType{devices.OpTypeInvalid})
	require.Error(t, err)
}

// The advertised capabilities must match exactly what the kernels implement: every
// operation kind, over every kernel dtype, and nothing more. Bool buffers exist but no
// kernel operates on them, so claiming Bool would make the planner route operations here
// that only fail at run time.
func TestCapabilitiesMatchKernels(t *testing.T) {
	caps := New().Capabilities()
	for _, op := range devices.OpTypes() {
		assert.True(t, caps.SupportsOp(op), "op %s", op)
	}
	for _, dtype := range supportedDTypes {
		assert.True(t, caps.SupportsDType(dtype), "dtype %s", dtype)
	}
	assert.False(t, caps.SupportsDType(dtypes.Bool))

	// Every claimed op × dtype combination actually runs.
	code := prepare(t, devices.OpTypes()...)
	ones := devices.NewBufferFromFlat(shapes.Make(dtypes.Float32, 2), []float32{1, 1})
	for _, dtype := range supportedDTypes {
		s := shapes.Make(dtype, 2)
		in := run(t, code, devices.OpTypeConvertDType, s, ones)
		for _, op := range devices.OpTypes() {
			inputs := []*devices.Buffer{in, in}[:op.NumInputs()]
			_, err := code.Run(op, inputs, s)
			assert.NoErrorf(t, err, "op %s on dtype %s", op, dtype)
		}
	}
}
