// Copyright 2025-2026 The nnexec Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/nnexec/nnexec/devices"
	"github.com/nnexec/nnexec/shapes"
)

// Element-wise kernels. Binary operations require inputs of identical shapes: there is
// no broadcasting in this runtime.

func runBinary(op devices.OpType, lhs, rhs *devices.Buffer, declared shapes.Shape) (*devices.Buffer, error) {
	if !lhs.Shape().Equal(rhs.Shape()) {
		return nil, errors.Errorf("cpu: operation %s requires inputs of the same shape, got %s and %s",
			op, lhs.Shape(), rhs.Shape())
	}
	outputShape, err := resolveOutputShape(lhs.Shape(), declared)
	if err != nil {
		return nil, errors.WithMessagef(err, "operation %s", op)
	}
	out := devices.NewBuffer(outputShape)
	switch flat := out.Flat().(type) {
	case []float32:
		binaryFlat(flat, lhs.Flat().([]float32), rhs.Flat().([]float32), op)
	case []float64:
		binaryFlat(flat, lhs.Flat().([]float64), rhs.Flat().([]float64), op)
	case []int32:
		binaryFlat(flat, lhs.Flat().([]int32), rhs.Flat().([]int32), op)
	case []int64:
		binaryFlat(flat, lhs.Flat().([]int64), rhs.Flat().([]int64), op)
	case []float16.Float16:
		binaryFlatFloat16(flat, lhs.Float16s(), rhs.Float16s(), op)
	default:
		return nil, errors.Errorf("cpu: operation %s not supported for dtype %s", op, outputShape.DType)
	}
	return out, nil
}

func binaryFlat[T int32 | int64 | float32 | float64](out, lhs, rhs []T, op devices.OpType) {
	switch op {
	case devices.OpTypeAdd:
		for i := range out {
			out[i] = lhs[i] + rhs[i]
		}
	case devices.OpTypeSub:
		for i := range out {
			out[i] = lhs[i] - rhs[i]
		}
	case devices.OpTypeMul:
		for i := range out {
			out[i] = lhs[i] * rhs[i]
		}
	case devices.OpTypeDiv:
		for i := range out {
			out[i] = lhs[i] / rhs[i]
		}
	}
}

// binaryFlatFloat16 computes in float32 and rounds back to float16, like most
// accelerators do.
func binaryFlatFloat16(out, lhs, rhs []float16.Float16, op devices.OpType) {
	lhs32 := make([]float32, len(lhs))
	rhs32 := make([]float32, len(rhs))
	out32 := make([]float32, len(out))
	for i := range lhs {
		lhs32[i] = lhs[i].Float32()
		rhs32[i] = rhs[i].Float32()
	}
	binaryFlat(out32, lhs32, rhs32, op)
	for i := range out {
		out[i] = float16.Fromfloat32(out32[i])
	}
}

func runUnary(op devices.OpType, in *devices.Buffer, declared shapes.Shape) (*devices.Buffer, error) {
	outputShape, err := resolveOutputShape(in.Shape(), declared)
	if err != nil {
		return nil, errors.WithMessagef(err, "operation %s", op)
	}
	out := devices.NewBuffer(outputShape)
	switch flat := out.Flat().(type) {
	case []float32:
		fn := unaryFloat32(op)
		for i, x := range in.Flat().([]float32) {
			flat[i] = fn(x)
		}
	case []float64:
		fn := unaryFloat64(op)
		for i, x := range in.Flat().([]float64) {
			flat[i] = fn(x)
		}
	case []float16.Float16:
		fn := unaryFloat32(op)
		for i, x := range in.Float16s() {
			flat[i] = float16.Fromfloat32(fn(x.Float32()))
		}
	case []int32:
		fn := unaryIntOrFloat64[int32](op)
		for i, x := range in.Flat().([]int32) {
			flat[i] = fn(x)
		}
	case []int64:
		fn := unaryIntOrFloat64[int64](op)
		for i, x := range in.Flat().([]int64) {
			flat[i] = fn(x)
		}
	default:
		return nil, errors.Errorf("cpu: operation %s not supported for dtype %s", op, outputShape.DType)
	}
	return out, nil
}

func unaryFloat32(op devices.OpType) func(float32) float32 {
	switch op {
	case devices.OpTypeAbs:
		return math32.Abs
	case devices.OpTypeExp:
		return math32.Exp
	case devices.OpTypeLogistic:
		return func(x float32) float32 { return 1.0 / (1.0 + math32.Exp(-x)) }
	case devices.OpTypeNeg:
		return func(x float32) float32 { return -x }
	case devices.OpTypeRelu:
		return func(x float32) float32 { return math32.Max(x, 0) }
	case devices.OpTypeTanh:
		return math32.Tanh
	}
	return nil
}

func unaryFloat64(op devices.OpType) func(float64) float64 {
	switch op {
	case devices.OpTypeAbs:
		return math.Abs
	case devices.OpTypeExp:
		return math.Exp
	case devices.OpTypeLogistic:
		return func(x float64) float64 { return 1.0 / (1.0 + math.Exp(-x)) }
	case devices.OpTypeNeg:
		return func(x float64) float64 { return -x }
	case devices.OpTypeRelu:
		return func(x float64) float64 { return math.Max(x, 0) }
	case devices.OpTypeTanh:
		return math.Tanh
	}
	return nil
}

// unaryIntOrFloat64 returns the integer kernel for op; transcendental operations
// compute in float64 and truncate back, matching what ConvertDType does.
func unaryIntOrFloat64[T int32 | int64](op devices.OpType) func(T) T {
	switch op {
	case devices.OpTypeAbs:
		return func(x T) T {
			if x < 0 {
				return -x
			}
			return x
		}
	case devices.OpTypeNeg:
		return func(x T) T { return -x }
	case devices.OpTypeRelu:
		return func(x T) T {
			if x < 0 {
				return 0
			}
			return x
		}
	}
	fn := unaryFloat64(op)
	return func(x T) T { return T(fn(float64(x))) }
}

// runConvertDType converts element-wise to the declared output dtype, through float64.
func runConvertDType(in *devices.Buffer, declared shapes.Shape) (*devices.Buffer, error) {
	computed := in.Shape().Clone()
	computed.DType = declared.DType
	outputShape, err := resolveOutputShape(computed, declared)
	if err != nil {
		return nil, errors.WithMessage(err, "operation ConvertDType")
	}
	values, err := toFloat64s(in)
	if err != nil {
		return nil, err
	}
	out := devices.NewBuffer(outputShape)
	switch flat := out.Flat().(type) {
	case []float32:
		for i, v := range values {
			flat[i] = float32(v)
		}
	case []float64:
		copy(flat, values)
	case []float16.Float16:
		for i, v := range values {
			flat[i] = float16.Fromfloat32(float32(v))
		}
	case []int32:
		for i, v := range values {
			flat[i] = int32(v)
		}
	case []int64:
		for i, v := range values {
			flat[i] = int64(v)
		}
	default:
		return nil, errors.Errorf("cpu: ConvertDType to dtype %s not supported", outputShape.DType)
	}
	return out, nil
}

func toFloat64s(b *devices.Buffer) ([]float64, error) {
	switch flat := b.Flat().(type) {
	case []float32:
		out := make([]float64, len(flat))
		for i, v := range flat {
			out[i] = float64(v)
		}
		return out, nil
	case []float64:
		out := make([]float64, len(flat))
		copy(out, flat)
		return out, nil
	case []float16.Float16:
		out := make([]float64, len(flat))
		for i, v := range flat {
			out[i] = float64(v.Float32())
		}
		return out, nil
	case []int32:
		out := make([]float64, len(flat))
		for i, v := range flat {
			out[i] = float64(v)
		}
		return out, nil
	case []int64:
		out := make([]float64, len(flat))
		for i, v := range flat {
			out[i] = float64(v)
		}
		return out, nil
	}
	return nil, errors.Errorf("cpu: ConvertDType from dtype %s not supported", b.DType())
}
