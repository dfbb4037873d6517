// Copyright 2025-2026 The nnexec Authors. SPDX-License-Identifier: Apache-2.0

package devices

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"

	"github.com/nnexec/nnexec/shapes"
)

// Buffer holds the concrete data of one tensor value exchanged with a device.
//
// The flat data is always a slice of the Go type matching shape.DType, with
// shape.Size() elements.
type Buffer struct {
	shape shapes.Shape

	// flat is always a slice of the underlying data type (shape.DType).
	flat any
}

// SupportedDTypes lists the data types buffers can hold.
var SupportedDTypes = []dtypes.DType{
	dtypes.Bool, dtypes.Float16, dtypes.Float32, dtypes.Float64,
	dtypes.Int32, dtypes.Int64,
}

// NewBuffer allocates a zero-initialized buffer of the given shape.
// The shape must be fully defined; it panics otherwise (defect).
func NewBuffer(shape shapes.Shape) *Buffer {
	size := shape.Size()
	var flat any
	switch shape.DType {
	case dtypes.Bool:
		flat = make([]bool, size)
	case dtypes.Float16:
		flat = make([]float16.Float16, size)
	case dtypes.Float32:
		flat = make([]float32, size)
	case dtypes.Float64:
		flat = make([]float64, size)
	case dtypes.Int32:
		flat = make([]int32, size)
	case dtypes.Int64:
		flat = make([]int64, size)
	default:
		exceptions.Panicf("devices.NewBuffer: unsupported dtype %s (shape=%s)", shape.DType, shape)
	}
	return &Buffer{shape: shape.Clone(), flat: flat}
}

// NewBufferFromFlat wraps an already allocated flat slice. The flat slice type must
// match the shape's DType and its length the shape's size; it panics otherwise (defect).
func NewBufferFromFlat(shape shapes.Shape, flat any) *Buffer {
	if got := flatDType(flat); got != shape.DType {
		exceptions.Panicf("devices.NewBufferFromFlat: flat slice holds dtype %s, shape is %s", got, shape)
	}
	b := &Buffer{shape: shape.Clone(), flat: flat}
	if b.length() != shape.Size() {
		exceptions.Panicf("devices.NewBufferFromFlat: flat has %d elements, shape %s requires %d",
			b.length(), shape, shape.Size())
	}
	return b
}

func flatDType(flat any) dtypes.DType {
	switch flat.(type) {
	case []bool:
		return dtypes.Bool
	case []float16.Float16:
		return dtypes.Float16
	case []float32:
		return dtypes.Float32
	case []float64:
		return dtypes.Float64
	case []int32:
		return dtypes.Int32
	case []int64:
		return dtypes.Int64
	}
	return dtypes.InvalidDType
}

// NewBufferFromBytes decodes a little-endian byte serialization of the flat values,
// as stored for inline model constants.
func NewBufferFromBytes(shape shapes.Shape, data []byte) *Buffer {
	if uintptr(len(data)) != shape.Memory() {
		exceptions.Panicf("devices.NewBufferFromBytes: got %d bytes, shape %s requires %d",
			len(data), shape, shape.Memory())
	}
	b := NewBuffer(shape)
	switch flat := b.flat.(type) {
	case []bool:
		for i := range flat {
			flat[i] = data[i] != 0
		}
	case []float16.Float16:
		for i := range flat {
			flat[i] = float16.Float16(binary.LittleEndian.Uint16(data[2*i:]))
		}
	case []float32:
		for i := range flat {
			flat[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
		}
	case []float64:
		for i := range flat {
			flat[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[8*i:]))
		}
	case []int32:
		for i := range flat {
			flat[i] = int32(binary.LittleEndian.Uint32(data[4*i:]))
		}
	case []int64:
		for i := range flat {
			flat[i] = int64(binary.LittleEndian.Uint64(data[8*i:]))
		}
	}
	return b
}

// Shape of the buffer.
func (b *Buffer) Shape() shapes.Shape { return b.shape }

// DType of the buffer's elements.
func (b *Buffer) DType() dtypes.DType { return b.shape.DType }

// Flat returns the underlying flat slice; its concrete type is the slice of the Go type
// matching the buffer's DType.
func (b *Buffer) Flat() any { return b.flat }

// Float32s returns the flat data as []float32. It panics if the dtype differs (defect).
func (b *Buffer) Float32s() []float32 {
	flat, ok := b.flat.([]float32)
	if !ok {
		exceptions.Panicf("Buffer.Float32s() on buffer of dtype %s", b.shape.DType)
	}
	return flat
}

// Float16s returns the flat data as []float16.Float16. It panics if the dtype differs
// (defect).
func (b *Buffer) Float16s() []float16.Float16 {
	flat, ok := b.flat.([]float16.Float16)
	if !ok {
		exceptions.Panicf("Buffer.Float16s() on buffer of dtype %s", b.shape.DType)
	}
	return flat
}

func (b *Buffer) length() int {
	switch flat := b.flat.(type) {
	case []bool:
		return len(flat)
	case []float16.Float16:
		return len(flat)
	case []float32:
		return len(flat)
	case []float64:
		return len(flat)
	case []int32:
		return len(flat)
	case []int64:
		return len(flat)
	}
	return 0
}
