// Copyright 2025-2026 The nnexec Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the description of the rank, dimensions and DType of a
// tensor value flowing through a model.
//
// Shape is used both by operand declarations in a model (see model package) and for
// concrete buffers exchanged with devices (see devices package). DType indicates the
// type of the unit element of a tensor; the enumeration is defined in
// github.com/gomlx/gopjrt/dtypes.
//
// A dimension may be unknown at model-build time, marked with the DimUnknown sentinel.
// Such shapes can be declared and planned for, but they must be resolved to concrete
// dimensions before a buffer of that shape can be allocated.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// DimUnknown is the sentinel for a dimension whose value is only known at execution
// time, after the operation producing it has run.
const DimUnknown = -1

// Shape represents the shape of a tensor-valued operand or buffer.
//
// Use Make to create a new shape. A zero-initialized Shape is invalid.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape with the given dtype and dimensions.
// Dimensions must be positive or DimUnknown; it panics otherwise (defect).
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 && dim != DimUnknown {
			exceptions.Panicf("shapes.Make(%s): dimensions must be positive or DimUnknown, got %v", dtype, dimensions)
		}
	}
	return s
}

// Scalar returns a rank-0 Shape of the given dtype.
func Scalar(dtype dtypes.DType) Shape {
	return Shape{DType: dtype}
}

// Invalid returns an invalid shape. Invalid().Ok() == false.
func Invalid() Shape { return Shape{DType: dtypes.InvalidDType} }

// Ok returns whether this is a valid Shape.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape has rank 0.
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// IsFullyDefined reports whether every dimension is concrete, that is, no axis is
// DimUnknown. Scalars are always fully defined.
func (s Shape) IsFullyDefined() bool {
	if !s.Ok() {
		return false
	}
	for _, dim := range s.Dimensions {
		if dim == DimUnknown {
			return false
		}
	}
	return true
}

// Dim returns the dimension of the given axis. Negative axis values count from the end,
// so axis=-1 refers to the last axis. It panics on an out-of-bounds axis (defect).
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// Size returns the number of elements of DType needed for this shape, the product of
// all dimensions. It panics if the shape is not fully defined (defect): callers must
// resolve unknown dimensions before sizing buffers.
func (s Shape) Size() (size int) {
	if !s.IsFullyDefined() {
		exceptions.Panicf("Shape.Size() on shape %s with unknown dimensions", s)
	}
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the bytes needed to store a value of this shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares dtype and dimensions.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType || s.Rank() != s2.Rank() {
		return false
	}
	if s.IsScalar() {
		return true
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	return
}

// String implements fmt.Stringer, pretty-printing the shape. Unknown dimensions print
// as "?".
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	parts := make([]string, 0, s.Rank())
	for _, dim := range s.Dimensions {
		if dim == DimUnknown {
			parts = append(parts, "?")
		} else {
			parts = append(parts, fmt.Sprintf("%d", dim))
		}
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}

// HasShape is an interface for objects that have an associated Shape.
type HasShape interface {
	Shape() Shape
}
