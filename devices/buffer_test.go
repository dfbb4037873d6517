// Copyright 2025-2026 The nnexec Authors. SPDX-License-Identifier: Apache-2.0

package devices

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/nnexec/nnexec/shapes"
)

func TestNewBuffer(t *testing.T) {
	b := NewBuffer(shapes.Make(dtypes.Float32, 2, 3))
	assert.Equal(t, dtypes.Float32, b.DType())
	assert.Len(t, b.Float32s(), 6)

	require.Panics(t, func() { NewBuffer(shapes.Make(dtypes.Float32, shapes.DimUnknown)) })
}

func TestNewBufferFromFlat(t *testing.T) {
	s := shapes.Make(dtypes.Int32, 3)
	b := NewBufferFromFlat(s, []int32{1, 2, 3})
	assert.Equal(t, []int32{1, 2, 3}, b.Flat())

	require.Panics(t, func() { NewBufferFromFlat(s, []int32{1, 2}) })         // Wrong length.
	require.Panics(t, func() { NewBufferFromFlat(s, []int64{1, 2, 3}) })      // Wrong type.
	require.Panics(t, func() { NewBufferFromFlat(s, []float32{1, 2, 3}) })    // Wrong type.
	require.Panics(t, func() { b.Float32s() })                                // Wrong accessor.
}

func TestNewBufferFromBytes(t *testing.T) {
	// Little-endian float32 {1.0, -2.0}.
	data := []byte{0x00, 0x00, 0x80, 0x3f, 0x00, 0x00, 0x00, 0xc0}
	b := NewBufferFromBytes(shapes.Make(dtypes.Float32, 2), data)
	assert.Equal(t, []float32{1, -2}, b.Float32s())

	// Little-endian float16 {1.0}.
	one16 := float16.Fromfloat32(1)
	b16 := NewBufferFromBytes(shapes.Make(dtypes.Float16, 1), []byte{byte(one16.Bits()), byte(one16.Bits() >> 8)})
	assert.Equal(t, float32(1), b16.Float16s()[0].Float32())

	require.Panics(t, func() { NewBufferFromBytes(shapes.Make(dtypes.Float32, 2), data[:4]) })
}
