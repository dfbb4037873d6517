// Copyright 2025-2026 The nnexec Authors. SPDX-License-Identifier: Apache-2.0

package devices

import (
	"maps"

	"github.com/gomlx/gopjrt/dtypes"
)

// Capabilities holds mappings of what is supported by a device.
type Capabilities struct {
	// Operations supported by a device.
	// If not listed, it's assumed to be false, hence not supported.
	Operations map[OpType]bool

	// DTypes list the data types supported by a device.
	// If not listed, it's assumed to be false, hence not supported.
	DTypes map[dtypes.DType]bool
}

// SupportsOp returns whether the operation kind is supported.
func (c Capabilities) SupportsOp(op OpType) bool {
	return c.Operations[op]
}

// SupportsDType returns whether the data type is supported.
func (c Capabilities) SupportsDType(dtype dtypes.DType) bool {
	return c.DTypes[dtype]
}

// Clone makes a deep copy of the Capabilities.
func (c Capabilities) Clone() Capabilities {
	var c2 Capabilities
	c2.Operations = make(map[OpType]bool, len(c.Operations))
	maps.Copy(c2.Operations, c.Operations)
	c2.DTypes = make(map[dtypes.DType]bool, len(c.DTypes))
	maps.Copy(c2.DTypes, c.DTypes)
	return c2
}
