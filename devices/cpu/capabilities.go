// Copyright 2025-2026 The nnexec Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/nnexec/nnexec/devices"
)

// supportedDTypes are the dtypes the kernels implement, for every operation kind.
// Buffers can also hold Bool (see devices.SupportedDTypes), but no kernel operates on
// them, so the device must not claim it: the planner would otherwise route Bool
// operations here and they would only fail at run time.
var supportedDTypes = []dtypes.DType{
	dtypes.Float16, dtypes.Float32, dtypes.Float64, dtypes.Int32, dtypes.Int64,
}

// capabilities of the cpu device: every operation kind over every kernel dtype.
var capabilities = func() devices.Capabilities {
	c := devices.Capabilities{
		Operations: make(map[devices.OpType]bool),
		DTypes:     make(map[dtypes.DType]bool),
	}
	for _, op := range devices.OpTypes() {
		c.Operations[op] = true
	}
	for _, dtype := range supportedDTypes {
		c.DTypes[dtype] = true
	}
	return c
}()
