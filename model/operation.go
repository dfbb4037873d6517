// Copyright 2025-2026 The nnexec Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"
	"strings"

	"github.com/nnexec/nnexec/devices"
	"github.com/nnexec/nnexec/types/xslices"
)

// OperationIndex identifies an operation by its dense index within its owning Model.
type OperationIndex int

// InvalidOperationIndex indicates an operation that doesn't exist.
const InvalidOperationIndex = OperationIndex(-1)

// Operation is a computational node consuming an ordered list of operand indices and
// producing an ordered list of operand indices, all within one Model.
type Operation struct {
	Type    devices.OpType
	Inputs  []OperandIndex
	Outputs []OperandIndex
}

// String implements fmt.Stringer.
func (op *Operation) String() string {
	format := func(indices []OperandIndex) string {
		parts := xslices.Map(indices, func(idx OperandIndex) string { return fmt.Sprintf("%d", idx) })
		return strings.Join(parts, ", ")
	}
	return fmt.Sprintf("%s(%s) -> (%s)", op.Type, format(op.Inputs), format(op.Outputs))
}
