// Copyright 2025-2026 The nnexec Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/nnexec/nnexec/shapes"
)

// OperandIndex identifies an operand by its dense index within its owning Model.
type OperandIndex int

// InvalidOperandIndex indicates an operand that doesn't exist.
const InvalidOperandIndex = OperandIndex(-1)

// Lifetime describes where an operand's value comes from and how long it lives.
type Lifetime int

const (
	// LifetimeTemporary is an operand produced and consumed within the model.
	// The default for a newly added operand.
	LifetimeTemporary Lifetime = iota

	// LifetimeModelInput is fed by the caller at execution time.
	LifetimeModelInput

	// LifetimeModelOutput is returned to the caller at execution time.
	LifetimeModelOutput

	// LifetimeConstant holds an inline constant value (Operand.Value).
	LifetimeConstant

	// LifetimeConstantReference holds a constant stored in one of the model's memory
	// pools (Operand.Location).
	LifetimeConstantReference

	// LifetimeSubgraph references another model (Operand.Subgraph), used by control
	// flow operations.
	LifetimeSubgraph
)

var lifetimeNames = [...]string{
	LifetimeTemporary:         "TEMPORARY",
	LifetimeModelInput:        "MODEL_INPUT",
	LifetimeModelOutput:       "MODEL_OUTPUT",
	LifetimeConstant:          "CONSTANT",
	LifetimeConstantReference: "CONSTANT_REFERENCE",
	LifetimeSubgraph:          "SUBGRAPH",
}

// String implements fmt.Stringer.
func (l Lifetime) String() string {
	if l < 0 || int(l) >= len(lifetimeNames) {
		return "INVALID"
	}
	return lifetimeNames[l]
}

// DataLocation points into one of the model's memory pools.
type DataLocation struct {
	Pool, Offset, Length int
}

// Operand is a typed value -- scalar or tensor -- flowing through the model graph.
type Operand struct {
	Shape    shapes.Shape
	Lifetime Lifetime

	// Value holds the inline constant bytes for LifetimeConstant, little-endian flat
	// encoding.
	Value []byte

	// Location points into a memory pool for LifetimeConstantReference.
	Location DataLocation

	// Subgraph is the referenced model for LifetimeSubgraph.
	Subgraph *Model
}

// IsConstant returns whether the operand's value is fixed at model build time.
func (o *Operand) IsConstant() bool {
	return o.Lifetime == LifetimeConstant || o.Lifetime == LifetimeConstantReference
}
