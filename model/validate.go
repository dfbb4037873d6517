// Copyright 2025-2026 The nnexec Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/pkg/errors"

	"github.com/nnexec/nnexec/types/sets"
)

// Structural validation of a whole model, run by Finish. The planner relies on these
// invariants -- in particular the exactly-one-producer rule for temporaries and outputs
// -- and only re-checks them as defense in depth.

func errorf(format string, args ...any) error {
	return errors.Errorf(format, args...)
}

func (m *Model) validate() error {
	if err := m.validateOperands(); err != nil {
		return err
	}
	if err := m.validateOperations(); err != nil {
		return err
	}
	if err := m.validateModelInputOutputs(m.inputs, LifetimeModelInput); err != nil {
		return err
	}
	if err := m.validateModelInputOutputs(m.outputs, LifetimeModelOutput); err != nil {
		return err
	}
	return m.checkNoReferenceCycles(sets.Make[*Model]())
}

func (m *Model) validateOperands() error {
	for idx := range m.operands {
		operand := &m.operands[idx]
		if !operand.Shape.Ok() {
			return errorf("operand %d has an invalid shape", idx)
		}
		// Constants carry their bytes in the model, so their shape must be fully
		// known. Everything else can have unknown dimensions, discovered at
		// execution time.
		if !operand.Shape.IsFullyDefined() &&
			(operand.Lifetime == LifetimeConstant || operand.Lifetime == LifetimeConstantReference) {
			return errorf("operand %d of lifetime %s has unknown dimensions (shape=%s)",
				idx, operand.Lifetime, operand.Shape)
		}
		switch operand.Lifetime {
		case LifetimeConstant:
			if uintptr(len(operand.Value)) != operand.Shape.Memory() {
				return errorf("operand %d: constant value has %d bytes, shape %s requires %d",
					idx, len(operand.Value), operand.Shape, operand.Shape.Memory())
			}
		case LifetimeConstantReference:
			loc := operand.Location
			if loc.Pool < 0 || loc.Pool >= len(m.pools) {
				return errorf("operand %d: pool index %d out of range (%d pools)", idx, loc.Pool, len(m.pools))
			}
			if loc.Offset < 0 || loc.Length < 0 || loc.Offset+loc.Length > len(m.pools[loc.Pool]) {
				return errorf("operand %d: byte range [%d, %d) out of bounds for pool %d of %d bytes",
					idx, loc.Offset, loc.Offset+loc.Length, loc.Pool, len(m.pools[loc.Pool]))
			}
			if uintptr(loc.Length) != operand.Shape.Memory() {
				return errorf("operand %d: pool reference has %d bytes, shape %s requires %d",
					idx, loc.Length, operand.Shape, operand.Shape.Memory())
			}
		case LifetimeSubgraph:
			if operand.Subgraph == nil {
				return errorf("operand %d: subgraph reference is nil", idx)
			}
		}
	}
	return nil
}

func (m *Model) validateOperations() error {
	// writtenTo tracks whether an operation writes each operand: temporaries and model
	// outputs must be written exactly once, everything else never.
	writtenTo := make([]bool, len(m.operands))
	for opIdx := range m.operations {
		op := &m.operations[opIdx]
		if op.Type.NumInputs() != len(op.Inputs) {
			return errorf("operation %d (%s) takes %d inputs, got %d",
				opIdx, op.Type, op.Type.NumInputs(), len(op.Inputs))
		}
		if len(op.Outputs) == 0 {
			return errorf("operation %d (%s) produces no outputs", opIdx, op.Type)
		}
		for _, out := range op.Outputs {
			for _, in := range op.Inputs {
				if in == out {
					return errorf("operation %d (%s) consumes its own output, operand %d", opIdx, op.Type, out)
				}
			}
		}
		for _, out := range op.Outputs {
			operand := &m.operands[out]
			if operand.Lifetime != LifetimeTemporary && operand.Lifetime != LifetimeModelOutput {
				return errorf("operation %d (%s) writes to operand %d with incompatible lifetime %s",
					opIdx, op.Type, out, operand.Lifetime)
			}
			if writtenTo[out] {
				return errorf("operand %d written a second time, by operation %d (%s)", out, opIdx, op.Type)
			}
			writtenTo[out] = true
		}
	}
	for idx := range m.operands {
		if writtenTo[idx] {
			continue
		}
		lifetime := m.operands[idx].Lifetime
		if lifetime == LifetimeTemporary || lifetime == LifetimeModelOutput {
			return errorf("operand %d with lifetime %s is never written to", idx, lifetime)
		}
	}
	return nil
}

func (m *Model) validateModelInputOutputs(indices []OperandIndex, lifetime Lifetime) error {
	seen := sets.Make[OperandIndex](len(indices))
	for _, idx := range indices {
		if idx < 0 || int(idx) >= len(m.operands) {
			return errorf("model input or output index out of range: %d/%d", idx, len(m.operands))
		}
		if got := m.operands[idx].Lifetime; got != lifetime {
			return errorf("model input or output %d has lifetime %s instead of the expected %s",
				idx, got, lifetime)
		}
		if seen.Has(idx) {
			return errorf("model input or output occurs multiple times: %d", idx)
		}
		seen.Insert(idx)
	}
	return nil
}

// checkNoReferenceCycles makes sure the model does not contain subgraph reference
// cycles, which would lead to infinite recursion in any consumer walking them.
func (m *Model) checkNoReferenceCycles(path sets.Set[*Model]) error {
	if path.Has(m) {
		return errorf("model %q: cycle in subgraph references", m.name)
	}
	path.Insert(m)
	defer delete(path, m)
	for idx := range m.operands {
		if m.operands[idx].Lifetime != LifetimeSubgraph {
			continue
		}
		if err := m.operands[idx].Subgraph.checkNoReferenceCycles(path); err != nil {
			return err
		}
	}
	return nil
}
