// Copyright 2025-2026 The nnexec Authors. SPDX-License-Identifier: Apache-2.0

// Package model holds the operand/operation graph of a computation and its builder API.
//
// A Model is built by adding operands (values) and operations (computation nodes),
// identifying which operands are the model's inputs and outputs, and calling Finish,
// which sorts operations into run order and validates the whole graph. Once finished, a
// Model is immutable and can be handed to the planner (see package plan).
//
// Errors during building (index out of range, mutating a finished model) are defects and
// panic with a stack trace; Finish returns an error for graphs that are structurally
// invalid.
package model

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"

	"github.com/nnexec/nnexec/devices"
	"github.com/nnexec/nnexec/shapes"
)

// Model is a graph of operands and operations.
//
// Use NewModel and the Add/Set/Identify methods to build one; call Finish before
// handing it to the planner.
type Model struct {
	name       string
	operands   []Operand
	operations []Operation

	inputs, outputs []OperandIndex

	pools [][]byte

	// producers[i] is the operation writing operand i, or InvalidOperationIndex.
	// Computed by Finish.
	producers []OperationIndex

	finished bool
}

// NewModel returns an empty model with the given name (optional, used in diagnostics).
func NewModel(name string) *Model {
	return &Model{name: name}
}

// Name of the model.
func (m *Model) Name() string { return m.name }

// IsFinished returns whether Finish was called: a finished model is immutable.
func (m *Model) IsFinished() bool { return m.finished }

func (m *Model) assertMutable() {
	if m.finished {
		exceptions.Panicf("model %q is finished and can no longer be modified", m.name)
	}
}

func (m *Model) assertOperandInRange(idx OperandIndex) {
	if idx < 0 || int(idx) >= len(m.operands) {
		exceptions.Panicf("model %q: operand index %d out of range (%d operands)", m.name, idx, len(m.operands))
	}
}

// AddOperand declares a new operand with the given shape and returns its index.
// The operand starts with LifetimeTemporary; SetOperandValue and
// IdentifyInputsAndOutputs refine it.
func (m *Model) AddOperand(shape shapes.Shape) OperandIndex {
	m.assertMutable()
	if !shape.Ok() {
		exceptions.Panicf("model %q: AddOperand with invalid shape", m.name)
	}
	idx := OperandIndex(len(m.operands))
	m.operands = append(m.operands, Operand{Shape: shape})
	return idx
}

// SetOperandValue makes the operand an inline constant with the given little-endian
// flat encoding.
func (m *Model) SetOperandValue(idx OperandIndex, value []byte) {
	m.assertMutable()
	m.assertOperandInRange(idx)
	operand := &m.operands[idx]
	if operand.Lifetime != LifetimeTemporary {
		exceptions.Panicf("model %q: SetOperandValue on operand %d with lifetime %s", m.name, idx, operand.Lifetime)
	}
	operand.Lifetime = LifetimeConstant
	operand.Value = value
}

// AddPool registers a memory pool (for pool-referenced constants) and returns its index.
func (m *Model) AddPool(data []byte) int {
	m.assertMutable()
	m.pools = append(m.pools, data)
	return len(m.pools) - 1
}

// SharePoolsFrom makes this model reference the same memory pools as src.
// Used when carving sub-models out of a model: constants referencing pools keep their
// locations valid.
func (m *Model) SharePoolsFrom(src *Model) {
	m.assertMutable()
	m.pools = src.pools
}

// SetOperandValueFromPool makes the operand a constant backed by a byte range of one of
// the model's memory pools.
func (m *Model) SetOperandValueFromPool(idx OperandIndex, location DataLocation) {
	m.assertMutable()
	m.assertOperandInRange(idx)
	operand := &m.operands[idx]
	if operand.Lifetime != LifetimeTemporary {
		exceptions.Panicf("model %q: SetOperandValueFromPool on operand %d with lifetime %s", m.name, idx, operand.Lifetime)
	}
	operand.Lifetime = LifetimeConstantReference
	operand.Location = location
}

// SetOperandSubgraph makes the operand a reference to another model.
func (m *Model) SetOperandSubgraph(idx OperandIndex, subgraph *Model) {
	m.assertMutable()
	m.assertOperandInRange(idx)
	operand := &m.operands[idx]
	if operand.Lifetime != LifetimeTemporary {
		exceptions.Panicf("model %q: SetOperandSubgraph on operand %d with lifetime %s", m.name, idx, operand.Lifetime)
	}
	operand.Lifetime = LifetimeSubgraph
	operand.Subgraph = subgraph
}

// CopyOperandFrom appends a structural copy of src's operand (shape, lifetime-relevant
// metadata, constant values) and returns the new index. Input/output classification is
// not copied: the new operand starts as a temporary and is classified by
// IdentifyInputsAndOutputs. Used by the planner to carve sub-models.
func (m *Model) CopyOperandFrom(src *Model, idx OperandIndex) OperandIndex {
	src.assertOperandInRange(idx)
	operand := src.operands[idx]
	newIdx := m.AddOperand(operand.Shape)
	switch operand.Lifetime {
	case LifetimeConstant:
		m.SetOperandValue(newIdx, operand.Value)
	case LifetimeConstantReference:
		m.SetOperandValueFromPool(newIdx, operand.Location)
	case LifetimeSubgraph:
		m.SetOperandSubgraph(newIdx, operand.Subgraph)
	}
	return newIdx
}

// AddOperation appends an operation consuming and producing the given operands, and
// returns its index. Operand indices must already exist (defect if not).
func (m *Model) AddOperation(opType devices.OpType, inputs, outputs []OperandIndex) OperationIndex {
	m.assertMutable()
	for _, idx := range inputs {
		m.assertOperandInRange(idx)
	}
	for _, idx := range outputs {
		m.assertOperandInRange(idx)
	}
	idx := OperationIndex(len(m.operations))
	m.operations = append(m.operations, Operation{Type: opType, Inputs: inputs, Outputs: outputs})
	return idx
}

// IdentifyInputsAndOutputs declares which operands are the model's inputs and outputs,
// in the order the caller will feed and read them. The listed operands must still be
// temporaries (defect otherwise); their lifetime becomes LifetimeModelInput/Output.
func (m *Model) IdentifyInputsAndOutputs(inputs, outputs []OperandIndex) {
	m.assertMutable()
	identify := func(indices []OperandIndex, lifetime Lifetime) {
		for _, idx := range indices {
			m.assertOperandInRange(idx)
			operand := &m.operands[idx]
			if operand.Lifetime != LifetimeTemporary {
				exceptions.Panicf("model %q: operand %d identified as %s but has lifetime %s",
					m.name, idx, lifetime, operand.Lifetime)
			}
			operand.Lifetime = lifetime
		}
	}
	identify(inputs, LifetimeModelInput)
	identify(outputs, LifetimeModelOutput)
	m.inputs = inputs
	m.outputs = outputs
}

// Finish sorts the operations into run order, validates the model and seals it.
// A finished model is immutable. Finish fails with an error (never a panic) for
// structurally invalid graphs: this is the boundary where user input is rejected.
func (m *Model) Finish() error {
	if m.finished {
		exceptions.Panicf("model %q already finished", m.name)
	}
	if err := m.sortIntoRunOrder(); err != nil {
		return err
	}
	if err := m.validate(); err != nil {
		return err
	}
	m.producers = make([]OperationIndex, len(m.operands))
	for i := range m.producers {
		m.producers[i] = InvalidOperationIndex
	}
	for opIdx, op := range m.operations {
		for _, out := range op.Outputs {
			m.producers[out] = OperationIndex(opIdx)
		}
	}
	m.finished = true
	return nil
}

// NumOperands returns the number of operands declared.
func (m *Model) NumOperands() int { return len(m.operands) }

// Operand returns the operand at the given index. The returned pointer must be treated
// as read-only once the model is finished.
func (m *Model) Operand(idx OperandIndex) *Operand {
	m.assertOperandInRange(idx)
	return &m.operands[idx]
}

// NumOperations returns the number of operations added.
func (m *Model) NumOperations() int { return len(m.operations) }

// Operation returns the operation at the given index (in run order once finished).
func (m *Model) Operation(idx OperationIndex) *Operation {
	if idx < 0 || int(idx) >= len(m.operations) {
		exceptions.Panicf("model %q: operation index %d out of range (%d operations)", m.name, idx, len(m.operations))
	}
	return &m.operations[idx]
}

// Inputs returns the model's input operand indices, in caller feed order.
// The returned slice is owned by the model: read-only.
func (m *Model) Inputs() []OperandIndex { return m.inputs }

// Outputs returns the model's output operand indices, in caller read order.
// The returned slice is owned by the model: read-only.
func (m *Model) Outputs() []OperandIndex { return m.outputs }

// Pool returns the memory pool at the given index.
func (m *Model) Pool(idx int) []byte {
	if idx < 0 || idx >= len(m.pools) {
		exceptions.Panicf("model %q: pool index %d out of range (%d pools)", m.name, idx, len(m.pools))
	}
	return m.pools[idx]
}

// Producer returns the operation producing the given operand, or
// InvalidOperationIndex for operands with no producer (inputs, constants).
// Only available on a finished model (defect otherwise).
func (m *Model) Producer(idx OperandIndex) OperationIndex {
	if !m.finished {
		exceptions.Panicf("model %q: Producer called before Finish", m.name)
	}
	m.assertOperandInRange(idx)
	return m.producers[idx]
}

// sortIntoRunOrder reorders operations so that every operation appears after the
// producers of all its inputs (Kahn's algorithm). Returns an error if the graph has a
// cycle.
func (m *Model) sortIntoRunOrder() error {
	numOperations := len(m.operations)
	if numOperations == 0 {
		return nil
	}

	// Map each produced operand to its producing operation, and count for each
	// operation how many of its inputs are produced by other operations.
	producerOf := make(map[OperandIndex]OperationIndex, len(m.operands))
	for opIdx, op := range m.operations {
		for _, out := range op.Outputs {
			producerOf[out] = OperationIndex(opIdx)
		}
	}
	pending := make([]int, numOperations)
	consumers := make(map[OperationIndex][]OperationIndex)
	var ready []OperationIndex
	for opIdx, op := range m.operations {
		for _, in := range op.Inputs {
			if producer, ok := producerOf[in]; ok && producer != OperationIndex(opIdx) {
				pending[opIdx]++
				consumers[producer] = append(consumers[producer], OperationIndex(opIdx))
			}
		}
		if pending[opIdx] == 0 {
			ready = append(ready, OperationIndex(opIdx))
		}
	}

	runOrder := make([]Operation, 0, numOperations)
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		runOrder = append(runOrder, m.operations[next])
		for _, consumer := range consumers[next] {
			pending[consumer]--
			if pending[consumer] == 0 {
				ready = append(ready, consumer)
			}
		}
	}
	if len(runOrder) != numOperations {
		return errorf("model %q: operation graph contains a cycle", m.name)
	}
	m.operations = runOrder
	return nil
}

// String pretty-prints the model for diagnostics.
func (m *Model) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Model %q: %d operands, %d operations, inputs=%v, outputs=%v\n",
		m.name, len(m.operands), len(m.operations), m.inputs, m.outputs)
	for idx, operand := range m.operands {
		fmt.Fprintf(&sb, "  operand %d: %s %s\n", idx, operand.Shape, operand.Lifetime)
	}
	for idx := range m.operations {
		fmt.Fprintf(&sb, "  operation %d: %s\n", idx, m.operations[idx].String())
	}
	return sb.String()
}
