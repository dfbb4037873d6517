// Copyright 2025-2026 The nnexec Authors. SPDX-License-Identifier: Apache-2.0

package plan

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/nnexec/nnexec/devices"
	"github.com/nnexec/nnexec/model"
	"github.com/nnexec/nnexec/types/sets"
)

// StepIndex is the ordinal of a step within its plan.
type StepIndex int

// OperandKind tells AddOperand whether the operand is consumed or produced by the
// operation being imported.
type OperandKind int

const (
	// OperandInput marks an operand consumed by an operation of the step.
	OperandInput OperandKind = iota
	// OperandOutput marks an operand produced by an operation of the step.
	OperandOutput
)

// RemapEntry is one boundary mapping entry: the operand's index in the original model
// and its index in the step's sub-model.
type RemapEntry struct {
	From, To model.OperandIndex
}

// ExecutionStep is one device-assigned partition of a model: a private sub-model plus
// the classification of every boundary operand into model input, model output,
// inter-step input or inter-step output.
//
// Steps are created by the planner via Plan.CreateNewStep, mutated only during plan
// construction, sealed by FinishSubModel, and read-only afterwards. A step never
// outlives its plan.
type ExecutionStep struct {
	plan   *Plan
	index  StepIndex
	device devices.Device // nil signifies the software fallback

	subModel *model.Model
	remap    *OperandRemapper

	// Inputs of the original model that are also inputs of this sub-model.
	modelInputs []RemapEntry
	// Outputs of the original model that are also outputs of this sub-model.
	modelOutputs []RemapEntry
	// Operands produced by other steps that are inputs of this sub-model, in
	// first-seen order. The order is the positional contract with the driver.
	interStepInputs []RemapEntry
	// Operands produced by this step that other steps consume. Built lazily by the
	// cross-step output resolver after all steps exist; deduplicated.
	interStepOutputs sets.Set[RemapEntry]

	// Sub-model input/output layout, frozen at seal time. See SubModelInputs.
	inputsLayout, outputsLayout []RemapEntry

	sealed bool

	// Device preparation outcome. A preparation failure is operational, not
	// structural: it is surfaced by Controller.Next, not by FinishSubModel.
	code    devices.PreparedCode
	prepErr error
}

func newExecutionStep(p *Plan, index StepIndex, device devices.Device, fromModel *model.Model) *ExecutionStep {
	subModel := model.NewModel(fmt.Sprintf("%s-step%d", fromModel.Name(), index))
	subModel.SharePoolsFrom(fromModel)
	return &ExecutionStep{
		plan:             p,
		index:            index,
		device:           device,
		subModel:         subModel,
		remap:            newOperandRemapper(),
		interStepOutputs: sets.Make[RemapEntry](),
	}
}

// Index is the ordinal of this step within its plan.
func (s *ExecutionStep) Index() StepIndex { return s.index }

// Device this step targets. A nil Device signifies the software fallback.
func (s *ExecutionStep) Device() devices.Device { return s.device }

// SubModel is the step's private sub-model.
func (s *ExecutionStep) SubModel() *model.Model { return s.subModel }

// Remapper converts operand indices between the original model and the sub-model.
func (s *ExecutionStep) Remapper() *OperandRemapper { return s.remap }

// ModelInputs returns the original-model inputs that are inputs of this sub-model.
// Read-only.
func (s *ExecutionStep) ModelInputs() []RemapEntry { return s.modelInputs }

// ModelOutputs returns the original-model outputs that are outputs of this sub-model.
// Read-only.
func (s *ExecutionStep) ModelOutputs() []RemapEntry { return s.modelOutputs }

// InterStepInputs returns the operands produced by other steps that this step consumes,
// in first-seen order. Read-only.
func (s *ExecutionStep) InterStepInputs() []RemapEntry { return s.interStepInputs }

// InterStepOutputs returns the operands this step produces for other steps, sorted by
// original index. Complete only after the plan's Finish.
func (s *ExecutionStep) InterStepOutputs() []RemapEntry {
	entries := make([]RemapEntry, 0, len(s.interStepOutputs))
	for entry := range s.interStepOutputs {
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a, b RemapEntry) int { return int(a.From - b.From) })
	return entries
}

// CountInterStepOutputs returns the number of distinct inter-step outputs recorded so
// far.
func (s *ExecutionStep) CountInterStepOutputs() int { return len(s.interStepOutputs) }

func (s *ExecutionStep) assertNotSealed() {
	if s.sealed {
		exceptions.Panicf("step %d is sealed and can no longer be modified", s.index)
	}
}

// AddOperand imports an operand of fromModel into the step's sub-model and classifies
// it, returning its local index. It is idempotent: importing the same original index
// again returns the existing local index and records nothing new.
//
// kind tells whether the operation being imported consumes (OperandInput) or produces
// (OperandOutput) the operand; classification depends on it:
//   - original model inputs/outputs are recorded in the model boundary lists when kind
//     matches their direction;
//   - an original model output consumed here but produced elsewhere is treated like an
//     inter-step input, so the driver can route the produced buffer to this step too;
//   - a temporary produced by this step registers this step as its definer with the
//     plan; it only becomes an inter-step output if a later step imports it;
//   - a temporary produced by a different step is recorded as an inter-step input, in
//     first-seen order.
//
// Referencing a temporary whose producing step is unknown is a defect: the planner must
// create steps in an order where producers come first.
func (s *ExecutionStep) AddOperand(from model.OperandIndex, kind OperandKind, fromModel *model.Model) model.OperandIndex {
	s.assertNotSealed()
	if local, ok := s.remap.Local(from); ok {
		return local
	}
	local := s.subModel.CopyOperandFrom(fromModel, from)
	s.remap.add(from, local)

	switch fromModel.Operand(from).Lifetime {
	case model.LifetimeModelInput:
		if kind == OperandInput {
			s.modelInputs = append(s.modelInputs, RemapEntry{from, local})
		}
	case model.LifetimeModelOutput:
		if kind == OperandOutput {
			s.modelOutputs = append(s.modelOutputs, RemapEntry{from, local})
			s.plan.recordOperandDef(from, s.index)
		} else {
			// Produced by another step: route like an inter-step input.
			s.addInterStepInput(from, local)
		}
	case model.LifetimeTemporary:
		if kind == OperandOutput {
			s.plan.RecordTemporaryDef(from, s.index)
		} else {
			s.addInterStepInput(from, local)
		}
	}
	return local
}

func (s *ExecutionStep) addInterStepInput(from, local model.OperandIndex) {
	definer, ok := s.plan.operandDef(from)
	if !ok {
		exceptions.Panicf("step %d consumes operand %d before any step produced it: steps must be created in producer order",
			s.index, from)
	}
	if definer == s.index {
		exceptions.Panicf("step %d consumes operand %d it defines itself, but the operand is not remapped yet",
			s.index, from)
	}
	s.interStepInputs = append(s.interStepInputs, RemapEntry{from, local})
}

// AddOperation copies the referenced operation of fromModel into the step's sub-model.
// Every operand the operation references must already have been imported via AddOperand
// -- a missing one is a defect.
func (s *ExecutionStep) AddOperation(opIndex model.OperationIndex, fromModel *model.Model) {
	s.assertNotSealed()
	op := fromModel.Operation(opIndex)
	remapAll := func(indices []model.OperandIndex) []model.OperandIndex {
		locals := make([]model.OperandIndex, len(indices))
		for i, from := range indices {
			local, ok := s.remap.Local(from)
			if !ok {
				exceptions.Panicf("step %d: operation %d (%s) references operand %d before it was added",
					s.index, opIndex, op.Type, from)
			}
			locals[i] = local
		}
		return locals
	}
	inputs := remapAll(op.Inputs)
	outputs := remapAll(op.Outputs)
	s.subModel.AddOperation(op.Type, inputs, outputs)
}

// RecordInterStepOutput marks an operand, by original index, as consumed by another
// step. Idempotent: a value consumed by N other steps is recorded once. The operand
// must already be known to this step's remapper (defect if not).
func (s *ExecutionStep) RecordInterStepOutput(from model.OperandIndex) {
	local, ok := s.remap.Local(from)
	if !ok {
		exceptions.Panicf("step %d: RecordInterStepOutput(%d) for an operand this step never imported", s.index, from)
	}
	s.interStepOutputs.Insert(RemapEntry{from, local})
}

// SubModelInputs returns the sub-model's input layout: model inputs first, then
// inter-step inputs, matching the positional order of SubModel().Inputs(). Only
// available once sealed.
func (s *ExecutionStep) SubModelInputs() []RemapEntry {
	s.assertSealed()
	return s.inputsLayout
}

// SubModelOutputs returns the sub-model's output layout: model outputs first, then
// inter-step outputs that aren't already model outputs, matching the positional order
// of SubModel().Outputs(). Only available once sealed.
func (s *ExecutionStep) SubModelOutputs() []RemapEntry {
	s.assertSealed()
	return s.outputsLayout
}

func (s *ExecutionStep) assertSealed() {
	if !s.sealed {
		exceptions.Panicf("step %d is not sealed yet", s.index)
	}
}

// FinishSubModel seals the step: it identifies the sub-model's inputs and outputs,
// validates it as a standalone model, and prepares the target device's code.
//
// If any inter-step output's shape is not fully known at this point, it sets
// *hasUnknownSizeOutput to true; it never resets it to false.
//
// Structural problems fail with an error (fail-fast for the plan's Finish); a device
// preparation failure does not: it is recorded and surfaced by Controller.Next.
func (s *ExecutionStep) FinishSubModel(hasUnknownSizeOutput *bool) error {
	s.assertNotSealed()

	inputs := make([]RemapEntry, 0, len(s.modelInputs)+len(s.interStepInputs))
	inputs = append(inputs, s.modelInputs...)
	inputs = append(inputs, s.interStepInputs...)

	isModelOutput := sets.Make[model.OperandIndex](len(s.modelOutputs))
	for _, entry := range s.modelOutputs {
		isModelOutput.Insert(entry.From)
	}
	outputs := make([]RemapEntry, 0, len(s.modelOutputs)+len(s.interStepOutputs))
	outputs = append(outputs, s.modelOutputs...)
	for _, entry := range s.InterStepOutputs() {
		if !isModelOutput.Has(entry.From) {
			outputs = append(outputs, entry)
		}
	}

	locals := func(entries []RemapEntry) []model.OperandIndex {
		out := make([]model.OperandIndex, len(entries))
		for i, entry := range entries {
			out[i] = entry.To
		}
		return out
	}
	s.subModel.IdentifyInputsAndOutputs(locals(inputs), locals(outputs))
	if err := s.subModel.Finish(); err != nil {
		return err
	}
	s.inputsLayout = inputs
	s.outputsLayout = outputs

	for entry := range s.interStepOutputs {
		if !s.subModel.Operand(entry.To).Shape.IsFullyDefined() {
			*hasUnknownSizeOutput = true
			break
		}
	}

	device := s.device
	if device == nil {
		device = devices.Default()
	}
	s.code, s.prepErr = device.Prepare(distinctOpTypes(s.subModel))
	if s.prepErr != nil {
		klog.Warningf("step %d: device %q failed preparation: %v", s.index, device.Name(), s.prepErr)
	}

	s.sealed = true
	return nil
}

// String pretty-prints the step's boundary mappings for diagnostics.
func (s *ExecutionStep) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "step %d on device %q:\n", s.index, deviceName(s.device))
	fmt.Fprintf(&sb, "  model inputs: %v\n", s.modelInputs)
	fmt.Fprintf(&sb, "  model outputs: %v\n", s.modelOutputs)
	fmt.Fprintf(&sb, "  inter-step inputs: %v\n", s.interStepInputs)
	fmt.Fprintf(&sb, "  inter-step outputs: %v\n", s.InterStepOutputs())
	sb.WriteString(indent(s.subModel.String()))
	return sb.String()
}

func indent(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	return "  " + strings.Join(lines, "\n  ") + "\n"
}

func deviceName(d devices.Device) string {
	if d == nil {
		return "<default>"
	}
	return d.Name()
}
