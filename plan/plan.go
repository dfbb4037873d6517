// Copyright 2025-2026 The nnexec Authors. SPDX-License-Identifier: Apache-2.0

// Package plan builds execution plans: it partitions a finished model into
// device-assigned steps, resolves the values flowing between steps, and hands
// a controller to the execution driver that yields steps one at a time.
//
// The lifecycle is strict: a Plan starts empty, becomes either single-step
// (BecomeSingleStep) or multi-step (CreateNewStep), is then finished (Finish),
// and is read-only afterwards. Most misuses of the lifecycle are programming
// defects and panic; only validation and device failures return errors.
package plan

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/nnexec/nnexec/devices"
	"github.com/nnexec/nnexec/model"
	"github.com/nnexec/nnexec/types/sets"
	"github.com/nnexec/nnexec/types/xslices"
)

type state int

const (
	stateEmpty state = iota
	stateSimple
	stateCompound
)

func (s state) String() string {
	switch s {
	case stateEmpty:
		return "EMPTY"
	case stateSimple:
		return "SIMPLE"
	case stateCompound:
		return "COMPOUND"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Plan is the execution plan of one model: either a single-step plan that runs
// the whole model on one device, or a compound plan of ordered steps with
// values flowing between them.
type Plan struct {
	id    uuid.UUID
	state state

	simple   *simpleBody
	compound *compoundBody
}

// simpleBody runs the entire original model on one device, no remapping.
type simpleBody struct {
	device devices.Device // nil signifies the software fallback
	m      *model.Model

	code    devices.PreparedCode
	prepErr error

	successfulFinish bool
}

type compoundBody struct {
	steps []*ExecutionStep

	// Which step produces each operand consumed across a step boundary. Holds
	// temporaries and step-produced model outputs.
	operandToDefiningStep map[model.OperandIndex]StepIndex

	interStepOutputCount int

	// Conservatively true until Finish proves every inter-step output shape is
	// fully known.
	hasUnknownSizeOutput bool

	successfulFinish bool
}

// NewPlan creates an empty plan.
func NewPlan() *Plan {
	return &Plan{id: uuid.New()}
}

// ID uniquely identifies the plan, for logging and diagnostics.
func (p *Plan) ID() uuid.UUID { return p.id }

// BecomeSingleStep turns an empty plan into a single-step plan running the whole of m
// on device (nil for the software fallback). The model must be finished. Calling this
// on a non-empty plan is a defect.
func (p *Plan) BecomeSingleStep(device devices.Device, m *model.Model) {
	if p.state != stateEmpty {
		exceptions.Panicf("BecomeSingleStep on a %s plan", p.state)
	}
	if !m.IsFinished() {
		exceptions.Panicf("BecomeSingleStep with an unfinished model %q", m.Name())
	}
	p.state = stateSimple
	p.simple = &simpleBody{device: device, m: m}
}

// CreateNewStep appends a step targeting device (nil for the software fallback). An
// empty plan becomes compound; calling this on a single-step plan is a defect.
// fromModel is the original model being partitioned; the step's sub-model shares its
// constant pools.
func (p *Plan) CreateNewStep(device devices.Device, fromModel *model.Model) *ExecutionStep {
	switch p.state {
	case stateEmpty:
		p.state = stateCompound
		p.compound = &compoundBody{
			operandToDefiningStep: make(map[model.OperandIndex]StepIndex),
			hasUnknownSizeOutput:  true,
		}
	case stateSimple:
		exceptions.Panicf("CreateNewStep on a SIMPLE plan")
	}
	step := newExecutionStep(p, StepIndex(len(p.compound.steps)), device, fromModel)
	p.compound.steps = append(p.compound.steps, step)
	return step
}

// RecordTemporaryDef records that step stepIndex produces the temporary operand from
// (original-model index). Recording two producers for the same operand is a defect:
// the model's single-writer validation guarantees one producing operation, hence one
// producing step.
func (p *Plan) RecordTemporaryDef(from model.OperandIndex, stepIndex StepIndex) {
	p.recordOperandDef(from, stepIndex)
}

func (p *Plan) recordOperandDef(from model.OperandIndex, stepIndex StepIndex) {
	if p.state != stateCompound {
		exceptions.Panicf("recording operand %d definition on a %s plan", from, p.state)
	}
	if previous, ok := p.compound.operandToDefiningStep[from]; ok {
		exceptions.Panicf("operand %d defined by step %d is redefined by step %d", from, previous, stepIndex)
	}
	p.compound.operandToDefiningStep[from] = stepIndex
}

func (p *Plan) operandDef(from model.OperandIndex) (StepIndex, bool) {
	stepIndex, ok := p.compound.operandToDefiningStep[from]
	return stepIndex, ok
}

// Finish seals the plan. For a single-step plan it prepares the device code. For a
// compound plan it resolves inter-step outputs, seals every step in order (failing
// fast on the first structural error), and computes the unknown-size flag.
// Finishing an empty or already-finished plan is a defect.
func (p *Plan) Finish() error {
	switch p.state {
	case stateEmpty:
		exceptions.Panicf("Finish on an EMPTY plan")
	case stateSimple:
		if p.simple.successfulFinish {
			exceptions.Panicf("plan %s already finished", p.id)
		}
		return p.finishSimple()
	case stateCompound:
		if p.compound.successfulFinish {
			exceptions.Panicf("plan %s already finished", p.id)
		}
		return p.finishCompound()
	}
	return nil
}

func (p *Plan) finishSimple() error {
	body := p.simple
	device := body.device
	if device == nil {
		device = devices.Default()
	}
	body.code, body.prepErr = device.Prepare(distinctOpTypes(body.m))
	if body.prepErr != nil {
		klog.Warningf("plan %s: device %q failed preparation: %v", p.id, device.Name(), body.prepErr)
	}
	body.successfulFinish = true
	klog.V(1).Infof("plan %s finished: single step on device %q", p.id, deviceName(body.device))
	return nil
}

func (p *Plan) finishCompound() error {
	body := p.compound
	p.findInterStepOutputs()

	hasUnknownSizeOutput := false
	for _, step := range body.steps {
		if err := step.FinishSubModel(&hasUnknownSizeOutput); err != nil {
			return err
		}
		body.interStepOutputCount += step.CountInterStepOutputs()
	}
	body.hasUnknownSizeOutput = hasUnknownSizeOutput
	body.successfulFinish = true
	klog.V(1).Infof("plan %s finished: %d steps, %d inter-step outputs, unknown-size=%v",
		p.id, len(body.steps), body.interStepOutputCount, hasUnknownSizeOutput)
	if klog.V(2).Enabled() {
		klog.Info(p.String())
	}
	return nil
}

// findInterStepOutputs walks every step's inter-step inputs and registers each consumed
// operand as an inter-step output on its producing step. A consumed operand without a
// registered producer is a defect of the planner.
func (p *Plan) findInterStepOutputs() {
	for _, consumer := range p.compound.steps {
		for _, entry := range consumer.interStepInputs {
			producerIndex, ok := p.operandDef(entry.From)
			if !ok {
				exceptions.Panicf("step %d consumes operand %d that no step produces", consumer.index, entry.From)
			}
			p.compound.steps[producerIndex].RecordInterStepOutput(entry.From)
		}
	}
}

// IsSingleStep reports whether the plan executes as one unit: a single-step plan, or a
// compound plan that collapsed to one step. An empty plan is not executable.
func (p *Plan) IsSingleStep() bool {
	switch p.state {
	case stateSimple:
		return true
	case stateCompound:
		return len(p.compound.steps) == 1
	}
	return false
}

// Steps returns the ordered steps of a compound plan, or nil otherwise.
func (p *Plan) Steps() []*ExecutionStep {
	if p.state != stateCompound {
		return nil
	}
	return p.compound.steps
}

// InterStepOutputCount returns the total number of distinct inter-step outputs across
// all steps. Zero for non-compound plans.
func (p *Plan) InterStepOutputCount() int {
	if p.state != stateCompound {
		return 0
	}
	return p.compound.interStepOutputCount
}

// HasInterStepOutputOfUnknownSize reports whether any inter-step output's shape isn't
// fully known. It is conservatively true for a compound plan that hasn't finished.
// Always false for non-compound plans: they have no inter-step values.
func (p *Plan) HasInterStepOutputOfUnknownSize() bool {
	if p.state != stateCompound {
		return false
	}
	return p.compound.hasUnknownSizeOutput
}

// Dump logs the full plan description.
func (p *Plan) Dump() {
	klog.Info(p.String())
}

// String pretty-prints the plan for diagnostics.
func (p *Plan) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Plan %s (%s)\n", p.id, p.state)
	switch p.state {
	case stateSimple:
		fmt.Fprintf(&sb, "  device %q, model %q\n", deviceName(p.simple.device), p.simple.m.Name())
	case stateCompound:
		for _, step := range p.compound.steps {
			sb.WriteString(indent(step.String()))
		}
	}
	return sb.String()
}

// distinctOpTypes lists the distinct operation types of m, sorted.
func distinctOpTypes(m *model.Model) []devices.OpType {
	opTypes := sets.Make[devices.OpType]()
	for opIdx := 0; opIdx < m.NumOperations(); opIdx++ {
		opTypes.Insert(m.Operation(model.OperationIndex(opIdx)).Type)
	}
	return xslices.SortedKeys(opTypes)
}
