// Copyright 2025-2026 The nnexec Authors. SPDX-License-Identifier: Apache-2.0

// Package exec drives execution plans: it pulls units of work from a plan's
// controller, materializes constant operands into buffers, stitches the values
// produced by one step into the inputs of the next, and hands the model's
// outputs back to the caller.
package exec

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/nnexec/nnexec/devices"
	"github.com/nnexec/nnexec/model"
	"github.com/nnexec/nnexec/plan"
	"github.com/nnexec/nnexec/shapes"
)

// Execution runs one model through its execution plan. It is not safe for concurrent
// use; create one Execution per concurrent run.
type Execution struct {
	m *model.Model
	p *plan.Plan
}

// New creates an execution of m following plan p. The plan must have been built from m
// and finished.
func New(m *model.Model, p *plan.Plan) *Execution {
	return &Execution{m: m, p: p}
}

// Compile partitions m across the given accelerators and returns an execution ready to
// run. Operations no accelerator supports go to the registered default device.
func Compile(m *model.Model, accelerators ...devices.Device) (*Execution, error) {
	p, err := plan.Partition(m, accelerators...)
	if err != nil {
		return nil, err
	}
	return New(m, p), nil
}

// Plan returns the execution plan being driven.
func (e *Execution) Plan() *plan.Plan { return e.p }

// Run executes the plan with the given model input buffers and returns the model's
// output buffers, in the order of the model's declared outputs. It validates that each
// input buffer matches the declared input shape (unknown declared dimensions accept any
// size). A wrong number of inputs is a defect and panics.
func (e *Execution) Run(inputs []*devices.Buffer) ([]*devices.Buffer, error) {
	if len(inputs) != len(e.m.Inputs()) {
		exceptions.Panicf("model %q takes %d inputs, got %d buffers", e.m.Name(), len(e.m.Inputs()), len(inputs))
	}
	for pos, operandIdx := range e.m.Inputs() {
		if err := checkBufferShape(inputs[pos], e.m.Operand(operandIdx).Shape); err != nil {
			return nil, errors.WithMessagef(err, "input #%d of model %q", pos, e.m.Name())
		}
	}

	controller := e.p.NewController()
	// Values of the original model produced so far, keyed by original operand index.
	produced := make(map[model.OperandIndex]*devices.Buffer)
	outputs := make([]*devices.Buffer, len(e.m.Outputs()))
	inputPos := positionsOf(e.m.Inputs())
	outputPos := positionsOf(e.m.Outputs())

	for {
		stepExec, err := controller.Next()
		if err != nil {
			return nil, err
		}
		if stepExec == nil {
			break
		}
		if stepExec.Step == nil {
			// Whole model as one unit: feed the caller's inputs straight through.
			results, err := runModel(stepExec.Model, stepExec.Code, inputs)
			if err != nil {
				return nil, err
			}
			copy(outputs, results)
			continue
		}
		if err := e.runStep(stepExec, inputs, inputPos, outputPos, produced, outputs); err != nil {
			return nil, err
		}
	}

	for pos, buffer := range outputs {
		if buffer == nil {
			return nil, errors.Errorf("execution of model %q did not produce output #%d", e.m.Name(), pos)
		}
	}
	return outputs, nil
}

// runStep gathers the step's sub-model inputs from the caller's buffers and earlier
// steps' values, runs the sub-model, and distributes the results to the produced map
// and the model outputs.
func (e *Execution) runStep(stepExec *plan.StepExecution, inputs []*devices.Buffer,
	inputPos, outputPos map[model.OperandIndex]int,
	produced map[model.OperandIndex]*devices.Buffer, outputs []*devices.Buffer) error {
	step := stepExec.Step
	stepInputs := make([]*devices.Buffer, 0, len(step.SubModelInputs()))
	for _, entry := range step.SubModelInputs() {
		var buffer *devices.Buffer
		if pos, ok := inputPos[entry.From]; ok {
			buffer = inputs[pos]
		} else {
			buffer = produced[entry.From]
		}
		if buffer == nil {
			return errors.Errorf("step %d needs operand %d but no earlier step produced it", step.Index(), entry.From)
		}
		stepInputs = append(stepInputs, buffer)
	}

	results, err := runModel(stepExec.Model, stepExec.Code, stepInputs)
	if err != nil {
		return errors.WithMessagef(err, "step %d", step.Index())
	}
	for i, entry := range step.SubModelOutputs() {
		produced[entry.From] = results[i]
		if pos, ok := outputPos[entry.From]; ok {
			outputs[pos] = results[i]
		}
	}
	return nil
}

// runModel executes a finished model's operations in run order on the given prepared
// code, returning its output buffers.
func runModel(m *model.Model, code devices.PreparedCode, inputs []*devices.Buffer) ([]*devices.Buffer, error) {
	values := make([]*devices.Buffer, m.NumOperands())
	for pos, operandIdx := range m.Inputs() {
		values[operandIdx] = inputs[pos]
	}

	var allocated uint64
	for opIdx := 0; opIdx < m.NumOperations(); opIdx++ {
		op := m.Operation(model.OperationIndex(opIdx))
		opInputs := make([]*devices.Buffer, len(op.Inputs))
		for i, operandIdx := range op.Inputs {
			buffer, err := operandValue(m, operandIdx, values)
			if err != nil {
				return nil, errors.WithMessagef(err, "input #%d of operation %d (%s)", i, opIdx, op.Type)
			}
			opInputs[i] = buffer
		}
		if len(op.Outputs) != 1 {
			return nil, errors.Errorf("operation %d (%s) has %d outputs, expected 1", opIdx, op.Type, len(op.Outputs))
		}
		operandIdx := op.Outputs[0]
		declared := m.Operand(operandIdx).Shape
		result, err := code.Run(op.Type, opInputs, declared)
		if err != nil {
			return nil, errors.WithMessagef(err, "operation %d (%s) of model %q", opIdx, op.Type, m.Name())
		}
		values[operandIdx] = result
		allocated += uint64(result.Shape().Memory())
	}
	if klog.V(1).Enabled() {
		klog.Infof("model %q: ran %d operations, %s of result buffers",
			m.Name(), m.NumOperations(), humanize.Bytes(allocated))
	}

	outputs := make([]*devices.Buffer, len(m.Outputs()))
	for pos, operandIdx := range m.Outputs() {
		buffer, err := operandValue(m, operandIdx, values)
		if err != nil {
			return nil, errors.WithMessagef(err, "output #%d of model %q", pos, m.Name())
		}
		outputs[pos] = buffer
	}
	return outputs, nil
}

// operandValue returns the buffer holding the operand's value, materializing constants
// on first use.
func operandValue(m *model.Model, idx model.OperandIndex, values []*devices.Buffer) (*devices.Buffer, error) {
	if values[idx] != nil {
		return values[idx], nil
	}
	operand := m.Operand(idx)
	switch operand.Lifetime {
	case model.LifetimeConstant:
		values[idx] = devices.NewBufferFromBytes(operand.Shape, operand.Value)
	case model.LifetimeConstantReference:
		pool := m.Pool(operand.Location.Pool)
		data := pool[operand.Location.Offset : operand.Location.Offset+operand.Location.Length]
		values[idx] = devices.NewBufferFromBytes(operand.Shape, data)
	default:
		return nil, errors.Errorf("operand %d (%s) has no value yet", idx, operand.Lifetime)
	}
	return values[idx], nil
}

// checkBufferShape validates a caller buffer against a declared shape. Unknown declared
// dimensions accept any size.
func checkBufferShape(buffer *devices.Buffer, declared shapes.Shape) error {
	got := buffer.Shape()
	if got.DType != declared.DType {
		return errors.Errorf("buffer dtype %s, model declares %s", got.DType, declared.DType)
	}
	if got.Rank() != declared.Rank() {
		return errors.Errorf("buffer rank %d, model declares rank %d", got.Rank(), declared.Rank())
	}
	for axis, dim := range declared.Dimensions {
		if dim != shapes.DimUnknown && got.Dimensions[axis] != dim {
			return errors.Errorf("buffer shape %s does not match declared shape %s", got, declared)
		}
	}
	return nil
}

func positionsOf(indices []model.OperandIndex) map[model.OperandIndex]int {
	positions := make(map[model.OperandIndex]int, len(indices))
	for pos, idx := range indices {
		positions[idx] = pos
	}
	return positions
}
