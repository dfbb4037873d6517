// Copyright 2025-2026 The nnexec Authors. SPDX-License-Identifier: Apache-2.0

package plan

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/nnexec/nnexec/devices"
	"github.com/nnexec/nnexec/model"
)

// fallbackDevice marks operations no accelerator supports; they run on the software
// fallback (devices.Default).
const fallbackDevice = -1

// Partition builds an execution plan for a finished model across the given
// accelerators. Each operation goes to the first accelerator whose capabilities cover
// its operation type and all its operand dtypes, or to the software fallback when none
// does. If every operation lands on the same device the plan is single-step; otherwise
// operations are grouped into steps, in dataflow order, gathering consecutive ready
// operations of the same device into one step.
//
// Partitioning an unfinished model is a defect. Operations no device supports at all,
// and plan validation failures, return errors.
func Partition(m *model.Model, accelerators ...devices.Device) (*Plan, error) {
	if !m.IsFinished() {
		exceptions.Panicf("Partition on unfinished model %q", m.Name())
	}
	bestDevice, err := findBestDeviceForEachOperation(m, accelerators)
	if err != nil {
		return nil, err
	}

	p := NewPlan()
	if allSame(bestDevice) {
		var device devices.Device
		if len(bestDevice) > 0 && bestDevice[0] != fallbackDevice {
			device = accelerators[bestDevice[0]]
		}
		klog.V(1).Infof("model %q: all %d operations on device %q, single-step plan",
			m.Name(), m.NumOperations(), deviceName(device))
		p.BecomeSingleStep(device, m)
		if err := p.Finish(); err != nil {
			return nil, err
		}
		return p, nil
	}

	if err := partitionTheWork(p, m, accelerators, bestDevice); err != nil {
		return nil, err
	}
	if err := p.Finish(); err != nil {
		return nil, err
	}
	return p, nil
}

// findBestDeviceForEachOperation picks an accelerator index per operation, or
// fallbackDevice. An operation not even the fallback supports is an error.
func findBestDeviceForEachOperation(m *model.Model, accelerators []devices.Device) ([]int, error) {
	fallbackCaps := devices.Default().Capabilities()
	bestDevice := make([]int, m.NumOperations())
	for opIdx := range bestDevice {
		op := m.Operation(model.OperationIndex(opIdx))
		found := false
		for devIdx, device := range accelerators {
			if deviceSupports(device.Capabilities(), m, op) {
				bestDevice[opIdx] = devIdx
				found = true
				break
			}
		}
		if found {
			continue
		}
		if !deviceSupports(fallbackCaps, m, op) {
			return nil, errors.Errorf("operation %d (%s) of model %q is not supported by any device",
				opIdx, op.Type, m.Name())
		}
		bestDevice[opIdx] = fallbackDevice
	}
	return bestDevice, nil
}

func deviceSupports(caps devices.Capabilities, m *model.Model, op *model.Operation) bool {
	if !caps.SupportsOp(op.Type) {
		return false
	}
	for _, operandIdx := range op.Inputs {
		if !caps.SupportsDType(m.Operand(operandIdx).Shape.DType) {
			return false
		}
	}
	for _, operandIdx := range op.Outputs {
		if !caps.SupportsDType(m.Operand(operandIdx).Shape.DType) {
			return false
		}
	}
	return true
}

func allSame(values []int) bool {
	for _, v := range values {
		if v != values[0] {
			return false
		}
	}
	return true
}

// partitionTheWork groups the model's operations, already in run order, into steps: it
// repeatedly takes the device of the earliest ready operation, opens a step for it, and
// absorbs every operation of that device that is or becomes ready, so producers always
// precede their consumers across steps.
func partitionTheWork(p *Plan, m *model.Model, accelerators []devices.Device, bestDevice []int) error {
	// Consumers of each operand, and how many inputs each operation still waits on.
	consumers := make(map[model.OperandIndex][]model.OperationIndex)
	pending := make([]int, m.NumOperations())
	for opIdx := 0; opIdx < m.NumOperations(); opIdx++ {
		op := m.Operation(model.OperationIndex(opIdx))
		for _, in := range op.Inputs {
			if m.Producer(in) == model.InvalidOperationIndex {
				continue // graph input or constant, always available
			}
			consumers[in] = append(consumers[in], model.OperationIndex(opIdx))
			pending[opIdx]++
		}
	}

	var ready []model.OperationIndex
	for opIdx := range pending {
		if pending[opIdx] == 0 {
			ready = append(ready, model.OperationIndex(opIdx))
		}
	}

	done := 0
	for len(ready) > 0 {
		device := bestDevice[ready[0]]
		step := p.CreateNewStep(acceleratorOrNil(accelerators, device), m)
		klog.V(2).Infof("model %q: new step %d for device %d", m.Name(), step.Index(), device)

		// Absorb ready operations of this device; operations they unblock join the
		// queue and are absorbed too if they match.
		for i := 0; i < len(ready); {
			opIdx := ready[i]
			if bestDevice[opIdx] != device {
				i++
				continue
			}
			ready = append(ready[:i], ready[i+1:]...)
			addOperationToStep(step, m, opIdx)
			done++
			for _, out := range m.Operation(opIdx).Outputs {
				for _, consumer := range consumers[out] {
					pending[consumer]--
					if pending[consumer] == 0 {
						ready = append(ready, consumer)
					}
				}
			}
		}
	}
	if done != m.NumOperations() {
		return errors.Errorf("partitioned only %d of %d operations of model %q", done, m.NumOperations(), m.Name())
	}
	return nil
}

func addOperationToStep(step *ExecutionStep, m *model.Model, opIdx model.OperationIndex) {
	op := m.Operation(opIdx)
	for _, in := range op.Inputs {
		step.AddOperand(in, OperandInput, m)
	}
	for _, out := range op.Outputs {
		step.AddOperand(out, OperandOutput, m)
	}
	step.AddOperation(opIdx, m)
}

func acceleratorOrNil(accelerators []devices.Device, idx int) devices.Device {
	if idx == fallbackDevice {
		return nil
	}
	return accelerators[idx]
}
