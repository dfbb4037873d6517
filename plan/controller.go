// Copyright 2025-2026 The nnexec Authors. SPDX-License-Identifier: Apache-2.0

package plan

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/nnexec/nnexec/devices"
	"github.com/nnexec/nnexec/model"
)

// badStepIndex marks a controller created from a plan that didn't finish
// successfully: every Next on it fails.
const badStepIndex StepIndex = -1

// ErrDeviceNotPrepared is returned by Controller.Next when the step's device failed
// preparation. The original preparation error is attached as context; use errors.Is to
// test for it.
var ErrDeviceNotPrepared = errors.New("device code was not prepared for this step")

// Controller is the pull cursor over a plan's execution: each Next returns the next
// unit of work, and (nil, nil) when the plan is exhausted. A controller holds no
// buffers; it only sequences. Create one per execution with Plan.NewController.
type Controller struct {
	plan          *Plan
	nextStepIndex StepIndex
}

// StepExecution is one unit of work yielded by Controller.Next: the (sub-)model to
// run, the device that runs it, and its prepared code. Step is nil when the unit is a
// single-step plan's whole model.
type StepExecution struct {
	Model  *model.Model
	Device devices.Device // nil signifies the software fallback
	Code   devices.PreparedCode
	Step   *ExecutionStep
}

// NewController returns a fresh cursor over the plan's steps. If the plan didn't
// finish successfully the controller is created in a failed state and every Next on
// it errors.
func (p *Plan) NewController() *Controller {
	ok := false
	switch p.state {
	case stateSimple:
		ok = p.simple.successfulFinish
	case stateCompound:
		ok = p.compound.successfulFinish
	}
	c := &Controller{plan: p}
	if !ok {
		klog.Warningf("plan %s: controller created before a successful finish", p.id)
		c.nextStepIndex = badStepIndex
	}
	return c
}

// Next returns the next unit of work, or (nil, nil) once the plan is exhausted.
// Repeated calls after exhaustion keep returning (nil, nil).
//
// If the next step's device failed preparation, Next returns an error wrapping
// ErrDeviceNotPrepared and does not advance, so the caller can observe which step
// failed.
func (c *Controller) Next() (*StepExecution, error) {
	if c.nextStepIndex == badStepIndex {
		return nil, errors.Errorf("plan %s did not finish successfully, nothing to execute", c.plan.id)
	}
	switch c.plan.state {
	case stateSimple:
		if c.nextStepIndex > 0 {
			return nil, nil
		}
		body := c.plan.simple
		if body.prepErr != nil {
			return nil, errors.WithMessagef(ErrDeviceNotPrepared, "device %q: %v", deviceName(body.device), body.prepErr)
		}
		c.nextStepIndex++
		return &StepExecution{Model: body.m, Device: body.device, Code: body.code}, nil

	case stateCompound:
		steps := c.plan.compound.steps
		if int(c.nextStepIndex) >= len(steps) {
			return nil, nil
		}
		step := steps[c.nextStepIndex]
		if step.prepErr != nil {
			return nil, errors.WithMessagef(ErrDeviceNotPrepared, "step %d on device %q: %v",
				step.index, deviceName(step.device), step.prepErr)
		}
		c.nextStepIndex++
		return &StepExecution{Model: step.subModel, Device: step.device, Code: step.code, Step: step}, nil
	}
	return nil, errors.Errorf("plan %s is empty", c.plan.id)
}
