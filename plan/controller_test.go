// Copyright 2025-2026 The nnexec Authors. SPDX-License-Identifier: Apache-2.0

package plan_test

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nnexec/nnexec/devices"
	"github.com/nnexec/nnexec/plan"
)

func TestControllerYieldsStepsInOrder(t *testing.T) {
	p := must.M1(plan.Partition(mulAddModel(t), mulOnlyAccelerator()))
	steps := p.Steps()
	require.Len(t, steps, 2)

	c := p.NewController()
	for _, want := range steps {
		stepExec, err := c.Next()
		require.NoError(t, err)
		require.NotNil(t, stepExec)
		assert.Same(t, want, stepExec.Step)
		assert.Same(t, want.SubModel(), stepExec.Model)
		assert.NotNil(t, stepExec.Code)
	}
	for range 3 {
		stepExec, err := c.Next()
		require.NoError(t, err)
		assert.Nil(t, stepExec)
	}
}

func TestControllersAreIndependent(t *testing.T) {
	p := must.M1(plan.Partition(mulAddModel(t), mulOnlyAccelerator()))

	c1 := p.NewController()
	_, err := c1.Next()
	require.NoError(t, err)

	c2 := p.NewController()
	stepExec, err := c2.Next()
	require.NoError(t, err)
	require.NotNil(t, stepExec)
	assert.Equal(t, plan.StepIndex(0), stepExec.Step.Index())
}

func TestControllerOnUnfinishedPlan(t *testing.T) {
	p := plan.NewPlan()
	p.CreateNewStep(nil, mulAddModel(t))
	c := p.NewController()
	_, err := c.Next()
	require.Error(t, err)
}

func TestControllerSurfacesPreparationFailure(t *testing.T) {
	broken := &fakeAccelerator{
		name:    "broken",
		ops:     []devices.OpType{devices.OpTypeMul},
		prepErr: errors.New("accelerator channel lost"),
	}
	p, err := plan.Partition(mulAddModel(t), broken)
	require.NoError(t, err) // Preparation failure is not a plan failure.
	require.Len(t, p.Steps(), 2)

	c := p.NewController()
	_, err = c.Next()
	require.Error(t, err)
	assert.ErrorIs(t, err, plan.ErrDeviceNotPrepared)
	assert.ErrorContains(t, err, "accelerator channel lost")

	// Next does not advance past a failed step.
	_, err = c.Next()
	assert.ErrorIs(t, err, plan.ErrDeviceNotPrepared)
}

func TestControllerSinglePreparationFailure(t *testing.T) {
	m := mulAddModel(t)
	p := plan.NewPlan()
	p.BecomeSingleStep(&fakeAccelerator{
		name:    "broken",
		ops:     []devices.OpType{devices.OpTypeMul, devices.OpTypeAdd},
		prepErr: errors.New("boom"),
	}, m)
	require.NoError(t, p.Finish())

	c := p.NewController()
	_, err := c.Next()
	assert.ErrorIs(t, err, plan.ErrDeviceNotPrepared)
}
