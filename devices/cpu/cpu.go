// Copyright 2025-2026 The nnexec Authors. SPDX-License-Identifier: Apache-2.0

// Package cpu implements the default software fallback device: a pure Go device that
// supports every operation kind and every buffer dtype the runtime defines.
//
// It is registered under the name "cpu". Importing the package is enough to make it
// available as the default device:
//
//	import _ "github.com/nnexec/nnexec/devices/cpu"
package cpu

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/nnexec/nnexec/devices"
	"github.com/nnexec/nnexec/shapes"
)

// Name of the device as registered in the devices registry.
const Name = "cpu"

func init() {
	devices.Register(Name, func(config string) devices.Device {
		_ = config // No configuration supported yet.
		return New()
	})
}

// Device is the software fallback. It holds no state: preparation is a capability
// check only.
type Device struct{}

// Compile-time check:
var _ devices.Device = Device{}

// New returns the software fallback device.
func New() Device { return Device{} }

// Name implements devices.Device.
func (Device) Name() string { return Name }

// Description implements devices.Device.
func (Device) Description() string { return "nnexec pure Go software fallback" }

// Capabilities implements devices.Device: every operation and dtype is supported.
func (Device) Capabilities() devices.Capabilities {
	return capabilities.Clone()
}

// Prepare implements devices.Device. The software fallback interprets operations one at
// a time, so preparation only verifies the requested operations are known.
func (d Device) Prepare(ops []devices.OpType) (devices.PreparedCode, error) {
	for _, op := range ops {
		if !capabilities.SupportsOp(op) {
			return nil, errors.Errorf("cpu device cannot prepare unknown operation %s", op)
		}
	}
	klog.V(2).Infof("cpu: prepared %d operation kinds", len(ops))
	return code{}, nil
}

// code is the prepared form for the cpu device.
type code struct{}

// Run implements devices.PreparedCode.
func (code) Run(op devices.OpType, inputs []*devices.Buffer, output shapes.Shape) (*devices.Buffer, error) {
	if len(inputs) != op.NumInputs() {
		return nil, errors.Errorf("cpu: operation %s takes %d inputs, got %d", op, op.NumInputs(), len(inputs))
	}
	switch op {
	case devices.OpTypeAdd, devices.OpTypeDiv, devices.OpTypeMul, devices.OpTypeSub:
		return runBinary(op, inputs[0], inputs[1], output)
	case devices.OpTypeAbs, devices.OpTypeExp, devices.OpTypeLogistic, devices.OpTypeNeg,
		devices.OpTypeRelu, devices.OpTypeTanh:
		return runUnary(op, inputs[0], output)
	case devices.OpTypeConvertDType:
		return runConvertDType(inputs[0], output)
	}
	return nil, errors.Errorf("cpu: operation %s not implemented", op)
}

// resolveOutputShape checks the computed shape against the declared one, resolving
// unknown dimensions. Declared concrete dimensions must match.
func resolveOutputShape(computed, declared shapes.Shape) (shapes.Shape, error) {
	if declared.DType != computed.DType {
		return shapes.Invalid(), errors.Errorf(
			"cpu: computed output dtype %s differs from declared %s", computed.DType, declared.DType)
	}
	if declared.Rank() != computed.Rank() {
		return shapes.Invalid(), errors.Errorf(
			"cpu: computed output shape %s differs in rank from declared %s", computed, declared)
	}
	for axis, dim := range declared.Dimensions {
		if dim != shapes.DimUnknown && dim != computed.Dimensions[axis] {
			return shapes.Invalid(), errors.Errorf(
				"cpu: computed output shape %s incompatible with declared %s", computed, declared)
		}
	}
	return computed, nil
}
