// Copyright 2025-2026 The nnexec Authors. SPDX-License-Identifier: Apache-2.0

// Package devices defines the interface a compute backend needs to implement to execute
// operations for the nnexec runtime, plus the registry of available devices.
//
// A device that doesn't implement every operation declares so through its Capabilities:
// the planner (see package plan) only assigns it operations it can run, and routes
// everything else to the default software fallback.
//
// To simplify error handling in invariant checks, defects panic with a stack trace.
// See package github.com/gomlx/exceptions. Legitimate runtime failures (a device failing
// to prepare code) are returned as errors.
package devices

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"

	"github.com/nnexec/nnexec/shapes"
)

// Device is the API a compute backend implements.
//
// A nil Device is a valid sentinel throughout the runtime and denotes the default
// software fallback (see Default).
type Device interface {
	// Name returns the short name of the device. E.g.: "cpu" for the software fallback.
	Name() string

	// Description is a longer description of the Device that can be used to pretty-print.
	Description() string

	// Capabilities returns the set of operations and dtypes this device can execute.
	Capabilities() Capabilities

	// Prepare readies the device to execute the given operation kinds, returning the
	// prepared code. It fails (with an error, not a panic) if the device cannot ready
	// itself -- e.g., an accelerator that lost its channel -- which the caller surfaces
	// at execution time.
	Prepare(ops []OpType) (PreparedCode, error)
}

// PreparedCode is a device-side compiled routine set, ready to run operations.
type PreparedCode interface {
	// Run executes one operation on the given input buffers and returns the output
	// buffer.
	//
	// The declared output shape may contain unknown dimensions (shapes.DimUnknown):
	// the device resolves them and the returned buffer carries the concrete shape.
	// Dimensions that are declared must match the computed ones.
	Run(op OpType, inputs []*Buffer, output shapes.Shape) (*Buffer, error)
}

// Constructor takes a config string (optionally empty) and returns a Device.
type Constructor func(config string) Device

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a device constructor under the given name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the device configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// NNEXEC_DEVICE is the environment variable with the default device configuration.
//
// The format of config is "<device_name>:<device_configuration>".
const NNEXEC_DEVICE = "NNEXEC_DEVICE"

// Default returns the default fallback Device.
//
// The default is:
//
// 1. The environment NNEXEC_DEVICE is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered device is used with an empty configuration.
//
// It panics if no device was registered.
func Default() Device {
	config, found := os.LookupEnv(NNEXEC_DEVICE)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a Device from a configuration string formatted as
// "<device_name>:<device_configuration>". The "<device_name>" is the name of a
// registered device (e.g.: "cpu") and "<device_configuration>" is device specific.
func NewWithConfig(config string) Device {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered devices for nnexec -- maybe import the software fallback with import _ "github.com/nnexec/nnexec/devices/cpu"?`)
	}
	deviceName, deviceConfig := config, ""
	if idx := strings.Index(config, ":"); idx != -1 {
		deviceName = config[:idx]
		deviceConfig = config[idx+1:]
	}
	if deviceName == "" {
		deviceName = firstRegistered
	}
	constructor, found := registeredConstructors[deviceName]
	if !found {
		exceptions.Panicf("can't find device %q for configuration %q given", deviceName, config)
	}
	return constructor(deviceConfig)
}
