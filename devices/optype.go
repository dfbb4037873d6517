// Copyright 2025-2026 The nnexec Authors. SPDX-License-Identifier: Apache-2.0

package devices

// OpType is an enum of the generic operations a model can contain.
//
// Nothing precludes a specialized device from supporting only a few of these: it
// advertises through Capabilities what it can execute and the planner routes the rest
// to the software fallback.
type OpType int

const (
	OpTypeInvalid OpType = iota

	// Standard unary operations:
	OpTypeAbs
	OpTypeExp
	OpTypeLogistic
	OpTypeNeg
	OpTypeRelu
	OpTypeTanh

	// Standard binary operations:
	OpTypeAdd
	OpTypeDiv
	OpTypeMul
	OpTypeSub

	// Type conversion:
	OpTypeConvertDType

	opTypeLast
)

var opTypeNames = [...]string{
	OpTypeInvalid:      "Invalid",
	OpTypeAbs:          "Abs",
	OpTypeExp:          "Exp",
	OpTypeLogistic:     "Logistic",
	OpTypeNeg:          "Neg",
	OpTypeRelu:         "Relu",
	OpTypeTanh:         "Tanh",
	OpTypeAdd:          "Add",
	OpTypeDiv:          "Div",
	OpTypeMul:          "Mul",
	OpTypeSub:          "Sub",
	OpTypeConvertDType: "ConvertDType",
}

// String implements fmt.Stringer.
func (op OpType) String() string {
	if op <= OpTypeInvalid || op >= opTypeLast {
		return "Invalid"
	}
	return opTypeNames[op]
}

// NumInputs returns how many operand inputs the operation kind consumes.
func (op OpType) NumInputs() int {
	switch op {
	case OpTypeAdd, OpTypeDiv, OpTypeMul, OpTypeSub:
		return 2
	default:
		return 1
	}
}

// OpTypes returns the list of all valid operation kinds.
func OpTypes() []OpType {
	all := make([]OpType, 0, int(opTypeLast)-1)
	for op := OpTypeInvalid + 1; op < opTypeLast; op++ {
		all = append(all, op)
	}
	return all
}
