// Copyright 2025-2026 The nnexec Authors. SPDX-License-Identifier: Apache-2.0

package plan

import (
	"github.com/gomlx/exceptions"

	"github.com/nnexec/nnexec/model"
)

// OperandRemapper converts operand indices between the original model and one step's
// private sub-model. It is what makes partitioning possible without mutating the
// original model: each step records, for every operand it touches, the pair
// (original index, local index).
type OperandRemapper struct {
	toLocal map[model.OperandIndex]model.OperandIndex

	// toOriginal[local] = original. Local indices are dense, assigned in insertion
	// order by the sub-model.
	toOriginal []model.OperandIndex
}

func newOperandRemapper() *OperandRemapper {
	return &OperandRemapper{toLocal: make(map[model.OperandIndex]model.OperandIndex)}
}

// Local returns the sub-model index for an original-model operand index, if known.
func (r *OperandRemapper) Local(original model.OperandIndex) (local model.OperandIndex, ok bool) {
	local, ok = r.toLocal[original]
	return
}

// Original returns the original-model index for a sub-model operand index, if known.
func (r *OperandRemapper) Original(local model.OperandIndex) (original model.OperandIndex, ok bool) {
	if local < 0 || int(local) >= len(r.toOriginal) {
		return model.InvalidOperandIndex, false
	}
	return r.toOriginal[local], true
}

// Len returns how many operands have been remapped.
func (r *OperandRemapper) Len() int { return len(r.toOriginal) }

func (r *OperandRemapper) add(original, local model.OperandIndex) {
	if int(local) != len(r.toOriginal) {
		exceptions.Panicf("OperandRemapper: local indices must be dense, got %d, expected %d",
			local, len(r.toOriginal))
	}
	r.toLocal[original] = local
	r.toOriginal = append(r.toOriginal, original)
}
