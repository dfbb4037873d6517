// Copyright 2025-2026 The nnexec Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := Make[int]()
	assert.False(t, s.Has(3))
	s.Insert(3, 7)
	assert.True(t, s.Has(3))
	assert.True(t, s.Has(7))
	assert.Len(t, s, 2)

	s2 := MakeWith(7, 3)
	assert.True(t, s.Equal(s2))
	s2.Insert(11)
	assert.False(t, s.Equal(s2))
}
