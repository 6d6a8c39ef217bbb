package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategoryOfCategorized(t *testing.T) {
	assert.Equal(t, CategoryTransient, CategoryOf(Transientf("conn dropped")))
	assert.Equal(t, CategoryTerminal, CategoryOf(Terminalf("bad row")))
	assert.Equal(t, CategoryFatal, CategoryOf(Fatalf("dlq write failed")))
	assert.Equal(t, CategoryQuarantine, CategoryOf(Quarantinef("ddl failed")))

	err := SchemaIncompatiblef("unsupported-type", "age", "no mapping for counter")
	assert.Equal(t, CategorySchemaIncompatible, CategoryOf(err))
	assert.Equal(t, "unsupported-type", ReasonOf(err))
	assert.Contains(t, err.Error(), "age")
}

func TestCategoryOfWrapped(t *testing.T) {
	inner := Terminalf("constraint violated")
	wrapped := fmt.Errorf("sink write: %w", inner)
	assert.Equal(t, CategoryTerminal, CategoryOf(wrapped))
	assert.True(t, IsTerminal(wrapped))
}

func TestClassifyRawMessages(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorCategory
	}{
		{"dial tcp: i/o timeout", CategoryTransient},
		{"write: broken pipe", CategoryTransient},
		{"FATAL: too many connections", CategoryTransient},
		{"deadlock detected", CategoryTransient},
		{"pq: permission denied for table users", CategoryTerminal},
		{"ERROR: syntax error at or near", CategoryTerminal},
		{"relation \"users\" does not exist", CategoryTerminal},
		{"something entirely novel", CategoryTransient}, // unknown defaults transient
		// transient fragment wins even when a terminal fragment also matches
		{"lock violates something", CategoryTransient},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryOf(errors.New(tt.msg)))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(Transientf("x")))
	assert.True(t, IsTerminal(Terminalf("x")))
	assert.True(t, IsTerminal(SchemaIncompatiblef("key-drop", "id", "dropped key")))
	assert.True(t, IsTerminal(Fatalf("x")))
}
