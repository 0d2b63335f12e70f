package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCrawlState_String(t *testing.T) {
	tests := []struct {
		state CrawlState
		want  string
	}{
		{StateUnset, "unset"},
		{StateNew, "NEW"},
		{StateBadStatus, "BAD_STATUS"},
		{StateNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestCrawlState_Predicates(t *testing.T) {
	tests := []struct {
		state         CrawlState
		valid         bool
		good          bool
		newOrModified bool
	}{
		{StateNew, true, true, true},
		{StateModified, true, true, true},
		{StateUnmodified, true, true, false},
		{StatePremature, true, true, false},
		{StateError, true, false, false},
		{StateRejected, true, false, false},
		{StateBadStatus, true, false, false},
		{StateDeleted, true, false, false},
		{StateNotFound, true, false, false},
		{StateUnset, false, false, false},
		{CrawlState("arbitrary"), false, false, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, tt.state.IsValid(), "CrawlState(%q).IsValid()", string(tt.state))
		assert.Equal(t, tt.good, tt.state.IsGoodState(), "CrawlState(%q).IsGoodState()", string(tt.state))
		assert.Equal(t, tt.newOrModified, tt.state.IsNewOrModified(), "CrawlState(%q).IsNewOrModified()", string(tt.state))
	}
}

func TestCrawlState_IsOneOf(t *testing.T) {
	assert.True(t, StateNotFound.IsOneOf(StateBadStatus, StateNotFound))
	assert.False(t, StateNew.IsOneOf(StateBadStatus, StateNotFound))
	assert.False(t, StateNew.IsOneOf())
}

func TestParseStage(t *testing.T) {
	for _, s := range []Stage{StageQueued, StageActive, StageProcessed, StageCached} {
		got, ok := ParseStage(string(s))
		assert.True(t, ok)
		assert.Equal(t, s, got)
	}
	_, ok := ParseStage("limbo")
	assert.False(t, ok)
	assert.Equal(t, "none", StageNone.String())
}
