package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YoshitsuguKoike/contractd/internal/domain/model"
	"github.com/YoshitsuguKoike/contractd/internal/domain/model/contract"
)

func TestParseContractFile(t *testing.T) {
	dep := model.NewContractID()
	doc := `
title: Ingest nightly batch
description: Pull yesterday's events into the warehouse
max_retries: 5
timeout_sec: 900

depends_on:
  - id: ` + dep.String() + `
    on_failure: notify

input:
  payload:
    source: s3://bucket/events
    day: "2026-08-30"
  schema:
    type: object
    required: [source]

output:
  schema:
    type: object
    required: [rows]
  expected_artifacts:
    - warehouse/events_20260830

verification:
  continue_on_failure: true
  checks:
    - name: row_count
      type: command
      command: check-rows events_20260830
      expected_exit: 0
      output_pattern: 'rows=[1-9]\d*'
      timeout_sec: 120
      retries: 2
    - name: signoff
      type: human_review
      instructions: Compare totals against the source system

rollback:
  strategy: automatic
  commands:
    - drop-partition events_20260830
`

	input, err := parseContractFile([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, "Ingest nightly batch", input.Title)
	assert.Equal(t, 5, input.MaxRetries)
	assert.Equal(t, 900, input.Spec.TimeoutSec)

	require.Len(t, input.DependsOn, 1)
	assert.True(t, input.DependsOn[0].ContractID.Equals(dep))
	assert.Equal(t, contract.CascadeNotify, input.DependsOn[0].OnFailure)

	assert.JSONEq(t, `{"source": "s3://bucket/events", "day": "2026-08-30"}`, string(input.Spec.Input.Payload))
	assert.JSONEq(t, `{"type": "object", "required": ["source"]}`, string(input.Spec.Input.Schema))
	assert.JSONEq(t, `{"type": "object", "required": ["rows"]}`, string(input.Spec.Output.Schema))
	assert.Equal(t, []string{"warehouse/events_20260830"}, input.Spec.Output.ExpectedArtifacts)

	require.Len(t, input.Spec.Verification.Checks, 2)
	assert.True(t, input.Spec.Verification.ContinueOnFailure)

	rowCount := input.Spec.Verification.Checks[0]
	assert.Equal(t, contract.CheckTypeCommand, rowCount.Type)
	assert.Equal(t, "check-rows events_20260830", rowCount.Command)
	assert.Equal(t, `rows=[1-9]\d*`, rowCount.OutputPattern)
	assert.Equal(t, 120, rowCount.TimeoutSec)
	assert.Equal(t, 2, rowCount.Retries)

	signoff := input.Spec.Verification.Checks[1]
	assert.Equal(t, contract.CheckTypeHumanReview, signoff.Type)
	assert.NotEmpty(t, signoff.Instructions)

	assert.Equal(t, contract.RollbackAutomatic, input.Spec.Rollback.Strategy)
	assert.Equal(t, []string{"drop-partition events_20260830"}, input.Spec.Rollback.Commands)
}

func TestParseContractFileMinimal(t *testing.T) {
	input, err := parseContractFile([]byte("title: just a title\n"))
	require.NoError(t, err)
	assert.Equal(t, "just a title", input.Title)
	assert.Equal(t, 3, input.MaxRetries)
	assert.Nil(t, input.Spec.Input.Payload)
	assert.Empty(t, input.DependsOn)
}

func TestParseContractFileErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing title", "description: no title here\n"},
		{"not yaml", "title: [unclosed\n"},
		{"empty dependency id", "title: x\ndepends_on:\n  - id: \"\"\n"},
		{"bad cascade policy", "title: x\ndepends_on:\n  - id: " + model.NewContractID().String() + "\n    on_failure: explode\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseContractFile([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}
