package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleMarshal_LabeledGroupRoundTrips(t *testing.T) {
	group := Group(LogicOr,
		Cond("finding.severity", OpEquals, "CRITICAL"),
		Cond("finding.evidence_count", OpGreaterEq, 3),
	)
	group.Label = "Severity or evidence"

	data, err := json.Marshal(group)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"label":"Severity or evidence"`)

	var decoded Rule
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.IsGroup())
	assert.Equal(t, LogicOr, decoded.Logic)
	assert.Equal(t, "Severity or evidence", decoded.Label)
	require.Len(t, decoded.Rules, 2)
	assert.Equal(t, "finding.severity", decoded.Rules[0].Field)
}

func TestRuleMarshal_UnlabeledGroupOmitsLabel(t *testing.T) {
	data, err := json.Marshal(Group(LogicAnd, Cond("cap.open_actions", OpEquals, 0)))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "label")
}
