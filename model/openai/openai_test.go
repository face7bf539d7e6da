package openai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/fixflow/model"
)

func TestOrderedCallsFollowsIndexOrder(t *testing.T) {
	agg := map[int64]*aggCall{
		2: {id: "c3", name: "get_guide", args: `{"guide_id":42}`},
		0: {id: "c1", name: "find_device", args: `{"query":"ps5"}`},
		1: {id: "c2", name: "list_guides", args: `{"device_title":"PlayStation 5"}`},
	}

	calls := orderedCalls(agg)
	require.Len(t, calls, 3)
	assert.Equal(t, []model.ToolCall{
		{ID: "c1", Name: "find_device", Arguments: `{"query":"ps5"}`},
		{ID: "c2", Name: "list_guides", Arguments: `{"device_title":"PlayStation 5"}`},
		{ID: "c3", Name: "get_guide", Arguments: `{"guide_id":42}`},
	}, calls)
}

func TestOrderedCallsEmpty(t *testing.T) {
	assert.Nil(t, orderedCalls(map[int64]*aggCall{}))
}
