package canonical_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worktreehq/worktree/pkg/canonical"
)

func TestMarshal_SortsKeys(t *testing.T) {
	got, err := canonical.Marshal(map[string]any{"b": 1, "a": 2, "c": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":3}`, string(got))
}

func TestMarshal_NestedAndStable(t *testing.T) {
	v := map[string]any{
		"payload": map[string]any{"node_id": "x"},
		"op_type": "remove_node",
	}
	first, err := canonical.String(v)
	require.NoError(t, err)
	assert.Equal(t, `{"op_type":"remove_node","payload":{"node_id":"x"}}`, first)

	// Byte-stable across encodes.
	second, err := canonical.String(v)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	got, err := canonical.String(map[string]string{"name": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"name":"a<b>&c"}`, got)
}

func TestMarshal_EquivalentSourcesAgree(t *testing.T) {
	var a, b any
	require.NoError(t, json.Unmarshal([]byte(`{"x": 1,   "y": [2, 3]}`), &a))
	require.NoError(t, json.Unmarshal([]byte(`{"y":[2,3],"x":1}`), &b))

	ca, err := canonical.String(a)
	require.NoError(t, err)
	cb, err := canonical.String(b)
	require.NoError(t, err)
	assert.Equal(t, ca, cb)
}

func TestHashBytes(t *testing.T) {
	// sha256("")
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		canonical.HashBytes(nil))
}

func TestChainHash_GenesisVector(t *testing.T) {
	encoded := `{"op_type":"add_node","payload":{"new_node_id":"2","new_node_name":"1","parent_node_id":"1"},"timestamp":0}`
	assert.Equal(t,
		"dd76856ab09a33209f2212284718d8b07ca78110fc12ce43fefac351742b0651",
		canonical.ChainHash("", encoded))
}

func TestChainHash_DependsOnPrev(t *testing.T) {
	assert.NotEqual(t, canonical.ChainHash("", "x"), canonical.ChainHash("a", "x"))
}
