package salvage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-gateway/internal/inference"
)

const doc = `{"name":"Lead routing","nodes":[{"id":"a","type":"trigger"}],"edges":[]}`

func TestFencedAndUnfencedAreByteIdentical(t *testing.T) {
	plain, err := Extract(doc)
	require.NoError(t, err)

	cases := map[string]string{
		"json tag":      "```json\n" + doc + "\n```",
		"no tag":        "```\n" + doc + "\n```",
		"single line":   "```" + doc + "```",
		"with chatter":  "Here is your workflow:\n\n```json\n" + doc + "\n```\nLet me know if you need changes.",
		"padded":        "\n\n   " + doc + "   \n",
		"unterminated":  "```json\n" + doc,
		"uppercase tag": "```JSON\n" + doc + "\n```",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := Extract(in)
			require.NoError(t, err)
			assert.Equal(t, plain, got)
		})
	}
}

func TestBraceSalvage(t *testing.T) {
	in := `Sure! The workflow is {"nodes":[],"edges":[]} and that is all.`
	got, err := Extract(in)
	require.NoError(t, err)
	assert.Equal(t, `{"nodes":[],"edges":[]}`, got)
}

func TestBraceSalvageInsideFence(t *testing.T) {
	in := "```json\n// generated\n{\"nodes\":[]}\n```"
	got, err := Extract(in)
	require.NoError(t, err)
	assert.Equal(t, `{"nodes":[]}`, got)
}

func TestUnsalvageableIsMalformed(t *testing.T) {
	for _, in := range []string{
		"",
		"I could not produce a workflow.",
		`{"nodes": [ {"id": "a" ]`,
		"} backwards {",
	} {
		_, err := Extract(in)
		require.Error(t, err, in)
		k, ok := inference.KindOf(err)
		require.True(t, ok)
		assert.Equal(t, inference.KindMalformed, k)
	}
}

func TestObject(t *testing.T) {
	obj, err := Object("```json\n" + doc + "\n```")
	require.NoError(t, err)
	assert.Equal(t, "Lead routing", obj["name"])

	_, err = Object(`"just a string"`)
	require.Error(t, err)
	k, _ := inference.KindOf(err)
	assert.Equal(t, inference.KindMalformed, k)

	obj, err = Object(`[{"summary":"wrapped in a list"}]`)
	require.NoError(t, err)
	assert.Equal(t, "wrapped in a list", obj["summary"])
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, "abc", StripFences("  abc \n"))
	assert.Equal(t, `{"a":1}`, StripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, "", StripFences("```\n```"))
}
