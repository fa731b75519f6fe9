package facet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCatalogNormalizesDefaults(t *testing.T) {
	catalog, err := NewCatalog(Definition{Name: "writerBrief"})
	require.NoError(t, err)

	def, ok := catalog.Get("writerBrief")
	require.True(t, ok)
	assert.Equal(t, DirectionBoth, def.Direction)
	assert.Equal(t, "/writerBrief", def.Pointer)
	assert.Equal(t, "writerBrief", def.Title)
	assert.NotNil(t, def.Schema)
}

func TestNewCatalogRejectsDuplicatesAndBadInput(t *testing.T) {
	_, err := NewCatalog(
		Definition{Name: "feedback"},
		Definition{Name: "feedback"},
	)
	assert.ErrorContains(t, err, "duplicate facet")

	_, err = NewCatalog(Definition{Name: ""})
	assert.ErrorContains(t, err, "missing name")

	_, err = NewCatalog(Definition{Name: "x", Direction: "sideways"})
	assert.ErrorContains(t, err, "invalid direction")
}

func TestParseCatalogYAML(t *testing.T) {
	data := []byte(`
facets:
  - name: copyVariants
    title: Copy Variants
    direction: output
    pointer: /copy/variants
    schema:
      type: object
      properties:
        variants:
          type: array
          minItems: 1
  - name: toneOfVoice
    direction: input
    schema:
      type: string
`)

	catalog, err := ParseCatalog(data)
	require.NoError(t, err)
	assert.Equal(t, 2, catalog.Len())

	def, ok := catalog.Get("copyVariants")
	require.True(t, ok)
	assert.Equal(t, DirectionOutput, def.Direction)
	assert.Equal(t, "/copy/variants", def.Pointer)
	assert.Equal(t, "object", def.Schema["type"])

	assert.Equal(t, []string{"copyVariants", "toneOfVoice"}, catalog.Names())
}

func TestParseCatalogRejectsEmpty(t *testing.T) {
	_, err := ParseCatalog([]byte("facets: []\n"))
	assert.ErrorContains(t, err, "no facets")

	_, err = ParseCatalog([]byte("{not yaml"))
	assert.Error(t, err)
}

func TestDefaultCatalogCoversBuiltins(t *testing.T) {
	catalog := DefaultCatalog()
	for _, name := range []string{
		"objectiveBrief", "writerBrief", "toneOfVoice", "audienceProfile",
		"planKnobs", "copyVariants", "post_copy", "qaFindings", "feedback",
	} {
		assert.True(t, catalog.Has(name), "missing builtin facet %s", name)
	}

	// Produced copy is also consumed downstream by reviewers and publishers.
	copyVariants, ok := catalog.Get("copyVariants")
	require.True(t, ok)
	assert.Equal(t, DirectionBoth, copyVariants.Direction)
}
