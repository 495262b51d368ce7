package names

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDictionary = `
[[word]]
index = 0
category = 0
text = "Sir"

[[word]]
index = 1
category = 1
text = "Flappy"

[[word]]
index = 2
category = 2
text = "Wacko"

[[word]]
index = 3
category = 3
text = "muddle"
`

func loadSample(t *testing.T) *Dictionary {
	t.Helper()
	path := filepath.Join(t.TempDir(), "name_dictionary.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDictionary), 0o644))
	d, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 4, d.Len())
	return d
}

func TestPatternNameFullName(t *testing.T) {
	d := loadSample(t)
	got, err := d.PatternName([4]PatternPart{
		{Index: 0, Flag: 1},
		{Index: 1, Flag: 1},
		{Index: 2, Flag: 1},
		{Index: 3, Flag: 0},
	})
	require.NoError(t, err)
	assert.Equal(t, "Sir Flappy Wackomuddle", got)
}

func TestPatternNameEmptySlots(t *testing.T) {
	d := loadSample(t)
	got, err := d.PatternName([4]PatternPart{
		{Index: -1},
		{Index: 1, Flag: 1},
		{Index: -1},
		{Index: -1},
	})
	require.NoError(t, err)
	assert.Equal(t, "Flappy", got)
}

func TestPatternNameUnknownIndex(t *testing.T) {
	d := loadSample(t)
	_, err := d.PatternName([4]PatternPart{{Index: 99, Flag: 1}, {Index: -1}, {Index: -1}, {Index: -1}})
	assert.Error(t, err)
}

func TestPatternNameWrongSlot(t *testing.T) {
	d := loadSample(t)
	// A title word used in the first-name slot.
	_, err := d.PatternName([4]PatternPart{{Index: -1}, {Index: 0, Flag: 1}, {Index: -1}, {Index: -1}})
	assert.Error(t, err)
}

func TestPatternNameAllEmpty(t *testing.T) {
	d := loadSample(t)
	_, err := d.PatternName([4]PatternPart{{Index: -1}, {Index: -1}, {Index: -1}, {Index: -1}})
	assert.Error(t, err)
}
