package presets_test

import (
	"testing"

	"github.com/dargueta/inodefs"
	"github.com/dargueta/inodefs/presets"
	fstest "github.com/dargueta/inodefs/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	preset, err := presets.Get("floppy-1440k")
	require.NoError(t, err)
	assert.Equal(t, "3.5-inch HD floppy", preset.Name)
	assert.EqualValues(t, 2880, preset.TotalBlocks)
	assert.Equal(t, 224, preset.FileCount)
	assert.EqualValues(t, 1474560, preset.TotalSizeBytes())
}

func TestGet__Missing(t *testing.T) {
	_, err := presets.Get("zip-100")
	assert.ErrorIs(t, err, inodefs.ErrNotFound)
}

func TestAll__SortedAndCopied(t *testing.T) {
	all := presets.All()
	require.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		assert.LessOrEqual(t, all[i-1].TotalBlocks, all[i].TotalBlocks)
	}

	all[0].Slug = "changed"
	assert.NotEqual(t, "changed", presets.All()[0].Slug, "All returned its internal slice")
}

func TestAll__EveryPresetFormats(t *testing.T) {
	for _, preset := range presets.All() {
		t.Run(preset.Slug, func(t *testing.T) {
			fs, _ := fstest.MountBlankVolume(t, preset.TotalBlocks, preset.FileCount)

			stat, err := fs.StatVolume()
			require.NoError(t, err)
			assert.EqualValues(t, preset.FileCount, stat.TotalInodes)
			assert.NoError(t, fs.Check())
		})
	}
}
