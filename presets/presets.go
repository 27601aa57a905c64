// Package presets provides named volume sizes for formatting, modeled on common
// floppy disk capacities.
package presets

import (
	_ "embed"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/dargueta/inodefs"
	"github.com/dargueta/inodefs/filesystem"
	"github.com/dargueta/inodefs/superblock"
	"github.com/gocarina/gocsv"
	"github.com/gosimple/slug"
)

// Preset is a named volume geometry.
type Preset struct {
	Name        string `csv:"name"`
	Slug        string `csv:"slug"`
	TotalBlocks uint   `csv:"total_blocks"`
	// FileCount is the number of directory slots, including the root.
	FileCount int    `csv:"file_count"`
	Notes     string `csv:"notes"`
}

// TotalSizeBytes gives the size of an image file holding this volume.
func (p Preset) TotalSizeBytes() int64 {
	return int64(p.TotalBlocks) * inodefs.DefaultBlockSize
}

func (p Preset) validate() error {
	if !slug.IsSlug(p.Slug) {
		return fmt.Errorf("%q isn't a valid slug, try %q", p.Slug, slug.Make(p.Slug))
	}
	if p.TotalBlocks < superblock.MinTotalBlocks || p.TotalBlocks > uint(superblock.MaxTotalBlocks) {
		return fmt.Errorf(
			"%d blocks is outside [%d, %d]",
			p.TotalBlocks,
			superblock.MinTotalBlocks,
			superblock.MaxTotalBlocks,
		)
	}
	if p.FileCount < 1 || p.FileCount > filesystem.MaxFileCount {
		return fmt.Errorf("%d files is outside [1, %d]", p.FileCount, filesystem.MaxFileCount)
	}
	if superblock.FirstDataBlock(uint(p.FileCount)) >= p.TotalBlocks {
		return fmt.Errorf("inode table for %d files fills the volume", p.FileCount)
	}
	return nil
}

//go:embed volumes.csv
var presetsRawCSV string
var presetList []Preset
var presetsBySlug map[string]Preset

// Get returns the preset with the given slug.
func Get(slug string) (Preset, error) {
	preset, ok := presetsBySlug[slug]
	if ok {
		return preset, nil
	}
	return Preset{}, inodefs.ErrNotFound.WithMessage(
		fmt.Sprintf("no volume preset exists with slug %q", slug))
}

// All returns every preset, smallest first.
func All() []Preset {
	result := make([]Preset, len(presetList))
	copy(result, presetList)
	return result
}

func init() {
	csvReader := csv.NewReader(strings.NewReader(presetsRawCSV))
	csvReader.Comma = '|'

	err := gocsv.UnmarshalCSV(csvReader, &presetList)
	if err != nil {
		panic(fmt.Errorf("failed to decode volume presets: %w", err))
	}

	presetsBySlug = make(map[string]Preset, len(presetList))
	for i, row := range presetList {
		if _, exists := presetsBySlug[row.Slug]; exists {
			panic(fmt.Errorf("duplicate definition for preset %q found on row %d", row.Slug, i+1))
		}
		if err := row.validate(); err != nil {
			panic(fmt.Errorf("invalid preset %q on row %d: %w", row.Slug, i+1, err))
		}
		presetsBySlug[row.Slug] = row
	}
}
