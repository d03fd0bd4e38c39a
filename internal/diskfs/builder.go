package diskfs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// BuildFromDirectory formats a new image of sizeBytes at outPath and packs
// every regular file directly under sourceDir into it (non-recursively: the
// on-disk layout has one flat directory, so nested paths have no home),
// sorted by name for reproducible output.
func BuildFromDirectory(outPath, sourceDir string, sizeBytes int64) error {
	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return fmt.Errorf("diskfs: read source directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("diskfs: create image: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(sizeBytes); err != nil {
		return fmt.Errorf("diskfs: size image: %w", err)
	}

	img, err := Format(f, sizeBytes)
	if err != nil {
		return fmt.Errorf("diskfs: format image: %w", err)
	}

	for _, e := range entries {
		if err := packEntry(img, sourceDir, e); err != nil {
			return err
		}
	}
	return nil
}

func packEntry(img *Image, sourceDir string, e fs.DirEntry) error {
	if e.IsDir() {
		return nil
	}
	if len(e.Name()) > MaxNameLen {
		return fmt.Errorf("diskfs: filename %q exceeds %d bytes", e.Name(), MaxNameLen)
	}
	data, err := os.ReadFile(filepath.Join(sourceDir, e.Name()))
	if err != nil {
		return fmt.Errorf("diskfs: read %s: %w", e.Name(), err)
	}
	if err := img.WriteFile(e.Name(), data); err != nil {
		return fmt.Errorf("diskfs: pack %s: %w", e.Name(), err)
	}
	return nil
}
