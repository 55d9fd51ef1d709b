// Package analysis batches fetched content for the analysis provider and
// turns its output into findings.
package analysis

import (
	"sort"
	"unicode/utf8"

	"github.com/scan-engine/internal/models"
)

// Pack groups items into batches whose total Size stays within maxBytes.
// Items are placed largest first into the first batch with room, opening a
// new batch otherwise. An item larger than maxBytes on its own has its text
// truncated to fit and gets a batch to itself.
func Pack(items []models.ContentItem, maxBytes int) [][]models.ContentItem {
	if len(items) == 0 {
		return nil
	}
	if maxBytes <= 0 {
		return [][]models.ContentItem{append([]models.ContentItem(nil), items...)}
	}

	sorted := append([]models.ContentItem(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Size() > sorted[j].Size()
	})

	var (
		batches [][]models.ContentItem
		free    []int
	)
	for _, it := range sorted {
		size := it.Size()
		if size > maxBytes {
			it = truncateItem(it, maxBytes)
			size = it.Size()
		}

		placed := false
		for b := range batches {
			if free[b] >= size {
				batches[b] = append(batches[b], it)
				free[b] -= size
				placed = true
				break
			}
		}
		if !placed {
			batches = append(batches, []models.ContentItem{it})
			free = append(free, maxBytes-size)
		}
	}
	return batches
}

func truncateItem(it models.ContentItem, maxBytes int) models.ContentItem {
	overhead := it.Size() - len(it.Text)
	room := maxBytes - overhead
	if room < 0 {
		room = 0
	}
	if room < len(it.Text) {
		for room > 0 && !utf8.RuneStart(it.Text[room]) {
			room--
		}
		it.Text = it.Text[:room]
	}
	return it
}
