package budget

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pathfindlabs/journeybuilder/internal/config"
	"github.com/pathfindlabs/journeybuilder/internal/models"
)

func testAllocator(maxSources, minSlice int) *Allocator {
	return NewAllocator(config.BudgetConfig{
		MaxSources:     maxSources,
		MinUsefulSlice: minSlice,
	}, zap.NewNop())
}

func srcWithContent(url, title string, contentUnits int) *models.SourceItem {
	return &models.SourceItem{
		URL:     url,
		Title:   title,
		Content: strings.Repeat("word", contentUnits), // 4 chars per unit
	}
}

func TestScoreOrdering(t *testing.T) {
	academic := Score(&models.SourceItem{URL: "https://pubmed.ncbi.nlm.nih.gov/123"})
	government := Score(&models.SourceItem{URL: "https://www.cdc.gov/data"})
	medical := Score(&models.SourceItem{URL: "https://www.mayoclinic.org/x"})
	vendor := Score(&models.SourceItem{URL: "https://www.pfizer.com/pipeline"})
	generic := Score(&models.SourceItem{URL: "https://example.com/blog"})

	assert.Equal(t, 90, academic)
	assert.Equal(t, 85, government)
	assert.Equal(t, 75, medical)
	assert.Equal(t, 65, vendor)
	assert.Equal(t, 50, generic)
}

func TestScoreTitleBonuses(t *testing.T) {
	base := Score(&models.SourceItem{URL: "https://example.com"})
	recent := Score(&models.SourceItem{URL: "https://example.com", Title: "Report 2025"})
	topical := Score(&models.SourceItem{URL: "https://example.com", Title: "Prevalence survey 2025"})

	assert.Equal(t, base+10, recent)
	assert.Equal(t, base+20, topical)
}

func TestAllocateOrderedSlices(t *testing.T) {
	a := testAllocator(15, 400)
	items := []*models.SourceItem{
		{URL: "https://example.com/c", Title: "generic", Content: strings.Repeat("x", 8000)},
		{URL: "https://www.webmd.com/b", Title: "medical", Content: strings.Repeat("x", 8000)},
		{URL: "https://pubmed.ncbi.nlm.nih.gov/a", Title: "academic", Content: strings.Repeat("x", 8000)},
	}

	selected, used := a.Allocate(items, 1500)
	require.Len(t, selected, 3)
	assert.Equal(t, 90, selected[0].Score)
	assert.Equal(t, 75, selected[1].Score)
	assert.Equal(t, 50, selected[2].Score)
	assert.True(t, selected[0].Truncated)
	assert.LessOrEqual(t, used, 1500)
}

func TestAllocateNeverExceedsBudget(t *testing.T) {
	a := testAllocator(15, 100)
	var items []*models.SourceItem
	for i := 0; i < 30; i++ {
		items = append(items, srcWithContent("https://example.com", "long source title here", 5000))
	}

	for _, budget := range []int{500, 1500, 10000, 160000} {
		selected, used := a.Allocate(items, budget)
		assert.LessOrEqual(t, used, budget)

		total := 0
		for _, s := range selected {
			total += Estimate(s.Content)
		}
		assert.LessOrEqual(t, total, budget)
	}
}

func TestTruncateEstimateIncludesMarker(t *testing.T) {
	text := strings.Repeat("word", 5000)
	for _, max := range []int{1, 3, 4, 50, 448} {
		out := Truncate(text, max)
		assert.LessOrEqual(t, Estimate(out), max, "max %d", max)
		if max > Estimate(TruncationMarker) {
			assert.True(t, strings.HasSuffix(out, TruncationMarker), "max %d", max)
		}
	}
}

func TestAllocateCapsSourceCount(t *testing.T) {
	a := testAllocator(15, 100)
	var items []*models.SourceItem
	for i := 0; i < 40; i++ {
		items = append(items, srcWithContent("https://example.com", "t", 10))
	}

	selected, _ := a.Allocate(items, 100000)
	assert.Len(t, selected, 15)
}

func TestAllocateStopsBelowMinUsefulSlice(t *testing.T) {
	a := testAllocator(15, 1000)
	items := []*models.SourceItem{
		srcWithContent("https://example.com/1", "a", 2000),
		srcWithContent("https://example.com/2", "b", 2000),
		srcWithContent("https://example.com/3", "c", 2000),
	}

	// After two sources the remainder falls under the minimum useful
	// slice and allocation stops.
	selected, used := a.Allocate(items, 1500)
	assert.Less(t, len(selected), 3)
	assert.LessOrEqual(t, used, 1500)
}

func TestAllocateTiesKeepDiscoveryOrder(t *testing.T) {
	a := testAllocator(15, 10)
	items := []*models.SourceItem{
		srcWithContent("https://example.com/first", "t", 10),
		srcWithContent("https://example.com/second", "t", 10),
		srcWithContent("https://example.com/third", "t", 10),
	}

	selected, _ := a.Allocate(items, 10000)
	require.Len(t, selected, 3)
	assert.Contains(t, selected[0].URL, "first")
	assert.Contains(t, selected[1].URL, "second")
	assert.Contains(t, selected[2].URL, "third")
}

func TestAllocateDoesNotMutateInput(t *testing.T) {
	a := testAllocator(15, 10)
	original := strings.Repeat("x", 8000)
	items := []*models.SourceItem{{URL: "https://example.com", Content: original}}

	a.Allocate(items, 100)
	assert.Equal(t, original, items[0].Content)
	assert.Zero(t, items[0].Score)
}

func TestAllocateEmptyInput(t *testing.T) {
	a := testAllocator(15, 1000)
	selected, used := a.Allocate(nil, 1000)
	assert.Empty(t, selected)
	assert.Zero(t, used)
}

func TestTruncateMarker(t *testing.T) {
	text := strings.Repeat("x", 100)
	cut := Truncate(text, 10)
	assert.True(t, strings.HasSuffix(cut, TruncationMarker))
	assert.Equal(t, text, Truncate(text, 25), "text within budget is untouched")
}
