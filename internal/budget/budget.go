// Package budget fits acquired source content under the synthesis
// provider's hard input ceiling. Sources are scored by provenance, the
// best ones get an even slice of the remaining budget, and everything
// else is cut. Ranking is the deliberate policy: when budget is scarce,
// the highest-value evidence wins.
package budget

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/pathfindlabs/journeybuilder/internal/config"
	"github.com/pathfindlabs/journeybuilder/internal/metrics"
	"github.com/pathfindlabs/journeybuilder/internal/models"
)

// charsPerUnit is the empirical character-to-unit ratio for English text.
const charsPerUnit = 4

// TruncationMarker is appended to every hard-cut source so the synthesis
// provider knows the content is incomplete.
const TruncationMarker = "\n[...truncated]"

// perSourceOverhead covers the title/snippet framing around each source.
const perSourceOverhead = 50

// Estimate returns the approximate unit count for text.
func Estimate(text string) int {
	return len(text) / charsPerUnit
}

// Truncate hard-cuts text so that its estimate, marker included, fits
// within maxUnits. A cut never drops the marker; if maxUnits cannot even
// carry the marker, the content is dropped outright.
func Truncate(text string, maxUnits int) string {
	if Estimate(text) <= maxUnits {
		return text
	}
	keep := maxUnits - Estimate(TruncationMarker)
	if keep <= 0 {
		return ""
	}
	return text[:keep*charsPerUnit] + TruncationMarker
}

var (
	academicDomains = []string{
		"pubmed", "ncbi.nlm.nih.gov", "sciencedirect",
		"springer", "wiley", "nature.com", "bmj.com",
		"thelancet", "nejm.org", ".edu", "researchgate",
		"doi.org", "journals.",
	}
	governmentDomains = []string{
		".gov", "who.int", "ema.europa.eu", "fda.gov",
		"nice.org.uk", "socialstyrelsen.se", "folkhalsomyndigheten",
		"rki.de", "nhs.uk", "cdc.gov",
	}
	medicalOrgDomains = []string{
		"mayoclinic", "webmd", "medscape", "uptodate",
		"medlineplus", "patient.info", "healthline",
	}
	vendorDomains = []string{
		"novartis", "pfizer", "roche", "abbvie",
		"sanofi", "gsk", "astrazeneca", "merck",
		"johnson", "lilly", "bayer",
	}
	recentYears = []string{"2026", "2025", "2024", "2023"}
	topicalKeywords = []string{
		"prevalence", "incidence", "epidemiology", "registry",
		"population", "statistics", "survey", "study",
		"trial", "analysis", "cohort", "meta-analysis",
	}
)

// Score rates a source by provenance. Higher is better; ties preserve
// discovery order downstream.
func Score(item *models.SourceItem) int {
	url := strings.ToLower(item.URL)
	title := strings.ToLower(item.Title)

	score := 50
	switch {
	case containsAny(url, academicDomains):
		score += 40
	case containsAny(url, governmentDomains):
		score += 35
	case containsAny(url, medicalOrgDomains):
		score += 25
	case containsAny(url, vendorDomains):
		score += 15
	}

	if containsAny(title, recentYears) {
		score += 10
	}
	if containsAny(title, topicalKeywords) {
		score += 10
	}
	return score
}

// sourceOverhead accounts for the title/snippet framing that surrounds a
// source's content in the evidence block.
func sourceOverhead(item *models.SourceItem) int {
	return Estimate(item.Title+" "+item.Snippet) + perSourceOverhead
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// Allocator selects and truncates sources for one synthesis call.
type Allocator struct {
	cfg    config.BudgetConfig
	logger *zap.Logger
}

// NewAllocator returns an allocator with the given budget policy.
func NewAllocator(cfg config.BudgetConfig, logger *zap.Logger) *Allocator {
	return &Allocator{cfg: cfg, logger: logger}
}

// Allocate scores items, selects at most MaxSources of them in score
// order, and truncates each to its even slice of the budget. The returned
// total unit count never exceeds budget. Input items are not mutated.
func (a *Allocator) Allocate(items []*models.SourceItem, budget int) ([]*models.SourceItem, int) {
	if len(items) == 0 || budget <= 0 {
		return nil, 0
	}

	scored := make([]*models.SourceItem, len(items))
	for i, item := range items {
		cp := *item
		cp.Score = Score(item)
		scored[i] = &cp
	}
	// Stable sort keeps discovery order for equal scores.
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	considered := len(scored)
	if considered > a.cfg.MaxSources {
		considered = a.cfg.MaxSources
	}

	// The per-source slice is sized net of each source's framing
	// overhead, so every considered source can actually receive its
	// slice without draining the budget early.
	totalOverhead := 0
	for _, item := range scored[:considered] {
		totalOverhead += sourceOverhead(item)
	}
	slice := (budget - totalOverhead) / considered
	if slice < 0 {
		slice = 0
	}

	var selected []*models.SourceItem
	remaining := budget
	for _, item := range scored {
		if len(selected) >= a.cfg.MaxSources || remaining < a.cfg.MinUsefulSlice {
			break
		}

		overhead := sourceOverhead(item)
		grant := slice
		if grant > remaining-overhead {
			grant = remaining - overhead
		}
		if grant < 0 {
			break
		}

		if item.Content != "" {
			truncated := Truncate(item.Content, grant)
			item.Truncated = truncated != item.Content
			item.Content = truncated
		}
		spent := Estimate(item.Content) + overhead

		selected = append(selected, item)
		remaining -= spent
	}

	used := budget - remaining
	metrics.TokensAllocated.Observe(float64(used))
	metrics.SourcesSelected.Observe(float64(len(selected)))
	a.logger.Info("Content allocated",
		zap.Int("selected", len(selected)),
		zap.Int("candidates", len(items)),
		zap.Int("units_used", used),
		zap.Int("budget", budget),
	)
	return selected, used
}
