package reverie

import "strings"

// HeuristicScore estimates a fragment's importance without an LLM call.
// Used when the scoring model omitted a usable score, and by tests as a
// deterministic reference. Dimensions: sentiment intensity (0-3),
// information density (0-4), task relevance (0-3); clamped to [1,10].
func HeuristicScore(f *MemoryFragment) int {
	score := sentimentIntensity(f) + infoDensity(f) + taskRelevance(f.Content)
	return clampScore(score)
}

func sentimentIntensity(f *MemoryFragment) int {
	if f.Sentiment == SentimentNeutral {
		return 0
	}
	if containsAny(f.Content, userIntensityMarkers) || strings.Contains(f.Content, "！") {
		return 3
	}
	return 2
}

// infoDensity rewards fragments naming concrete entities and topics.
func infoDensity(f *MemoryFragment) int {
	n := len(f.Entities) + len(f.Topics)
	switch {
	case n >= 5:
		return 4
	case n >= 3:
		return 3
	case n >= 1:
		return 2
	}
	return 0
}

var (
	strongTaskMarkers = []string{"必须", "重要", "关键", "目标", "任务", "计划", "需要", "一定要"}
	weakTaskMarkers   = []string{"想要", "希望", "应该", "可以"}
)

func taskRelevance(content string) int {
	if containsAny(content, strongTaskMarkers) {
		return 2
	}
	if containsAny(content, weakTaskMarkers) {
		return 1
	}
	return 0
}
