package reverie

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Differentiated storage thresholds. Assistant-side commitments are rare
// and must not be lost; user chit-chat is plentiful and must be.
const (
	UserMinScore      = 5
	AssistantMinScore = 3
)

// extractTemperature keeps scoring stable across runs.
const extractTemperature = 0.1

// Extractor turns a conversation window into validated, scored memory
// fragments using a single scoring-LLM call plus rule-based correction.
type Extractor struct {
	provider Provider
	logger   *slog.Logger
	timeout  time.Duration
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithExtractorLogger sets the structured logger (default: discard).
func WithExtractorLogger(l *slog.Logger) ExtractorOption {
	return func(e *Extractor) { e.logger = l }
}

// WithExtractorTimeout bounds the scoring-LLM call (default: 30s).
func WithExtractorTimeout(d time.Duration) ExtractorOption {
	return func(e *Extractor) { e.timeout = d }
}

// NewExtractor creates an Extractor bound to the scoring provider.
func NewExtractor(p Provider, opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		provider: p,
		logger:   nopLogger,
		timeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// extractScoringPrompt instructs the scoring LLM to extract fragments from
// both sides of the conversation with per-speaker rubrics and to return
// strict JSON. Low temperature keeps the rubric application stable.
const extractScoringPrompt = `你是一个专业的陪伴型对话记忆分析助手。

你的任务：从对话中提取能够帮助 AI 了解用户、建立情感连接的重要记忆。
同时提取 user 和 assistant 的内容，但使用不同的评分标准。

## User (用户) 评分标准 (1-10分)
- 情感强度 (0-3分): 强烈情感（超级、特别、极其）=3；明确情感（喜欢、讨厌）=2；轻微=1
- 个性化程度 (0-3分): 童年经历、个人故事=3；明确偏好（我最…）=2；一般个人信息（职业、年龄）=1；通用信息=0
- 亲密度 (0-2分): 表达信任、依赖=2；分享个人感受=1
- 偏好明确性 (0-2分): 明确喜好/厌恶（最爱、讨厌、一定要）=2；有倾向=1

User 规则: 明确喜好/厌恶至少5分；童年/深层经历至少7分；对AI的信任/情感至少7分。

## Assistant (AI) 评分标准 (1-10分)
- 承诺重要性 (0-4分): 重要承诺（我会一直陪着你、我保证）=4；约定计划=3；一般承诺=2；轻微=1
- 建议价值 (0-3分): 深度建议（具体步骤、解决方案）=3；中等建议=2；一般提醒=1
- 情感支持 (0-3分): 深度支持（你不是一个人、我一直在）=3；明确鼓励=2；轻微安慰=1

Assistant 规则: 重要承诺至少7分；深度建议至少5分；深度情感支持至少6分；普通回复（好的、没问题）给1-2分。

## 提取规则
1. 每个片段必须包含 "speaker" 字段，值为 "user" 或 "assistant"
2. 只提取陈述句，不提取问题、寒暄、简单确认（"好的"、"嗯嗯"）
3. content 使用原文或忠实摘要

返回JSON格式，不要任何其他文字:
{
  "fragments": [
    {
      "content": "记忆内容原文或摘要",
      "speaker": "user 或 assistant",
      "type": "preference/event/fact/relationship",
      "sentiment": "positive/neutral/negative",
      "entities": ["实体"],
      "topics": ["主题"],
      "importance_score": 7,
      "reasoning": "简短说明为什么给这个分数"
    }
  ]
}

没有可提取内容时返回 {"fragments": []}。`

// BuildTranscript concatenates a window into a speaker-labeled transcript.
func BuildTranscript(window []Message) string {
	var b strings.Builder
	for _, m := range window {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

// Extract runs one scoring call over the window and returns validated
// fragments above the per-speaker thresholds, sorted by score descending.
// An LLM failure or malformed response yields zero fragments and an error
// the caller is expected to log, not propagate to the user-facing turn.
func (e *Extractor) Extract(ctx context.Context, window []Message) ([]MemoryFragment, error) {
	if len(window) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	transcript := BuildTranscript(window)
	resp, err := e.provider.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(extractScoringPrompt),
			UserMessage("对话内容:\n" + transcript),
		},
		Temperature: extractTemperature,
	})
	if err != nil {
		return nil, &ErrLLM{Provider: e.provider.Name(), Message: "extraction call failed", Err: err}
	}

	raws, err := parseFragments(resp.Content)
	if err != nil {
		return nil, err
	}

	now := NowUnix()
	var out []MemoryFragment
	for _, raw := range raws {
		f, ok := validateFragment(raw, now)
		if !ok {
			continue
		}
		correctScore(&f, raw.Reasoning)
		if belowThreshold(&f) {
			continue
		}
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ImportanceScore > out[j].ImportanceScore
	})

	e.logger.Debug("extraction complete",
		"window", len(window),
		"candidates", len(raws),
		"stored", len(out),
		"duration", time.Since(start))
	return out, nil
}

// rawFragment is the scoring LLM's wire shape. Score is decoded loosely
// because models return ints, floats and quoted strings interchangeably.
type rawFragment struct {
	Content         string   `json:"content"`
	Speaker         string   `json:"speaker"`
	Type            string   `json:"type"`
	Sentiment       string   `json:"sentiment"`
	Entities        []string `json:"entities"`
	Topics          []string `json:"topics"`
	ImportanceScore any      `json:"importance_score"`
	Confidence      float64  `json:"confidence"`
	Reasoning       string   `json:"reasoning"`
}

type fragmentEnvelope struct {
	Fragments []rawFragment `json:"fragments"`
}

// parseFragments accepts {"fragments": [...]}, a bare array, or either
// wrapped in markdown fences. Anything else rejects the whole response.
func parseFragments(response string) ([]rawFragment, error) {
	content := strings.TrimSpace(response)

	var env fragmentEnvelope
	if err := json.Unmarshal([]byte(content), &env); err == nil && env.Fragments != nil {
		return env.Fragments, nil
	}
	var arr []rawFragment
	if err := json.Unmarshal([]byte(content), &arr); err == nil {
		return arr, nil
	}

	// LLM sometimes wraps JSON in markdown fences. Find the object or array.
	if start, end := strings.Index(content, "{"), strings.LastIndex(content, "}"); start >= 0 && end > start {
		if err := json.Unmarshal([]byte(content[start:end+1]), &env); err == nil && env.Fragments != nil {
			return env.Fragments, nil
		}
	}
	if start, end := strings.Index(content, "["), strings.LastIndex(content, "]"); start >= 0 && end > start {
		if err := json.Unmarshal([]byte(content[start:end+1]), &arr); err == nil {
			return arr, nil
		}
	}

	return nil, &ErrMalformedOutput{Snippet: snippet(content, 120)}
}

func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// validateFragment normalizes one raw fragment into a MemoryFragment.
// Absent type/sentiment fields default; values outside the enums reject
// the fragment. Empty content rejects.
func validateFragment(raw rawFragment, now int64) (MemoryFragment, bool) {
	content := strings.TrimSpace(raw.Content)
	if content == "" {
		return MemoryFragment{}, false
	}

	speaker := raw.Speaker
	if speaker != SpeakerUser && speaker != SpeakerAssistant {
		// Infer from a labeled content prefix, default to user.
		if strings.HasPrefix(content, "assistant:") {
			speaker = SpeakerAssistant
		} else {
			speaker = SpeakerUser
		}
	}

	typ := raw.Type
	if typ == "" {
		typ = TypeFact
	}
	sentiment := raw.Sentiment
	if sentiment == "" {
		sentiment = SentimentNeutral
	}
	if !ValidType(typ) || !ValidSentiment(sentiment) {
		return MemoryFragment{}, false
	}

	confidence := raw.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = 0.8
	}

	f := MemoryFragment{
		Content:    content,
		Speaker:    speaker,
		Type:       typ,
		Sentiment:  sentiment,
		Entities:   raw.Entities,
		Topics:     raw.Topics,
		Confidence: confidence,
		Timestamp:  now,
	}
	if raw.ImportanceScore == nil {
		// The model omitted a score; fall back to the rule-based estimate.
		f.ImportanceScore = HeuristicScore(&f)
	} else {
		f.ImportanceScore = coerceScore(raw.ImportanceScore)
	}
	if r := strings.TrimSpace(raw.Reasoning); r != "" {
		f.Metadata = map[string]string{"reasoning": r}
	}
	return f, true
}

// coerceScore accepts int, float and quoted-string scores, clamps to [1,10].
func coerceScore(v any) int {
	score := 5
	switch n := v.(type) {
	case float64:
		score = int(n)
	case string:
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			score = int(parsed)
		}
	case json.Number:
		if parsed, err := n.Float64(); err == nil {
			score = int(parsed)
		}
	}
	return clampScore(score)
}

func clampScore(s int) int {
	if s < 1 {
		return 1
	}
	if s > 10 {
		return 10
	}
	return s
}

// Marker sets for rule-based score correction. Fixed here as part of the
// scoring contract; markers are matched against content plus the model's
// own reasoning text.
var (
	userIdentityMarkers   = []string{"我叫", "我是", "我今年", "我的职业", "工程师", "老师", "学生", "医生"}
	userPreferenceMarkers = []string{"最喜欢", "最爱", "讨厌", "一定要"}
	userIntensityMarkers  = []string{"强烈", "超级", "特别", "极其", "完美"}
	userDepthMarkers      = []string{"童年", "从小", "经历", "深层", "秘密", "信任"}
	userQuoteMarkers      = []string{"你说过", "你之前说", "你说的", "你提到", "你答应过"}
	userGenericMarkers    = []string{"通用", "客观", "知识", "不涉及用户"}

	assistantCommitMarkers  = []string{"承诺", "我会一直", "保证", "无论如何", "永远", "陪着你"}
	assistantAdviceMarkers  = []string{"建议", "试试", "可以尝试", "解决方案", "方法是"}
	assistantSupportMarkers = []string{"理解", "陪伴", "不是一个人", "一直在", "支持"}
	assistantFillerMarkers  = []string{"好的", "没问题", "我明白了", "嗯嗯", "收到"}
)

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// correctScore applies the rule-based post-correction, later rules
// overriding earlier ones. The model's score is trusted only within the
// bounds these rules enforce.
func correctScore(f *MemoryFragment, reasoning string) {
	text := f.Content + reasoning
	score := f.ImportanceScore

	switch f.Speaker {
	case SpeakerUser:
		if containsAny(text, userIdentityMarkers) && score < 5 {
			score = 5
		}
		if containsAny(text, userPreferenceMarkers) && score < 5 {
			score = 5
		}
		if containsAny(text, userIntensityMarkers) && score < 7 {
			score = 7
		}
		if containsAny(reasoning, userDepthMarkers) || containsAny(f.Content, userDepthMarkers) {
			if score < 7 {
				score = 7
			}
		}
		if containsAny(f.Content, userQuoteMarkers) && score < 7 {
			score = 7
		}
		if containsAny(reasoning, userGenericMarkers) && score > 2 {
			score = clampScore(score - 2)
		}
	case SpeakerAssistant:
		if containsAny(text, assistantAdviceMarkers) && score < 5 {
			score = 5
		}
		if containsAny(text, assistantSupportMarkers) && score < 6 {
			score = 6
		}
		if containsAny(text, assistantCommitMarkers) && score < 7 {
			score = 7
		}
		if containsAny(f.Content, assistantFillerMarkers) &&
			!containsAny(f.Content, assistantCommitMarkers) &&
			!containsAny(f.Content, assistantSupportMarkers) &&
			score > 2 {
			score = 2
		}
	}

	f.ImportanceScore = clampScore(score)
}

// belowThreshold applies the differentiated storage thresholds.
func belowThreshold(f *MemoryFragment) bool {
	switch f.Speaker {
	case SpeakerUser:
		return f.ImportanceScore < UserMinScore
	case SpeakerAssistant:
		return f.ImportanceScore < AssistantMinScore
	}
	return true
}
