package reverie

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultRoleID is used when a chat request omits role_id.
const DefaultRoleID = "companion_warm"

// Vocabulary constrains the persona's word choice.
type Vocabulary struct {
	Forbidden     []string `json:"forbidden"`
	HighFrequency []string `json:"high_frequency"`
}

// FewShotExample is one user/assistant exchange demonstrating the persona.
type FewShotExample struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// Role is a static persona configuration loaded once at startup. It
// participates in prompt assembly and scope partitioning only; it never
// alters the extraction or retrieval contracts.
type Role struct {
	RoleID             string            `json:"role_id"`
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	CoreIdentity       string            `json:"core_identity"`
	Vocabulary         Vocabulary        `json:"vocabulary"`
	SentencePatterns   []string          `json:"sentence_patterns"`
	EmotionalTone      string            `json:"emotional_tone"`  // cold, neutral, warm, enthusiastic
	ResponseStyle      string            `json:"response_style"`  // compact, conversational, analytical, creative, direct
	CognitiveProcess   []string          `json:"cognitive_process"`
	DialoguePrinciples []string          `json:"dialogue_principles"`
	Constraints        []string          `json:"constraints"`
	FewShotExamples    []FewShotExample  `json:"few_shot_examples"`
	SystemTemplate     string            `json:"system_prompt_template"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// SystemPrompt assembles the persona's system prompt. When a template is
// configured its placeholders are substituted; otherwise the prompt is
// built section by section from the configured fields.
func (r *Role) SystemPrompt() string {
	if r.SystemTemplate != "" {
		repl := strings.NewReplacer(
			"{name}", r.Name,
			"{description}", r.Description,
			"{core_identity}", r.CoreIdentity,
			"{constraints}", bulletList(r.Constraints),
			"{vocabulary_forbidden}", strings.Join(r.Vocabulary.Forbidden, ", "),
			"{vocabulary_high_freq}", strings.Join(r.Vocabulary.HighFrequency, ", "),
		)
		return repl.Replace(r.SystemTemplate)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Role: %s\n\n%s\n\n## 核心身份\n%s", r.Name, r.Description, r.CoreIdentity)

	if len(r.Vocabulary.Forbidden) > 0 || len(r.Vocabulary.HighFrequency) > 0 {
		b.WriteString("\n\n## 语言风格")
		if len(r.Vocabulary.Forbidden) > 0 {
			fmt.Fprintf(&b, "\n**禁用词**: %s", strings.Join(r.Vocabulary.Forbidden, ", "))
		}
		if len(r.Vocabulary.HighFrequency) > 0 {
			fmt.Fprintf(&b, "\n**高频词**: %s", strings.Join(r.Vocabulary.HighFrequency, ", "))
		}
	}
	if len(r.SentencePatterns) > 0 {
		b.WriteString("\n\n## 句式结构\n" + bulletList(r.SentencePatterns))
	}
	if len(r.DialoguePrinciples) > 0 {
		b.WriteString("\n\n## 对话原则")
		for i, p := range r.DialoguePrinciples {
			fmt.Fprintf(&b, "\n%d. **%s**", i+1, p)
		}
	}
	if len(r.CognitiveProcess) > 0 {
		b.WriteString("\n\n## 思维过程")
		for i, step := range r.CognitiveProcess {
			fmt.Fprintf(&b, "\n%d. %s", i+1, step)
		}
	}
	if len(r.Constraints) > 0 {
		b.WriteString("\n\n## 绝对禁忌")
		for _, c := range r.Constraints {
			fmt.Fprintf(&b, "\n- **禁止**%s", c)
		}
	}
	if len(r.FewShotExamples) > 0 {
		b.WriteString("\n\n## 对话示例")
		for i, ex := range r.FewShotExamples {
			if i >= 3 {
				break
			}
			fmt.Fprintf(&b, "\n\n**User**: %s\n**%s**: %s", ex.User, r.Name, ex.Assistant)
		}
	}
	return b.String()
}

func bulletList(items []string) string {
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- " + it)
	}
	return b.String()
}

// RoleRegistry holds all personas loaded at startup. Read-only afterwards,
// safe for concurrent lookups without locking.
type RoleRegistry struct {
	roles         map[string]*Role
	defaultRoleID string
}

// RegistryOption configures a RoleRegistry load.
type RegistryOption func(*registryConfig)

type registryConfig struct {
	defaultRoleID string
	logger        *slog.Logger
}

// WithDefaultRole overrides the default role id (default: companion_warm).
func WithDefaultRole(id string) RegistryOption {
	return func(c *registryConfig) { c.defaultRoleID = id }
}

// WithRegistryLogger sets the structured logger (default: discard).
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(c *registryConfig) { c.logger = l }
}

// LoadRoles reads every *.json persona file under dir. Files that fail to
// parse are skipped with a warning. When no files load, the registry holds
// only the built-in default persona so the service can always answer.
func LoadRoles(dir string, opts ...RegistryOption) (*RoleRegistry, error) {
	cfg := registryConfig{defaultRoleID: DefaultRoleID, logger: nopLogger}
	for _, opt := range opts {
		opt(&cfg)
	}

	reg := &RoleRegistry{
		roles:         map[string]*Role{},
		defaultRoleID: cfg.defaultRoleID,
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("glob roles: %w", err)
	}
	sort.Strings(paths)
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			cfg.logger.Warn("skipping unreadable role file", "path", path, "error", err)
			continue
		}
		var role Role
		if err := json.Unmarshal(data, &role); err != nil {
			cfg.logger.Warn("skipping malformed role file", "path", path, "error", err)
			continue
		}
		if role.RoleID == "" {
			cfg.logger.Warn("skipping role without role_id", "path", path)
			continue
		}
		reg.roles[role.RoleID] = &role
		cfg.logger.Info("loaded role", "role_id", role.RoleID, "name", role.Name)
	}

	if _, ok := reg.roles[cfg.defaultRoleID]; !ok {
		reg.roles[cfg.defaultRoleID] = builtinDefaultRole(cfg.defaultRoleID)
	}
	return reg, nil
}

// Get resolves a role id; the empty id resolves to the default role.
// Unknown ids return ErrInvalidRole.
func (r *RoleRegistry) Get(roleID string) (*Role, error) {
	if roleID == "" {
		roleID = r.defaultRoleID
	}
	role, ok := r.roles[roleID]
	if !ok {
		return nil, &ErrInvalidRole{ID: roleID}
	}
	return role, nil
}

// DefaultRole returns the configured default persona.
func (r *RoleRegistry) DefaultRole() *Role {
	return r.roles[r.defaultRoleID]
}

// List returns all role ids, sorted.
func (r *RoleRegistry) List() []string {
	ids := make([]string, 0, len(r.roles))
	for id := range r.roles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// builtinDefaultRole is the warm-companion persona used when no role files
// are present on disk.
func builtinDefaultRole(id string) *Role {
	return &Role{
		RoleID:        id,
		Name:          "小暖",
		Description:   "一个温暖、真诚的陪伴型 AI 伙伴",
		CoreIdentity:  "你是用户的长期陪伴者，记得关于用户的一切，用温暖而自然的语气交流。",
		EmotionalTone: "warm",
		ResponseStyle: "conversational",
		DialoguePrinciples: []string{
			"认真倾听，回应用户表达的情绪",
			"主动运用记忆中的信息，让用户感到被记住",
			"不说教，不敷衍",
		},
		Constraints: []string{
			"声称自己是人类",
			"忘记或否认之前做出的承诺",
		},
	}
}
