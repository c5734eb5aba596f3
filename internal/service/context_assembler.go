package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"pagechat-go/internal/config"
	"pagechat-go/internal/model"
	"pagechat-go/internal/repository"
	"pagechat-go/pkg/log"
)

// HistoryWindow 是送入模型的历史消息条数上限。
const HistoryWindow = 10

// pageContext 中有固定标签的键，其余键按 key: JSON(value) 渲染。
var pageKeys = map[string]bool{
	"currentPage":       true,
	"page":              true,
	"route":             true,
	"userRole":          true,
	"navigationHistory": true,
	"recentActions":     true,
}

// AssemblerOptions 是 ContextAssembler 的不可变配置。
// RelevanceFloor 按原值使用，未配置时的 0.6 由配置层的默认值提供。
type AssemblerOptions struct {
	Persona          string
	RetrievalEnabled bool
	MaxResults       int
	RelevanceFloor   float64
}

// AssemblerOptionsFromConfig 从 assistant 配置段构造选项，缺省值与配置默认值一致。
func AssemblerOptionsFromConfig(cfg config.AssistantConfig) AssemblerOptions {
	opts := AssemblerOptions{
		Persona:          cfg.Persona,
		RetrievalEnabled: cfg.Retrieval.Enabled,
		MaxResults:       cfg.Retrieval.MaxResults,
		RelevanceFloor:   cfg.Retrieval.RelevanceFloor,
	}
	return opts.withDefaults()
}

func (o AssemblerOptions) withDefaults() AssemblerOptions {
	if strings.TrimSpace(o.Persona) == "" {
		o.Persona = config.DefaultPersona
	}
	if o.MaxResults <= 0 {
		o.MaxResults = 3
	}
	// 0 表示不过滤，只有负数才视为非法
	if o.RelevanceFloor < 0 {
		o.RelevanceFloor = 0
	}
	return o
}

// ContextAssembler 根据人设、页面上下文、检索结果和历史消息组装提示词。
type ContextAssembler struct {
	repo      repository.ConversationRepository
	retriever Retriever
	opts      AssemblerOptions
}

// NewContextAssembler 创建 ContextAssembler，retriever 可以为 nil。
func NewContextAssembler(repo repository.ConversationRepository, retriever Retriever, opts AssemblerOptions) *ContextAssembler {
	return &ContextAssembler{repo: repo, retriever: retriever, opts: opts.withDefaults()}
}

// Assemble 返回有序的提示片段和引用列表，不修改任何状态。
// 第一段始终是人设，最后一段始终是本轮用户消息。
func (a *ContextAssembler) Assemble(ctx context.Context, conversationID string, pageContext model.PageContext, userMessage string) ([]model.PromptSegment, []model.Citation, error) {
	segments := []model.PromptSegment{{Role: model.RoleSystem, Content: a.opts.Persona}}

	if text := renderPageContext(pageContext); text != "" {
		segments = append(segments, model.PromptSegment{Role: model.RoleSystem, Content: text})
	}

	var citations []model.Citation
	if a.opts.RetrievalEnabled && a.retriever != nil {
		results, err := a.retriever.Retrieve(ctx, userMessage, a.opts.MaxResults, a.opts.RelevanceFloor)
		if err != nil {
			// 检索失败按无结果处理
			log.Warnf("[ContextAssembler] 检索失败，忽略检索上下文: %v", err)
			results = nil
		}
		if len(results) > 0 {
			segments = append(segments, model.PromptSegment{Role: model.RoleSystem, Content: renderRetrieval(results)})
			citations = buildCitations(results)
		}
	}

	// 多取两条：窗口尾部可能是本轮的 user 消息和空占位
	history, err := a.repo.GetRecentMessages(ctx, conversationID, HistoryWindow+2)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load history: %w", err)
	}
	history = trimCurrentTurn(history, userMessage)
	if len(history) > HistoryWindow {
		history = history[len(history)-HistoryWindow:]
	}
	for _, m := range history {
		if m.Role != model.RoleUser && m.Role != model.RoleAssistant {
			continue
		}
		// 空的 assistant 占位是正在生成的这一轮
		if m.Role == model.RoleAssistant && m.Content == "" {
			continue
		}
		segments = append(segments, model.PromptSegment{Role: m.Role, Content: m.Content})
	}

	segments = append(segments, model.PromptSegment{Role: model.RoleUser, Content: userMessage})
	return segments, citations, nil
}

// trimCurrentTurn 去掉历史尾部与本轮内容相同的 user 消息（以及其后的空占位），避免本轮重复出现。
func trimCurrentTurn(history []model.Message, userMessage string) []model.Message {
	end := len(history)
	for end > 0 && history[end-1].Role == model.RoleAssistant && history[end-1].Content == "" {
		end--
	}
	if end > 0 && history[end-1].Role == model.RoleUser && history[end-1].Content == userMessage {
		return history[:end-1]
	}
	return history
}

func renderPageContext(pc model.PageContext) string {
	if len(pc) == 0 {
		return ""
	}
	var lines []string
	for _, key := range []string{"currentPage", "page", "route"} {
		if v, ok := pc[key]; ok && v != nil {
			lines = append(lines, "Current page: "+plainValue(v))
			break
		}
	}
	if v, ok := pc["userRole"]; ok && v != nil {
		lines = append(lines, "User role: "+plainValue(v))
	}
	if v, ok := pc["navigationHistory"]; ok && v != nil {
		lines = append(lines, "Navigation path: "+strings.Join(stringList(v), " → "))
	}
	if v, ok := pc["recentActions"]; ok && v != nil {
		lines = append(lines, "Recent actions:")
		for _, action := range stringList(v) {
			lines = append(lines, "- "+action)
		}
	}

	var others []string
	for key := range pc {
		if !pageKeys[key] {
			others = append(others, key)
		}
	}
	sort.Strings(others)
	for _, key := range others {
		b, err := json.Marshal(pc[key])
		if err != nil {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", key, b))
	}

	if len(lines) == 0 {
		return ""
	}
	return "The user is currently using the application. Page context:\n" + strings.Join(lines, "\n")
}

func plainValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func stringList(v any) []string {
	switch items := v.(type) {
	case []string:
		return items
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			out = append(out, plainValue(item))
		}
		return out
	default:
		return []string{plainValue(v)}
	}
}

func renderRetrieval(results []model.RetrievalResult) string {
	var sb strings.Builder
	sb.WriteString("Relevant knowledge base passages. Use them when they help answer the question:\n")
	for i, r := range results {
		fmt.Fprintf(&sb, "\n[%d] %s (relevance: %d%%)\n%s\n", i+1, r.Title, int(math.Round(r.Score*100)), r.Content)
	}
	return sb.String()
}

func buildCitations(results []model.RetrievalResult) []model.Citation {
	citations := make([]model.Citation, 0, len(results))
	for _, r := range results {
		typ := r.Type
		if typ == "" {
			typ = "document"
		}
		score := r.Score
		citations = append(citations, model.Citation{
			Type:      typ,
			Title:     r.Title,
			Href:      r.Href,
			Relevance: &score,
		})
	}
	return citations
}
