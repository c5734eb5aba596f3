package model

// PromptSegment 是送往生成模型的一段带角色的文本，顺序有意义：越靠后优先级越高。
type PromptSegment struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RetrievalResult 是检索返回的一条片段，Score 取值 [0,1]，1 表示完全匹配。
type RetrievalResult struct {
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	Type    string  `json:"type,omitempty"`
	Href    string  `json:"href,omitempty"`
}

// Citation 是附在回答后的引用。
type Citation struct {
	Type      string   `json:"type"`
	Title     string   `json:"title"`
	Href      string   `json:"href,omitempty"`
	Relevance *float64 `json:"relevance,omitempty"`
}

// PageContext 是客户端上报的页面/应用状态。
type PageContext map[string]any
