package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"pagechat-go/internal/model"
	"pagechat-go/pkg/embedding"
	"pagechat-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
)

// Retriever 是知识库检索能力。Retrieve 返回的结果已经按相关度下限过滤并截断到 maxResults。
type Retriever interface {
	Retrieve(ctx context.Context, query string, maxResults int, relevanceFloor float64) ([]model.RetrievalResult, error)
	IsAvailable(ctx context.Context) bool
}

type esRetriever struct {
	embeddingClient embedding.Client
	esClient        *elasticsearch.Client
	indexName       string
}

// NewESRetriever 创建基于 Elasticsearch kNN 检索的 Retriever。
func NewESRetriever(embeddingClient embedding.Client, esClient *elasticsearch.Client, indexName string) Retriever {
	return &esRetriever{
		embeddingClient: embeddingClient,
		esClient:        esClient,
		indexName:       indexName,
	}
}

type esSearchResponse struct {
	Hits struct {
		Hits []struct {
			Score  float64 `json:"_score"`
			Source struct {
				Title   string `json:"title"`
				Content string `json:"content"`
				Type    string `json:"type"`
				Href    string `json:"href"`
			} `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Retrieve 执行向量检索。索引使用 cosine 相似度，ES 返回的 _score 为 (1+cos)/2，已落在 [0,1]。
func (r *esRetriever) Retrieve(ctx context.Context, query string, maxResults int, relevanceFloor float64) ([]model.RetrievalResult, error) {
	if maxResults <= 0 {
		return nil, nil
	}
	queryVector, err := r.embeddingClient.CreateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to create query embedding: %w", err)
	}

	numCandidates := maxResults * 10
	if numCandidates < 50 {
		numCandidates = 50
	}
	esQuery := map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   queryVector,
			"k":              maxResults,
			"num_candidates": numCandidates,
		},
		"_source": []string{"title", "content", "type", "href"},
		"size":    maxResults,
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	res, err := r.esClient.Search(
		r.esClient.Search.WithContext(ctx),
		r.esClient.Search.WithIndex(r.indexName),
		r.esClient.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		log.Errorf("[Retriever] Elasticsearch 返回错误, status: %s, body: %s", res.Status(), string(bodyBytes))
		return nil, fmt.Errorf("elasticsearch returned an error: %s", res.Status())
	}

	var parsed esSearchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}

	results := make([]model.RetrievalResult, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		if hit.Score < relevanceFloor {
			continue
		}
		results = append(results, model.RetrievalResult{
			Title:   hit.Source.Title,
			Content: hit.Source.Content,
			Score:   hit.Score,
			Type:    hit.Source.Type,
			Href:    hit.Source.Href,
		})
		if len(results) == maxResults {
			break
		}
	}
	log.Infof("[Retriever] 检索完成, hits: %d, 通过相关度下限: %d", len(parsed.Hits.Hits), len(results))
	return results, nil
}

// IsAvailable 通过 ping 判断 Elasticsearch 是否可用。
func (r *esRetriever) IsAvailable(ctx context.Context) bool {
	res, err := r.esClient.Ping(r.esClient.Ping.WithContext(ctx))
	if err != nil {
		return false
	}
	defer res.Body.Close()
	return !res.IsError()
}
