package vespa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rtyshyk/telegram-rag/internal/metrics"
	"github.com/rtyshyk/telegram-rag/internal/tracing"
)

// QueryRequest is one call to the query API. YQL is required; the remaining
// fields map to query-API properties and are omitted when zero.
type QueryRequest struct {
	YQL        string
	Query      string // bound to userInput(@query)
	Ranking    string
	Hits       int
	Language   string
	Timeout    string // Vespa duration string, e.g. "5s"
	TensorName string // query tensor to bind, e.g. "qv_large"
	Vector     []float32
}

// Hit is one node of the query response tree. Grouping results nest
// arbitrarily, so hits carry their children.
type Hit struct {
	ID        string                 `json:"id"`
	Relevance float64                `json:"relevance"`
	Value     string                 `json:"value"`
	Fields    map[string]interface{} `json:"fields"`
	Children  []Hit                  `json:"children"`
}

// QueryResponse is the decoded query API envelope.
type QueryResponse struct {
	Root struct {
		Fields struct {
			TotalCount int64 `json:"totalCount"`
		} `json:"fields"`
		Errors []struct {
			Code    int    `json:"code"`
			Summary string `json:"summary"`
			Message string `json:"message"`
		} `json:"errors"`
		Children []Hit `json:"children"`
	} `json:"root"`
}

// Search runs one query. Engine-reported errors become Go errors even when
// the HTTP status is 200.
func (c *Client) Search(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()
	profile := req.Ranking
	if profile == "" {
		profile = "default"
	}

	body := map[string]interface{}{"yql": req.YQL}
	if req.Query != "" {
		body["query"] = req.Query
	}
	if req.Ranking != "" {
		body["ranking"] = req.Ranking
	}
	if req.Hits > 0 {
		body["hits"] = req.Hits
	}
	if req.Language != "" {
		body["language"] = req.Language
	}
	if req.Timeout != "" {
		body["timeout"] = req.Timeout
	}
	if req.TensorName != "" && len(req.Vector) > 0 {
		body["input.query("+req.TensorName+")"] = req.Vector
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	searchURL := c.endpoint + "/search/"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, searchURL)
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, searchURL, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.RecordVectorSearchMetrics(profile, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("vespa query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordVectorSearchMetrics(profile, "error", time.Since(start).Seconds())
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("vespa query status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out QueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.RecordVectorSearchMetrics(profile, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("failed to decode query response: %w", err)
	}
	if len(out.Root.Errors) > 0 {
		metrics.RecordVectorSearchMetrics(profile, "error", time.Since(start).Seconds())
		e := out.Root.Errors[0]
		return nil, fmt.Errorf("vespa query error %d (%s): %s", e.Code, e.Summary, e.Message)
	}

	metrics.RecordVectorSearchMetrics(profile, "ok", time.Since(start).Seconds())
	return &out, nil
}

// FieldString extracts a string field from a hit field map, tolerating
// absence. Package-level so callers holding a bare field map (seed raw
// fields) can reuse it.
func FieldString(fields map[string]interface{}, name string) string {
	v, ok := fields[name]
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// FieldInt64 extracts an integer field. JSON numbers arrive as float64;
// grouping counts sometimes as json.Number strings.
func FieldInt64(fields map[string]interface{}, name string) (int64, bool) {
	v, ok := fields[name]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		var i int64
		_, err := fmt.Sscanf(n, "%d", &i)
		return i, err == nil
	default:
		return 0, false
	}
}

// FieldFloat extracts a float field.
func FieldFloat(fields map[string]interface{}, name string) (float64, bool) {
	v, ok := fields[name]
	if !ok || v == nil {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

func (h Hit) FieldString(name string) string { return FieldString(h.Fields, name) }

func (h Hit) FieldInt64(name string) (int64, bool) { return FieldInt64(h.Fields, name) }

func (h Hit) FieldFloat(name string) (float64, bool) { return FieldFloat(h.Fields, name) }

// FindList walks the response tree for a grouping list node by id prefix,
// e.g. "grouplist:chat_id".
func (r *QueryResponse) FindList(idPrefix string) *Hit {
	for i := range r.Root.Children {
		if found := findList(&r.Root.Children[i], idPrefix); found != nil {
			return found
		}
	}
	return nil
}

// FindList walks this hit's subtree, the hit itself included.
func (h *Hit) FindList(idPrefix string) *Hit {
	return findList(h, idPrefix)
}

func findList(h *Hit, idPrefix string) *Hit {
	if strings.HasPrefix(h.ID, idPrefix) {
		return h
	}
	for i := range h.Children {
		if found := findList(&h.Children[i], idPrefix); found != nil {
			return found
		}
	}
	return nil
}
