package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/user/chatstream/internal/types"
)

const maxLineBytes = 1 << 20

// HTTPGateway streams replies from the memory backend's SSE endpoint.
type HTTPGateway struct {
	url    string
	client *http.Client
}

// NewHTTPGateway creates a gateway posting to url. headerTimeout bounds the
// wait for response headers only; the body may stream for as long as the
// caller's context allows.
func NewHTTPGateway(url string, headerTimeout time.Duration) *HTTPGateway {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if headerTimeout > 0 {
		transport.ResponseHeaderTimeout = headerTimeout
	}
	return &HTTPGateway{
		url:    url,
		client: &http.Client{Transport: transport},
	}
}

type streamRequest struct {
	Query          string                 `json:"query"`
	CubeID         string                 `json:"cubeId"`
	History        []types.HistoryMessage `json:"history"`
	InternetSearch bool                   `json:"internetSearch"`
}

// backendLine is one "data:" line of the backend stream.
type backendLine struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Content string          `json:"content"`
}

type backendReference struct {
	Metadata struct {
		ID    string          `json:"id"`
		RefID json.RawMessage `json:"ref_id"`
	} `json:"metadata"`
}

type backendTime struct {
	TotalTime float64 `json:"total_time"`
}

type backendEnd struct {
	TotalTokens int `json:"total_tokens"`
}

func (g *HTTPGateway) Stream(ctx context.Context, q Query) (<-chan types.Signal, error) {
	history := q.History
	if history == nil {
		history = []types.HistoryMessage{}
	}
	body, err := json.Marshal(streamRequest{
		Query:          q.Text,
		CubeID:         string(q.PartitionID),
		History:        history,
		InternetSearch: q.InternetSearch,
	})
	if err != nil {
		return nil, &types.GatewayError{Op: "open", Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, &types.GatewayError{Op: "open", Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &types.GatewayError{Op: "open", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &types.GatewayError{Op: "status", Err: fmt.Errorf("backend status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))}
	}

	ch := make(chan types.Signal, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		readStream(ctx, resp.Body, emitter{ctx: ctx, ch: ch})
	}()
	return ch, nil
}

// readStream translates backend lines into signals. Timing and token totals
// are held back and delivered as one Metrics signal when the stream ends.
func readStream(ctx context.Context, r io.Reader, out emitter) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var metrics types.Metrics
	var haveMetrics bool
	flushMetrics := func() {
		if haveMetrics {
			out.send(metrics)
		}
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" {
			continue
		}

		var bl backendLine
		if err := json.Unmarshal([]byte(payload), &bl); err != nil {
			slog.Warn("skipping malformed backend line", "error", err)
			continue
		}

		switch bl.Type {
		case "status":
			if !out.send(types.StageStarted{Code: rawString(bl.Data)}) {
				return
			}
		case "text":
			text := rawString(bl.Data)
			if text == "" {
				continue
			}
			if !out.send(types.TextChunk{Content: text}) {
				return
			}
		case "reference":
			refs := parseReferences(bl.Data)
			if len(refs) == 0 {
				continue
			}
			if !out.send(types.References{Memories: refs}) {
				return
			}
		case "time":
			var bt backendTime
			if err := json.Unmarshal(bl.Data, &bt); err == nil {
				metrics.ProcessingTime = time.Duration(bt.TotalTime * float64(time.Second))
				haveMetrics = true
			}
		case "error":
			reason := bl.Content
			if reason == "" {
				reason = rawString(bl.Data)
			}
			if reason == "" {
				reason = "backend error"
			}
			out.send(types.Failure{Reason: reason})
			return
		case "end":
			var be backendEnd
			if err := json.Unmarshal(bl.Data, &be); err == nil && be.TotalTokens > 0 {
				metrics.TokensGenerated = be.TotalTokens
				haveMetrics = true
			}
			flushMetrics()
			return
		default:
			slog.Debug("ignoring backend line", "type", bl.Type)
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := scanner.Err(); err != nil {
		out.send(types.Failure{Reason: fmt.Sprintf("read stream: %v", err)})
		return
	}
	flushMetrics()
}

// rawString returns a JSON string value unquoted, or the raw token for
// numbers and other scalars.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func parseReferences(raw json.RawMessage) []types.MemoryReference {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	refs := make([]types.MemoryReference, 0, len(items))
	for i, item := range items {
		var br backendReference
		if err := json.Unmarshal(item, &br); err != nil {
			continue
		}
		num := refNumber(rawString(br.Metadata.RefID))
		if num == 0 {
			num = i + 1
		}
		refs = append(refs, types.MemoryReference{
			MemoryID:        br.Metadata.ID,
			ReferenceNumber: num,
			Payload:         item,
		})
	}
	return refs
}

// refNumber extracts the digits of ref ids like "3" or "[3]".
func refNumber(s string) int {
	s = strings.Trim(s, "[] ")
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
