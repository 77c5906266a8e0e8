package objects

import (
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/skshohagmiah/doip/internal/server"
	"github.com/skshohagmiah/doip/internal/storage"
	"github.com/skshohagmiah/doip/pkg/protocol"
)

// searchParams may arrive as request attributes or as compact input.
type searchParams struct {
	Query    string `json:"query"`
	PageNum  int    `json:"pageNum"`
	PageSize int    `json:"pageSize"`
	Type     string `json:"type"`
}

type searchResults struct {
	Size    int   `json:"size"`
	Results []any `json:"results"`
}

// search matches the query case-insensitively against each object's id,
// type and attributes. An empty query or "*" matches everything. A
// pageSize of zero or less returns every match; "type":"id" returns ids
// instead of objects.
func (p *Processor) search(req *server.Request, resp *server.Response) error {
	params, err := readSearchParams(req)
	if err != nil {
		return err
	}
	if params.PageNum < 0 {
		return &inputError{msg: "pageNum must not be negative"}
	}

	query := strings.ToLower(strings.TrimSpace(params.Query))
	var matches []*storage.Object
	err = p.store.ListObjects(func(obj *storage.Object) error {
		if matchesQuery(obj, query) {
			matches = append(matches, obj)
		}
		return nil
	})
	if err != nil {
		return err
	}

	page := matches
	if params.PageSize > 0 {
		start := params.PageNum * params.PageSize
		if start > len(matches) {
			start = len(matches)
		}
		end := start + params.PageSize
		if end > len(matches) {
			end = len(matches)
		}
		page = matches[start:end]
	}

	out := searchResults{Size: len(matches), Results: make([]any, 0, len(page))}
	for _, obj := range page {
		if params.Type == "id" {
			out.Results = append(out.Results, obj.ID)
		} else {
			out.Results = append(out.Results, obj)
		}
	}
	return resp.WriteCompactOutput(out)
}

func matchesQuery(obj *storage.Object, query string) bool {
	if query == "" || query == "*" {
		return true
	}
	return strings.Contains(strings.ToLower(obj.ID), query) ||
		strings.Contains(strings.ToLower(obj.Type), query) ||
		strings.Contains(strings.ToLower(string(obj.Attributes)), query)
}

func readSearchParams(req *server.Request) (searchParams, error) {
	params := searchParams{
		Query: req.AttributeString("query"),
		Type:  req.AttributeString("type"),
	}
	var err error
	if params.PageNum, err = intAttribute(req, "pageNum"); err != nil {
		return params, err
	}
	if params.PageSize, err = intAttribute(req, "pageSize"); err != nil {
		return params, err
	}

	seg, err := req.Input().Next()
	if errors.Is(err, io.EOF) {
		return params, nil
	}
	if err != nil {
		return params, err
	}
	if !seg.IsJSON() {
		return params, &inputError{msg: "search input must be JSON"}
	}
	if err := seg.Decode(&params); err != nil {
		if protocol.IsProtocolError(err) || protocol.IsConnectionError(err) {
			return params, err
		}
		return params, &inputError{msg: "invalid search input: " + err.Error()}
	}
	return params, nil
}

// intAttribute accepts a JSON number or a numeric string.
func intAttribute(req *server.Request, key string) (int, error) {
	raw := req.Attribute(key)
	if len(raw) == 0 {
		return 0, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(s); err == nil {
			return n, nil
		}
	}
	return 0, &inputError{msg: key + " must be an integer"}
}
