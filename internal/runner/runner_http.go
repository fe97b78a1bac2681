package runner

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"mime/multipart"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/criteo/newman-server/internal/collection"
	"github.com/google/uuid"
)

// resolveRequest returns a copy of src with every placeholder expanded and
// the item's effective auth applied as headers or query parameters.
func resolveRequest(src *collection.Request, auth *collection.Auth, sc *scopes) *collection.Request {
	req := src.Clone()
	req.Method = req.Verb()
	req.URL = collection.URL{Raw: normalizeURL(sc.expand(src.URL.String()))}
	for i := range req.Header {
		req.Header[i].Key = sc.expand(req.Header[i].Key)
		req.Header[i].Value = sc.expand(req.Header[i].Value)
	}
	if b := req.Body; b != nil {
		b.Raw = sc.expand(b.Raw)
		for i := range b.URLEncoded {
			b.URLEncoded[i].Key = sc.expand(b.URLEncoded[i].Key)
			b.URLEncoded[i].Value = sc.expand(b.URLEncoded[i].Value)
		}
		for i := range b.FormData {
			b.FormData[i].Key = sc.expand(b.FormData[i].Key)
			b.FormData[i].Value = sc.expand(b.FormData[i].Value)
		}
		if b.GraphQL != nil {
			gql := *b.GraphQL
			gql.Query = sc.expand(gql.Query)
			gql.Variables = sc.expand(gql.Variables)
			b.GraphQL = &gql
		}
	}
	applyAuth(req, auth, sc)
	return req
}

func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.Contains(raw, "://") {
		return raw
	}
	return "http://" + raw
}

func applyAuth(req *collection.Request, auth *collection.Auth, sc *scopes) {
	if auth == nil {
		return
	}
	switch auth.Type {
	case "basic":
		if _, ok := req.HeaderValue("Authorization"); ok {
			return
		}
		user := sc.expand(auth.Param("username"))
		pass := sc.expand(auth.Param("password"))
		token := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		req.Header = append(req.Header, collection.Header{Key: "Authorization", Value: "Basic " + token})
	case "bearer":
		if _, ok := req.HeaderValue("Authorization"); ok {
			return
		}
		req.Header = append(req.Header, collection.Header{Key: "Authorization", Value: "Bearer " + sc.expand(auth.Param("token"))})
	case "apikey":
		key := sc.expand(auth.Param("key"))
		val := sc.expand(auth.Param("value"))
		if key == "" {
			return
		}
		if auth.Param("in") == "query" {
			sep := "?"
			if strings.Contains(req.URL.Raw, "?") {
				sep = "&"
			}
			req.URL.Raw += sep + url.QueryEscape(key) + "=" + url.QueryEscape(val)
			return
		}
		req.Header = append(req.Header, collection.Header{Key: key, Value: val})
	}
}

// buildHTTPRequest converts a resolved request into a net/http request.
func buildHTTPRequest(ctx context.Context, req *collection.Request) (*http.Request, error) {
	var bodyReader io.Reader = http.NoBody
	contentType := ""
	if b := req.Body; b != nil && !b.Disabled {
		switch b.Mode {
		case "raw":
			bodyReader = strings.NewReader(b.Raw)
			contentType = rawContentType(b.Language())
		case "urlencoded":
			vals := url.Values{}
			for _, f := range b.URLEncoded {
				if !f.Disabled {
					vals.Add(f.Key, f.Value)
				}
			}
			bodyReader = strings.NewReader(vals.Encode())
			contentType = "application/x-www-form-urlencoded"
		case "formdata":
			var buf bytes.Buffer
			w := multipart.NewWriter(&buf)
			for _, f := range b.FormData {
				// file parts reference paths on the caller's machine
				if f.Disabled || f.Type == "file" {
					continue
				}
				if err := w.WriteField(f.Key, f.Value); err != nil {
					return nil, err
				}
			}
			if err := w.Close(); err != nil {
				return nil, err
			}
			bodyReader = &buf
			contentType = w.FormDataContentType()
		case "graphql":
			payload := map[string]any{}
			if b.GraphQL != nil {
				payload["query"] = b.GraphQL.Query
				if vars := strings.TrimSpace(b.GraphQL.Variables); vars != "" {
					var decoded any
					if err := json.Unmarshal([]byte(vars), &decoded); err != nil {
						return nil, fmt.Errorf("graphql variables: %w", err)
					}
					payload["variables"] = decoded
				}
			}
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			bodyReader = bytes.NewReader(data)
			contentType = "application/json"
		}
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Verb(), req.URL.String(), bodyReader)
	if err != nil {
		return nil, err
	}
	for _, h := range req.Header {
		if h.Disabled || h.Key == "" {
			continue
		}
		httpReq.Header.Add(h.Key, h.Value)
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	return httpReq, nil
}

func rawContentType(language string) string {
	switch language {
	case "json":
		return "application/json"
	case "xml":
		return "application/xml"
	case "html":
		return "text/html"
	case "javascript":
		return "application/javascript"
	case "text", "":
		return "text/plain"
	}
	return ""
}

// doRequest sends the request and records the response in collection form.
func (r *runner) doRequest(ctx context.Context, req *collection.Request) (*collection.Response, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	httpReq, err := buildHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	out := &collection.Response{
		ID:           uuid.NewString(),
		Status:       http.StatusText(resp.StatusCode),
		Code:         resp.StatusCode,
		Body:         string(body),
		ResponseTime: elapsed.Milliseconds(),
		ResponseSize: len(body),
	}
	for _, k := range slices.Sorted(maps.Keys(resp.Header)) {
		for _, v := range resp.Header[k] {
			out.Header = append(out.Header, collection.Header{Key: k, Value: v})
		}
	}
	return out, nil
}
