package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"collabsync/backend/internal/store"
)

// Storage 是会话用到的存储协作方：只读写一个文档
type Storage interface {
	FetchDocument(ctx context.Context, ref store.Ref) (*store.Document, error)
	WriteDocument(ctx context.Context, ref store.Ref, patch store.Patch) error
}

// HTTPStore 通过服务端的 /collab/documents 接口访问存储
type HTTPStore struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPStore baseURL 形如 http://localhost:8080/collab
func NewHTTPStore(baseURL, token string, timeout time.Duration) *HTTPStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPStore) docURL(ref store.Ref) string {
	return fmt.Sprintf("%s/documents/%s/%s", s.baseURL, url.PathEscape(string(ref.Kind)), url.PathEscape(ref.ID))
}

func (s *HTTPStore) FetchDocument(ctx context.Context, ref store.Ref) (*store.Document, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	resp, err := s.do(ctx, http.MethodGet, s.docURL(ref), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return nil, err
	}
	var doc store.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", ref, err)
	}
	return &doc, nil
}

func (s *HTTPStore) WriteDocument(ctx context.Context, ref store.Ref, patch store.Patch) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	resp, err := s.do(ctx, http.MethodPatch, s.docURL(ref), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return statusError(resp)
}

func (s *HTTPStore) do(ctx context.Context, method, u string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, u, err)
	}
	return resp, nil
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusError 把服务端状态码映射回 store 的哨兵错误
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var e apiError
	_ = json.NewDecoder(resp.Body).Decode(&e) // 尽力解析
	switch resp.StatusCode {
	case http.StatusNotFound:
		return store.ErrNotFound
	case http.StatusBadRequest:
		if e.Code == "INVALID_REF" {
			return fmt.Errorf("%w: %s", store.ErrInvalidRef, e.Message)
		}
	case http.StatusConflict:
		return store.ErrDocumentExists
	}
	return fmt.Errorf("document api: status %d %s %s", resp.StatusCode, e.Code, e.Message)
}
