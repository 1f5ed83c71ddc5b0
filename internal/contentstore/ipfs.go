package contentstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxObjectSize bounds how much of a fetched object is read into memory.
const maxObjectSize = 16 << 20

// IPFSConfig configures an IPFSClient.
type IPFSConfig struct {
	APIURL  string        // e.g. "http://127.0.0.1:5001"
	Timeout time.Duration // default 30s
}

// IPFSClient talks to a local IPFS node over its HTTP RPC API.
type IPFSClient struct {
	base   string
	http   *http.Client
	logger *zap.Logger
}

// NewIPFSClient creates an IPFSClient.
func NewIPFSClient(cfg IPFSConfig, logger *zap.Logger) *IPFSClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &IPFSClient{
		base:   strings.TrimRight(cfg.APIURL, "/"),
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// ipfsError mirrors the error body returned by the RPC API.
type ipfsError struct {
	Message string `json:"Message"`
	Code    int    `json:"Code"`
	Type    string `json:"Type"`
}

// Fetch implements Store via /api/v0/cat.
func (c *IPFSClient) Fetch(ctx context.Context, cid string) ([]byte, error) {
	q := url.Values{"arg": {cid}}
	resp, err := c.post(ctx, "/api/v0/cat", q, nil, "")
	if err != nil {
		return nil, &FetchError{CID: cid, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{CID: cid, Err: decodeIPFSError(resp)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxObjectSize+1))
	if err != nil {
		return nil, &FetchError{CID: cid, Err: fmt.Errorf("read body: %w", err)}
	}
	if len(data) > maxObjectSize {
		return nil, &FetchError{CID: cid, Err: fmt.Errorf("object exceeds %d bytes", maxObjectSize)}
	}
	c.logger.Debug("fetched object", zap.String("cid", cid), zap.Int("bytes", len(data)))
	return data, nil
}

// Store implements Store via /api/v0/add, pinning the object on the node.
func (c *IPFSClient) Store(ctx context.Context, data []byte) (string, error) {
	body, contentType, err := multipartFile("file", "object", data)
	if err != nil {
		return "", &StoreError{Err: err}
	}
	q := url.Values{"pin": {"true"}, "cid-version": {"0"}}
	resp, err := c.post(ctx, "/api/v0/add", q, body, contentType)
	if err != nil {
		return "", &StoreError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &StoreError{Err: decodeIPFSError(resp)}
	}

	// add streams one JSON object per added node; the last one is the root.
	var hash string
	sc := bufio.NewScanner(io.LimitReader(resp.Body, 1<<20))
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var added struct {
			Name string `json:"Name"`
			Hash string `json:"Hash"`
		}
		if err := json.Unmarshal(line, &added); err != nil {
			return "", &StoreError{Err: fmt.Errorf("decode add response: %w", err)}
		}
		hash = added.Hash
	}
	if err := sc.Err(); err != nil {
		return "", &StoreError{Err: fmt.Errorf("read add response: %w", err)}
	}
	if hash == "" {
		return "", &StoreError{Err: fmt.Errorf("add response carried no hash")}
	}
	c.logger.Info("object pushed to IPFS", zap.String("cid", hash), zap.Int("bytes", len(data)))
	return hash, nil
}

// Version returns the node version; it doubles as a liveness probe.
func (c *IPFSClient) Version(ctx context.Context) (string, error) {
	resp, err := c.post(ctx, "/api/v0/version", nil, nil, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", decodeIPFSError(resp)
	}
	var v struct {
		Version string `json:"Version"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&v); err != nil {
		return "", fmt.Errorf("decode version: %w", err)
	}
	return v.Version, nil
}

func (c *IPFSClient) post(ctx context.Context, path string, q url.Values, body io.Reader, contentType string) (*http.Response, error) {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ipfs %s: %w", path, err)
	}
	return resp, nil
}

func decodeIPFSError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var e ipfsError
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		if strings.Contains(e.Message, "not found") {
			return fmt.Errorf("%w: %s", ErrNotFound, e.Message)
		}
		return fmt.Errorf("ipfs error %d: %s", resp.StatusCode, e.Message)
	}
	return fmt.Errorf("ipfs error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func multipartFile(field, name string, data []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, name)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
