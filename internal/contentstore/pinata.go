package contentstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// PinataConfig configures a PinataPinner. Either JWT or the API key pair
// must be set; JWT takes precedence.
type PinataConfig struct {
	BaseURL   string // default "https://api.pinata.cloud"
	APIKey    string
	SecretKey string
	JWT       string
	Timeout   time.Duration
}

// PinataPinner mirrors content to the Pinata pinning service.
type PinataPinner struct {
	base      string
	http      *http.Client
	apiKey    string
	secretKey string
	logger    *zap.Logger
}

// NewPinataPinner creates a PinataPinner.
func NewPinataPinner(cfg PinataConfig, logger *zap.Logger) (*PinataPinner, error) {
	if cfg.JWT == "" && (cfg.APIKey == "" || cfg.SecretKey == "") {
		return nil, fmt.Errorf("pinata: no credentials configured")
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.pinata.cloud"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	hc := &http.Client{Timeout: timeout}
	if cfg.JWT != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.JWT, TokenType: "Bearer"})
		hc = oauth2.NewClient(context.Background(), ts)
		hc.Timeout = timeout
	}
	return &PinataPinner{
		base:      strings.TrimRight(base, "/"),
		http:      hc,
		apiKey:    cfg.APIKey,
		secretKey: cfg.SecretKey,
		logger:    logger,
	}, nil
}

// Pin implements Pinner via /pinning/pinFileToIPFS.
func (p *PinataPinner) Pin(ctx context.Context, name string, data []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	meta, _ := json.Marshal(map[string]string{"name": name})
	if err := w.WriteField("pinataMetadata", string(meta)); err != nil {
		return "", fmt.Errorf("write metadata: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/pinning/pinFileToIPFS", &buf)
	if err != nil {
		return "", fmt.Errorf("build pin request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if p.apiKey != "" {
		req.Header.Set("pinata_api_key", p.apiKey)
		req.Header.Set("pinata_secret_api_key", p.secretKey)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("pin request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("read pin response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("pinning service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var pinned struct {
		IpfsHash string `json:"IpfsHash"`
		PinSize  int64  `json:"PinSize"`
	}
	if err := json.Unmarshal(body, &pinned); err != nil {
		return "", fmt.Errorf("decode pin response: %w", err)
	}
	if pinned.IpfsHash == "" {
		return "", fmt.Errorf("pin response carried no hash")
	}
	p.logger.Info("object pinned", zap.String("cid", pinned.IpfsHash), zap.String("name", name))
	return pinned.IpfsHash, nil
}
