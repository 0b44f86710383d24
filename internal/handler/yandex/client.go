// Package yandex implements the Yandex Cloud actions: SpeechKit recognition
// and synthesis, Vision OCR and Translate. Every action talks to one
// dependency (stt, tts, ocr, translate) and reports failures in the errmodel
// taxonomy so the resilience guard can decide on retries.
package yandex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ChuLiYu/maga-orchestrator/internal/config"
	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
)

// Dependency names.
const (
	DepSTT       = "stt"
	DepTTS       = "tts"
	DepOCR       = "ocr"
	DepTranslate = "translate"
)

const maxErrorBody = 4 << 10

// Client is a thin Yandex Cloud API client.
type Client struct {
	cfg  config.YandexConfig
	http *http.Client
}

// NewClient creates a client. hc should carry the traced transport.
func NewClient(cfg config.YandexConfig, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, http: hc}
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Api-Key "+c.cfg.APIKey)
	}
	if c.cfg.FolderID != "" {
		req.Header.Set("x-folder-id", c.cfg.FolderID)
	}
}

func (c *Client) postJSON(ctx context.Context, dep, endpoint string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return errmodel.Fatal(dep, fmt.Errorf("encode request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return errmodel.Fatal(dep, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	raw, err := c.do(dep, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errmodel.Fatal(dep, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) postForm(ctx context.Context, dep, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errmodel.Fatal(dep, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.authorize(req)
	return c.do(dep, req)
}

func (c *Client) do(dep string, req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errmodel.Classify(dep, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, errmodel.FromHTTPStatus(dep, resp.StatusCode, string(msg))
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errmodel.Retryable(dep, fmt.Errorf("read body: %w", err))
	}
	return raw, nil
}

// languageCode expands a short language into the BCP-47 form SpeechKit wants.
func languageCode(lang string) string {
	switch strings.ToLower(lang) {
	case "", "ru", "ru-ru":
		return "ru-RU"
	case "en", "en-us":
		return "en-US"
	case "de", "de-de":
		return "de-DE"
	case "fr", "fr-fr":
		return "fr-FR"
	default:
		return lang
	}
}
