package yandex

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ChuLiYu/maga-orchestrator/internal/config"
	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
	"github.com/ChuLiYu/maga-orchestrator/internal/handler"
)

// Action names.
const (
	ActionOCR       = "vision.ocr"
	ActionTranslate = "translate.text"
)

const maxImageBytes = 10 << 20

// ImageSource fetches screenshots uploaded by the client.
type ImageSource interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// MinioSource reads images from an S3-compatible bucket.
type MinioSource struct {
	client *minio.Client
	bucket string
}

// NewMinioSource connects to the configured object store.
func NewMinioSource(cfg config.ObjectStoreConfig) (*MinioSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}
	return &MinioSource{client: client, bucket: cfg.Bucket}, nil
}

// Fetch downloads one object.
func (s *MinioSource) Fetch(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyStorage(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, maxImageBytes+1))
	if err != nil {
		return nil, classifyStorage(err)
	}
	if len(data) > maxImageBytes {
		return nil, errmodel.Fatal(DepOCR, fmt.Errorf("image %s exceeds %d bytes", key, maxImageBytes))
	}
	return data, nil
}

func classifyStorage(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode != 0 {
		return errmodel.FromHTTPStatus(DepOCR, resp.StatusCode, resp.Code+": "+resp.Message)
	}
	return errmodel.Classify(DepOCR, err)
}

type ocrRequest struct {
	MimeType      string   `json:"mimeType"`
	LanguageCodes []string `json:"languageCodes"`
	Model         string   `json:"model"`
	Content       string   `json:"content"`
}

type ocrResponse struct {
	Result struct {
		TextAnnotation struct {
			FullText string `json:"fullText"`
		} `json:"textAnnotation"`
	} `json:"result"`
}

// RecognizeText runs page OCR on an image.
func (c *Client) RecognizeText(ctx context.Context, image []byte, mime string) (string, error) {
	if len(image) == 0 {
		return "", errmodel.Fatal(DepOCR, errors.New("empty image"))
	}
	req := ocrRequest{
		MimeType:      mime,
		LanguageCodes: []string{"*"},
		Model:         "page",
		Content:       base64.StdEncoding.EncodeToString(image),
	}
	var resp ocrResponse
	if err := c.postJSON(ctx, DepOCR, c.cfg.OCRURL, req, &resp); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Result.TextAnnotation.FullText), nil
}

// OCRHandler reads "image" (base64) or "image_key" (object store key).
func (c *Client) OCRHandler(src ImageSource) handler.Handler {
	return handler.NewFunc(ActionOCR, DepOCR, func(ctx context.Context, in handler.Input) (handler.Output, error) {
		image, mime, err := loadImage(ctx, src, in)
		if err != nil {
			return nil, err
		}
		text, err := c.RecognizeText(ctx, image, mime)
		if err != nil {
			return nil, err
		}
		if text == "" {
			return nil, errmodel.Fatal(DepOCR, errors.New("no text found on the image"))
		}
		return handler.Output{handler.KeyText: text}, nil
	})
}

func loadImage(ctx context.Context, src ImageSource, in handler.Input) ([]byte, string, error) {
	if b64 := in.String("image"); b64 != "" {
		img, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, "", errmodel.Fatal(DepOCR, fmt.Errorf("image is not base64: %w", err))
		}
		return img, mimeOf(img, ""), nil
	}
	key := in.String("image_key")
	if key == "" {
		return nil, "", errmodel.Fatal(DepOCR, errors.New("no image supplied"))
	}
	if src == nil {
		return nil, "", errmodel.New(errmodel.KindConfiguration, "object store is not configured")
	}
	img, err := src.Fetch(ctx, key)
	if err != nil {
		return nil, "", err
	}
	return img, mimeOf(img, key), nil
}

func mimeOf(img []byte, key string) string {
	switch http.DetectContentType(img) {
	case "image/png":
		return "PNG"
	case "application/pdf":
		return "PDF"
	case "image/jpeg":
		return "JPEG"
	}
	switch strings.ToLower(path.Ext(key)) {
	case ".png":
		return "PNG"
	case ".pdf":
		return "PDF"
	}
	return "JPEG"
}

type translateRequest struct {
	FolderID           string   `json:"folderId,omitempty"`
	Texts              []string `json:"texts"`
	TargetLanguageCode string   `json:"targetLanguageCode"`
}

type translateResponse struct {
	Translations []struct {
		Text                 string `json:"text"`
		DetectedLanguageCode string `json:"detectedLanguageCode"`
	} `json:"translations"`
}

// Translate translates text into target (a two-letter code).
func (c *Client) Translate(ctx context.Context, text, target string) (string, string, error) {
	if strings.TrimSpace(text) == "" {
		return "", "", errmodel.Fatal(DepTranslate, errors.New("empty text"))
	}
	req := translateRequest{FolderID: c.cfg.FolderID, Texts: []string{text}, TargetLanguageCode: target}
	var resp translateResponse
	if err := c.postJSON(ctx, DepTranslate, c.cfg.TranslateURL, req, &resp); err != nil {
		return "", "", err
	}
	if len(resp.Translations) == 0 {
		return "", "", errmodel.Retryable(DepTranslate, errors.New("empty translation"))
	}
	tr := resp.Translations[0]
	return tr.Text, tr.DetectedLanguageCode, nil
}

// TranslateHandler reads "text" and "lang" (target, default from config).
func (c *Client) TranslateHandler() handler.Handler {
	return handler.NewFunc(ActionTranslate, DepTranslate, func(ctx context.Context, in handler.Input) (handler.Output, error) {
		target := in.String("lang")
		if target == "" {
			target = c.cfg.DefaultLang
		}
		text, detected, err := c.Translate(ctx, in.String("text"), target)
		if err != nil {
			return nil, err
		}
		return handler.Output{handler.KeyText: text, "source_lang": detected, "target_lang": target}, nil
	})
}

// Handlers returns every Yandex action. src may be nil when no object store
// is configured; OCR then only accepts inline images.
func (c *Client) Handlers(src ImageSource) []handler.Handler {
	return []handler.Handler{
		c.RecognizeHandler(),
		c.SynthesizeHandler(),
		c.OCRHandler(src),
		c.TranslateHandler(),
	}
}
