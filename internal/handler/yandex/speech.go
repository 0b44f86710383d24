package yandex

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
	"github.com/ChuLiYu/maga-orchestrator/internal/handler"
)

// Action names.
const (
	ActionRecognize  = "speech.recognize"
	ActionSynthesize = "speech.synthesize"
)

// Alternative is one recognition hypothesis.
type Alternative struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Transcript is the best recognition result.
type Transcript struct {
	Text         string        `json:"text"`
	Confidence   float64       `json:"confidence"`
	Language     string        `json:"language"`
	Alternatives []Alternative `json:"alternatives"`
}

type sttRequest struct {
	Audio struct {
		Content string `json:"content"`
	} `json:"audio"`
	Config struct {
		Specification struct {
			LanguageCode    string `json:"languageCode"`
			AudioEncoding   string `json:"audioEncoding"`
			SampleRateHertz int    `json:"sampleRateHertz"`
			ProfanityFilter bool   `json:"profanityFilter"`
		} `json:"specification"`
	} `json:"config"`
}

type sttResponse struct {
	Result struct {
		Alternatives []Alternative `json:"alternatives"`
		Language     string        `json:"language"`
	} `json:"result"`
}

// Recognize transcribes 16 kHz LINEAR16 audio and returns the most confident
// alternative.
func (c *Client) Recognize(ctx context.Context, audio []byte, lang string) (Transcript, error) {
	if len(audio) == 0 {
		return Transcript{}, errmodel.Fatal(DepSTT, errors.New("empty audio"))
	}
	var req sttRequest
	req.Audio.Content = base64.StdEncoding.EncodeToString(audio)
	req.Config.Specification.LanguageCode = languageCode(lang)
	req.Config.Specification.AudioEncoding = "LINEAR16"
	req.Config.Specification.SampleRateHertz = 16000

	var resp sttResponse
	if err := c.postJSON(ctx, DepSTT, c.cfg.STTURL, req, &resp); err != nil {
		return Transcript{}, err
	}

	t := Transcript{Language: resp.Result.Language, Alternatives: resp.Result.Alternatives}
	for _, alt := range resp.Result.Alternatives {
		if alt.Confidence > t.Confidence || t.Text == "" {
			t.Text = alt.Text
			t.Confidence = alt.Confidence
		}
	}
	t.Text = strings.TrimSpace(t.Text)
	return t, nil
}

// Synthesize renders text to audio. Returns the raw audio bytes.
func (c *Client) Synthesize(ctx context.Context, text, lang, voice string, speed float64, format string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errmodel.Fatal(DepTTS, errors.New("empty text"))
	}
	if voice == "" {
		voice = c.voiceFor(lang)
	}
	if format == "" {
		format = "oggopus"
	}
	speed = min(max(speed, 0.1), 3.0)

	form := url.Values{}
	form.Set("text", text)
	form.Set("lang", languageCode(lang))
	form.Set("voice", voice)
	form.Set("speed", strconv.FormatFloat(speed, 'f', 1, 64))
	form.Set("format", format)
	if format == "lpcm" {
		form.Set("sampleRateHertz", "48000")
	}
	if c.cfg.FolderID != "" {
		form.Set("folderId", c.cfg.FolderID)
	}
	return c.postForm(ctx, DepTTS, c.cfg.TTSURL, form)
}

func (c *Client) voiceFor(lang string) string {
	if strings.HasPrefix(strings.ToLower(lang), "en") && c.cfg.VoiceEN != "" {
		return c.cfg.VoiceEN
	}
	if c.cfg.Voice != "" {
		return c.cfg.Voice
	}
	return "ermil"
}

// RecognizeHandler reads "audio" (bytes or base64) and optional "lang".
func (c *Client) RecognizeHandler() handler.Handler {
	return handler.NewFunc(ActionRecognize, DepSTT, func(ctx context.Context, in handler.Input) (handler.Output, error) {
		audio, err := audioInput(in["audio"])
		if err != nil {
			return nil, errmodel.Fatal(DepSTT, err)
		}
		t, err := c.Recognize(ctx, audio, in.String("lang"))
		if err != nil {
			return nil, err
		}
		return handler.Output{
			handler.KeyText: t.Text,
			"confidence":    t.Confidence,
			"language":      t.Language,
		}, nil
	})
}

// SynthesizeHandler reads "text", optional "lang", "voice" and "format".
func (c *Client) SynthesizeHandler() handler.Handler {
	return handler.NewFunc(ActionSynthesize, DepTTS, func(ctx context.Context, in handler.Input) (handler.Output, error) {
		lang := in.String("lang")
		if lang == "" {
			lang = c.cfg.DefaultLang
		}
		text := in.String("text")
		audio, err := c.Synthesize(ctx, text, lang, in.String("voice"), 1.0, in.String("format"))
		if err != nil {
			return nil, err
		}
		return handler.Output{
			handler.KeyText: text,
			"audio":         base64.StdEncoding.EncodeToString(audio),
			"bytes":         len(audio),
		}, nil
	})
}

func audioInput(v any) ([]byte, error) {
	switch a := v.(type) {
	case []byte:
		return a, nil
	case string:
		b, err := base64.StdEncoding.DecodeString(a)
		if err != nil {
			return nil, fmt.Errorf("audio is not base64: %w", err)
		}
		return b, nil
	case nil:
		return nil, errors.New("missing audio")
	default:
		return nil, fmt.Errorf("unsupported audio type %T", v)
	}
}
