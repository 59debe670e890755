package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"dictum/internal/audio"

	"github.com/sirupsen/logrus"
)

// Response formats accepted by the inference server.
const (
	FormatJSON    = "json"
	FormatVerbose = "verbose_json"
)

// ErrTransport marks a network-level failure talking to the server. The
// caller should re-verify the server before the next request.
var ErrTransport = errors.New("transcription transport failure")

// Word is a transcribed word with absolute timestamps in seconds from the
// start of the recording.
type Word struct {
	Text  string
	Start float64
	End   float64
}

// Result holds the parsed output of one transcription request. Words is
// populated only for verbose_json responses.
type Result struct {
	Text  string
	Words []Word
}

// Client is a stateless wrapper around the inference server's /inference
// endpoint. OnTransportFailure, when set, is invoked after a network-level
// error so the supervisor can drop its known-alive assumption.
type Client struct {
	BaseURL            string
	SampleRate         int
	OnTransportFailure func()

	httpc  *http.Client
	logger *logrus.Logger
}

func NewClient(baseURL string, sampleRate int, logger *logrus.Logger) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		SampleRate: sampleRate,
		httpc:      &http.Client{Timeout: 120 * time.Second},
		logger:     logger,
	}
}

// Transcribe submits pcm (16-bit mono) and returns the parsed result.
func (c *Client) Transcribe(ctx context.Context, pcm []byte, language, responseFormat string) (Result, error) {
	wavData, err := audio.EncodeWAV(pcm, c.SampleRate)
	if err != nil {
		return Result{}, err
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "audio.wav")
	if err != nil {
		return Result{}, err
	}
	if _, err := part.Write(wavData); err != nil {
		return Result{}, err
	}
	if err := w.WriteField("language", NormalizeLanguage(language)); err != nil {
		return Result{}, err
	}
	if responseFormat == "" {
		responseFormat = FormatJSON
	}
	if err := w.WriteField("response_format", responseFormat); err != nil {
		return Result{}, err
	}
	if err := w.Close(); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/inference", &body)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpc.Do(req)
	if err != nil {
		if c.OnTransportFailure != nil {
			c.OnTransportFailure()
		}
		return Result{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if c.OnTransportFailure != nil {
			c.OnTransportFailure()
		}
		return Result{}, fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("inference returned %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	return c.parse(raw), nil
}

type inferenceResponse struct {
	Text     string `json:"text"`
	Segments []struct {
		Text  string `json:"text"`
		Words []struct {
			Word  string  `json:"word"`
			Start float64 `json:"start"`
			End   float64 `json:"end"`
		} `json:"words"`
	} `json:"segments"`
}

// parse decodes the response body; an unparsable 200 degrades to treating
// the raw body as plain text.
func (c *Client) parse(raw []byte) Result {
	var ir inferenceResponse
	if err := json.Unmarshal(raw, &ir); err != nil {
		c.logger.Warnf("unparsable inference response, using raw text: %v", err)
		return Result{Text: strings.TrimSpace(string(raw))}
	}

	res := Result{Text: strings.TrimSpace(ir.Text)}
	if res.Text == "" && len(ir.Segments) > 0 {
		var b strings.Builder
		for _, seg := range ir.Segments {
			b.WriteString(seg.Text)
		}
		res.Text = strings.TrimSpace(b.String())
	}
	for _, seg := range ir.Segments {
		for _, w := range seg.Words {
			text := strings.TrimSpace(w.Word)
			if text == "" {
				continue
			}
			res.Words = append(res.Words, Word{Text: text, Start: w.Start, End: w.End})
		}
	}
	return res
}

// NormalizeLanguage maps empty or "auto" to the server's auto-detect code
// and lowercases concrete ISO codes.
func NormalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return "auto"
	}
	return lang
}
