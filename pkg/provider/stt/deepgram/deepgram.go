// Package deepgram provides a batch transcriber backed by the Deepgram
// streaming WebSocket API.
//
// Deepgram has no batch endpoint for raw PCM, so Transcribe opens a short
// streaming session per call: it pushes the whole buffer, sends CloseStream,
// and gathers the final results the server flushes before closing. Keyword
// boosts (guild vocabulary) improve recognition of uncommon proper nouns.
package deepgram

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/feldrow/engram/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// writeChunkBytes bounds individual websocket frames.
	writeChunkBytes = 8192
)

// Keyword is one recognition boost entry.
type Keyword struct {
	// Word is the text to boost (e.g., a member display name).
	Word string

	// Boost is the intensity on Deepgram's scale; zero means the server
	// default.
	Boost float64
}

// Compile-time assertion that Transcriber satisfies stt.Transcriber.
var _ stt.Transcriber = (*Transcriber)(nil)

// Transcriber implements stt.Transcriber backed by the Deepgram streaming API.
type Transcriber struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
	keywords   []Keyword
}

// Option is a functional option for configuring the Transcriber.
type Option func(*Transcriber)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(t *Transcriber) { t.model = model }
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en",
// "de-DE").
func WithLanguage(language string) Option {
	return func(t *Transcriber) { t.language = language }
}

// WithSampleRate sets the sample rate of the submitted buffers in Hz.
// Defaults to 16000, matching the audio sink's output.
func WithSampleRate(rate int) Option {
	return func(t *Transcriber) { t.sampleRate = rate }
}

// WithKeywords sets the keyword boost list sent with every session.
func WithKeywords(keywords []Keyword) Option {
	return func(t *Transcriber) { t.keywords = keywords }
}

// New creates a new Deepgram Transcriber. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	t := &Transcriber{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// deepgramResponse is the JSON structure of a Deepgram Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word  string  `json:"word"`
				Start float64 `json:"start"`
				End   float64 `json:"end"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Transcribe implements stt.Transcriber. samples must be mono float32 PCM at
// the configured sample rate.
func (t *Transcriber) Transcribe(ctx context.Context, samples []float32) (*stt.Result, error) {
	if len(samples) == 0 {
		return &stt.Result{}, nil
	}

	wsURL, err := t.buildURL()
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+t.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Push the whole buffer, then ask the server to flush and close.
	pcm := float32ToPCM16(samples)
	for off := 0; off < len(pcm); off += writeChunkBytes {
		end := min(off+writeChunkBytes, len(pcm))
		if err := conn.Write(ctx, websocket.MessageBinary, pcm[off:end]); err != nil {
			return nil, fmt.Errorf("deepgram: send audio: %w", err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return nil, fmt.Errorf("deepgram: close stream: %w", err)
	}

	// Gather finals until the server closes the connection.
	result := &stt.Result{}
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.StatusNormalClosure {
				break
			}
			if ctx.Err() != nil {
				return nil, fmt.Errorf("deepgram: read: %w", ctx.Err())
			}
			// Servers often just drop the connection after the final result.
			break
		}
		if seg, ok := parseFinal(msg); ok {
			result.Segments = append(result.Segments, seg)
		}
	}

	return result, nil
}

// buildURL constructs the streaming endpoint URL with query parameters.
func (t *Transcriber) buildURL() (string, error) {
	u, err := url.Parse(deepgramEndpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", t.model)
	q.Set("language", t.language)
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(t.sampleRate))
	q.Set("channels", "1")

	for _, kw := range t.keywords {
		// Deepgram keyword format: word:boost (e.g., "feldrow:5").
		if kw.Boost != 0 {
			q.Add("keywords", fmt.Sprintf("%s:%g", kw.Word, kw.Boost))
		} else {
			q.Add("keywords", kw.Word)
		}
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// parseFinal parses a raw Deepgram message into a segment. Returns false for
// non-Results events, interim results, and empty transcripts.
func parseFinal(data []byte) (stt.Segment, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Segment{}, false
	}
	if resp.Type != "Results" || !resp.IsFinal {
		return stt.Segment{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return stt.Segment{}, false
	}

	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return stt.Segment{}, false
	}

	seg := stt.Segment{
		Text:         alt.Transcript,
		NoSpeechProb: 1 - alt.Confidence,
	}
	if n := len(alt.Words); n > 0 {
		seg.Start = time.Duration(alt.Words[0].Start * float64(time.Second))
		seg.End = time.Duration(alt.Words[n-1].End * float64(time.Second))
	}
	return seg, true
}

// float32ToPCM16 converts normalised float32 samples to 16-bit little-endian
// signed PCM bytes.
func float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s*32767)))
	}
	return out
}
