package live

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/bytedance/sonic"
)

// DefaultServerSampleRate is assumed for server audio whose MIME type carries
// no rate parameter.
const DefaultServerSampleRate = 24000

// MIMETypePCM is the MIME type of client audio chunks.
const MIMETypePCM = "audio/pcm"

// Message is one BidiGenerateContent protocol message. The set of variants is
// closed: SetupRequest, RealtimeAudioChunk and ClientTextTurn travel to the
// server; the remaining types are decoded from server frames.
type Message interface {
	isMessage()
}

// ── Client variants ────────────────────────────────────────────────────────────

// SetupRequest configures the session. It must be the first message sent.
type SetupRequest struct {
	// Model is the model name, with or without the "models/" prefix.
	Model string

	// ResponseModalities defaults to ["AUDIO"].
	ResponseModalities []string

	SystemInstruction string

	// Voice is a prebuilt voice name such as "Aoede". Empty keeps the
	// server default.
	Voice string

	// Transcribe requests input and output transcriptions alongside audio.
	Transcribe bool
}

// RealtimeAudioChunk carries captured microphone audio.
type RealtimeAudioChunk struct {
	MIMEType string
	Data     []byte
}

// ClientTextTurn sends text as a conversation turn.
type ClientTextTurn struct {
	// Role defaults to "user".
	Role         string
	Text         string
	TurnComplete bool
}

// ── Server variants ────────────────────────────────────────────────────────────

// SetupComplete acknowledges the SetupRequest.
type SetupComplete struct{}

// ServerAudioChunk is synthesized speech as 16-bit PCM.
type ServerAudioChunk struct {
	MIMEType   string
	SampleRate int
	Data       []byte
}

// ServerTextPart is one text fragment of a model turn.
type ServerTextPart struct {
	Text string
}

// TranscriptionSource tells whose speech a [Transcription] transcribes.
type TranscriptionSource int

const (
	// InputTranscript is the user's microphone speech.
	InputTranscript TranscriptionSource = iota
	// OutputTranscript is the model's synthesized speech.
	OutputTranscript
)

// Transcription is a fragment of speech-to-text for either direction.
type Transcription struct {
	Source TranscriptionSource
	Text   string
}

// TurnComplete marks the end of a model turn. Interrupted is set when the
// model stopped because the user started speaking.
type TurnComplete struct {
	Interrupted bool
}

// ServerError is a structured error reported by the endpoint. It ends the
// session.
type ServerError struct {
	Code    int
	Message string
	Status  string
}

func (e ServerError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("server error %d (%s): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

func (SetupRequest) isMessage()       {}
func (RealtimeAudioChunk) isMessage() {}
func (ClientTextTurn) isMessage()     {}
func (SetupComplete) isMessage()      {}
func (ServerAudioChunk) isMessage()   {}
func (ServerTextPart) isMessage()     {}
func (Transcription) isMessage()      {}
func (TurnComplete) isMessage()       {}
func (ServerError) isMessage()        {}

// ── Errors ─────────────────────────────────────────────────────────────────────

// ErrNotClientMessage is returned by Encode for server-only variants.
var ErrNotClientMessage = errors.New("live: message cannot be sent by a client")

// ParseError reports a server frame that could not be decoded. The frame is
// skipped; the session keeps running.
type ParseError struct {
	Reason  string
	// Preview holds the start of the offending frame for logging.
	Preview string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("live: parse: %s: %v", e.Reason, e.Err)
	}
	return "live: parse: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// ── Wire types (outgoing) ──────────────────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

type blob struct {
	MIMEType string `json:"mimeType,omitempty"`
	Data     string `json:"data"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []blob `json:"mediaChunks"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

// ── Wire types (incoming) ──────────────────────────────────────────────────────

type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	Error         *serverError   `json:"error,omitempty"`

	// Bookkeeping frames that carry nothing for a review session.
	UsageMetadata           json.RawMessage `json:"usageMetadata,omitempty"`
	GoAway                  json.RawMessage `json:"goAway,omitempty"`
	SessionResumptionUpdate json.RawMessage `json:"sessionResumptionUpdate,omitempty"`
}

type serverError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	RealtimeAudio       *blob          `json:"realtimeAudio,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── Codec ──────────────────────────────────────────────────────────────────────

// Encode serializes a client message as a single-line JSON text frame. Audio
// is base64 encoded.
func Encode(m Message) ([]byte, error) {
	var v any
	switch m := m.(type) {
	case SetupRequest:
		v = encodeSetup(m)
	case RealtimeAudioChunk:
		mt := m.MIMEType
		if mt == "" {
			mt = MIMETypePCM
		}
		v = realtimeInputMessage{RealtimeInput: realtimeInput{MediaChunks: []blob{{
			MIMEType: mt,
			Data:     base64.StdEncoding.EncodeToString(m.Data),
		}}}}
	case ClientTextTurn:
		role := m.Role
		if role == "" {
			role = "user"
		}
		v = clientContentMessage{ClientContent: clientContent{
			Turns:        []content{{Role: role, Parts: []part{{Text: m.Text}}}},
			TurnComplete: m.TurnComplete,
		}}
	default:
		return nil, fmt.Errorf("%w: %T", ErrNotClientMessage, m)
	}

	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("live: encode %T: %w", m, err)
	}
	return data, nil
}

func encodeSetup(m SetupRequest) setupMessage {
	model := m.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	modalities := m.ResponseModalities
	if len(modalities) == 0 {
		modalities = []string{"AUDIO"}
	}

	cfg := setupConfig{
		Model:            model,
		GenerationConfig: generationConfig{ResponseModalities: modalities},
	}
	if m.SystemInstruction != "" {
		cfg.SystemInstruction = &content{Parts: []part{{Text: m.SystemInstruction}}}
	}
	if m.Voice != "" {
		cfg.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: m.Voice}},
		}
	}
	if m.Transcribe {
		cfg.InputAudioTranscription = &struct{}{}
		cfg.OutputAudioTranscription = &struct{}{}
	}
	return setupMessage{Setup: cfg}
}

// Decode parses one server frame into the messages it carries, in wire
// order. A frame may legitimately carry none (usage metadata, an empty
// serverContent). Malformed JSON, malformed base64 and frames with no known
// top-level key fail with *ParseError.
func Decode(data []byte) ([]Message, error) {
	var sm serverMessage
	if err := sonic.Unmarshal(data, &sm); err != nil {
		return nil, &ParseError{Reason: "malformed json", Preview: preview(data), Err: err}
	}

	var out []Message
	known := false

	if sm.SetupComplete != nil {
		known = true
		out = append(out, SetupComplete{})
	}

	if sc := sm.ServerContent; sc != nil {
		known = true
		msgs, err := decodeContent(sc)
		if err != nil {
			err.Preview = preview(data)
			return nil, err
		}
		out = append(out, msgs...)
	}

	if e := sm.Error; e != nil {
		known = true
		out = append(out, ServerError{Code: e.Code, Message: e.Message, Status: e.Status})
	}

	if len(sm.UsageMetadata) > 0 || len(sm.GoAway) > 0 || len(sm.SessionResumptionUpdate) > 0 {
		known = true
	}

	if !known {
		return nil, &ParseError{Reason: "unrecognized frame", Preview: preview(data)}
	}
	return out, nil
}

func decodeContent(sc *serverContent) ([]Message, *ParseError) {
	var out []Message

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				chunk, err := decodeAudio(p.InlineData)
				if err != nil {
					return nil, err
				}
				if len(chunk.Data) > 0 {
					out = append(out, chunk)
				}
			}
			if p.Text != "" {
				out = append(out, ServerTextPart{Text: p.Text})
			}
		}
	}

	if sc.RealtimeAudio != nil {
		chunk, err := decodeAudio(sc.RealtimeAudio)
		if err != nil {
			return nil, err
		}
		if len(chunk.Data) > 0 {
			out = append(out, chunk)
		}
	}

	if t := sc.InputTranscription; t != nil && t.Text != "" {
		out = append(out, Transcription{Source: InputTranscript, Text: t.Text})
	}
	if t := sc.OutputTranscription; t != nil && t.Text != "" {
		out = append(out, Transcription{Source: OutputTranscript, Text: t.Text})
	}

	if sc.TurnComplete || sc.Interrupted {
		out = append(out, TurnComplete{Interrupted: sc.Interrupted})
	}
	return out, nil
}

func decodeAudio(b *blob) (ServerAudioChunk, *ParseError) {
	pcm, err := base64.StdEncoding.DecodeString(b.Data)
	if err != nil {
		return ServerAudioChunk{}, &ParseError{Reason: "malformed base64 audio", Err: err}
	}
	if len(pcm)%2 != 0 {
		return ServerAudioChunk{}, &ParseError{Reason: fmt.Sprintf("odd PCM length %d", len(pcm))}
	}
	return ServerAudioChunk{
		MIMEType:   b.MIMEType,
		SampleRate: sampleRate(b.MIMEType),
		Data:       pcm,
	}, nil
}

// sampleRate reads the rate parameter of a MIME type like
// "audio/pcm;rate=24000".
func sampleRate(mimeType string) int {
	if mimeType == "" {
		return DefaultServerSampleRate
	}
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return DefaultServerSampleRate
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return DefaultServerSampleRate
	}
	return rate
}

// preview shortens a frame for log messages without splitting a rune.
func preview(data []byte) string {
	const limit = 120
	if len(data) <= limit {
		return string(data)
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	return string(data[:cut]) + "…"
}
