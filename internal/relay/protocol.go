package relay

import (
	"encoding/json"
	"strings"
)

// carrierFrame is an inbound media socket frame.
type carrierFrame struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid,omitempty"`
	Start     *struct {
		StreamSid string `json:"streamSid"`
		CallSid   string `json:"callSid"`
	} `json:"start,omitempty"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
}

type carrierMedia struct {
	Event     string         `json:"event"`
	StreamSid string         `json:"streamSid"`
	Media     carrierPayload `json:"media"`
}

type carrierPayload struct {
	Payload string `json:"payload"`
}

type carrierClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

func carrierMediaFrame(streamSid, payload string) ([]byte, error) {
	return json.Marshal(carrierMedia{Event: "media", StreamSid: streamSid, Media: carrierPayload{Payload: payload}})
}

func carrierClearFrame(streamSid string) ([]byte, error) {
	return json.Marshal(carrierClear{Event: "clear", StreamSid: streamSid})
}

// providerMessage is an inbound speech provider event. Only the fields the
// relay reads are decoded.
type providerMessage struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Item       *struct {
		Transcript string `json:"transcript,omitempty"`
	} `json:"item,omitempty"`
	Response *struct {
		Output json.RawMessage `json:"output,omitempty"`
	} `json:"response,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// userTranscript returns the caller utterance carried by a transcript
// event, which sits either at the top level or under item.
func (m providerMessage) userTranscript() string {
	if t := strings.TrimSpace(m.Transcript); t != "" {
		return t
	}
	if m.Item != nil {
		return strings.TrimSpace(m.Item.Transcript)
	}
	return ""
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type sessionConfig struct {
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions"`
	Voice                   string               `json:"voice"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           turnDetection        `json:"turn_detection"`
	Temperature             float64              `json:"temperature"`
	MaxResponseOutputTokens string               `json:"max_response_output_tokens"`
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

func sessionUpdateMessage(instructions, voice string) ([]byte, error) {
	return json.Marshal(sessionUpdate{
		Type: "session.update",
		Session: sessionConfig{
			Modalities:              []string{"text", "audio"},
			Instructions:            instructions,
			Voice:                   voice,
			InputAudioFormat:        "g711_ulaw",
			OutputAudioFormat:       "g711_ulaw",
			InputAudioTranscription: &transcriptionConfig{Model: "whisper-1"},
			TurnDetection: turnDetection{
				Type:              "server_vad",
				Threshold:         0.5,
				PrefixPaddingMs:   300,
				SilenceDurationMs: 1000,
			},
			Temperature:             0.8,
			MaxResponseOutputTokens: "inf",
		},
	})
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

func audioAppendMessage(payload string) ([]byte, error) {
	return json.Marshal(audioAppend{Type: "input_audio_buffer.append", Audio: payload})
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type itemCreate struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

const nudgeText = "Are you still there?"

// nudgeMessages returns the two provider messages that ask the caller
// whether they are still on the line.
func nudgeMessages() ([][]byte, error) {
	item, err := json.Marshal(itemCreate{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []contentPart{{Type: "input_text", Text: nudgeText}},
		},
	})
	if err != nil {
		return nil, err
	}
	create, err := json.Marshal(map[string]string{"type": "response.create"})
	if err != nil {
		return nil, err
	}
	return [][]byte{item, create}, nil
}

// parseCapturedFields decodes a response output into captured fields. The
// output may be a JSON object or a string holding one; anything else yields
// nil.
func parseCapturedFields(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err == nil {
		return fields
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	if err := json.Unmarshal([]byte(s), &fields); err != nil {
		return nil
	}
	return fields
}
