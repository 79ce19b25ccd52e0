// Package callcontrol renders the TwiML documents returned to the carrier.
// Each builder corresponds to one decision the voice handlers can make; the
// spoken text lives here so that every route says the same thing.
package callcontrol

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/twilio/twilio-go/twiml"
)

// DefaultVoice is the synthesized voice used for every spoken prompt.
const DefaultVoice = "Polly.Joanna"

// DefaultBusinessName is spoken when no business name is configured.
const DefaultBusinessName = "Apex Business Systems"

// Spoken prompts.
const (
	consentPrompt     = "Press 1 to consent to recording. Otherwise, we will continue without recording."
	greetingStream    = "Hi, you've reached %s, your 24/7 AI Receptionist! How can I help? Press 0 to speak with someone directly."
	greetingBridge    = "Hi, you've reached %s, your 24/7 AI Receptionist! Connecting you now."
	connectingAgent   = "Connecting you to an agent now."
	adminLineActive   = "Admin line active. Connecting you to the AI assistant."
	goodbye           = "Goodbye."
	technicalTrouble  = "We're sorry, but we're experiencing technical difficulties. Please try again later."
	highVolume        = "We're experiencing high call volume. Please try again later."
	adminNoForwarding = "Admin call detected. No forwarding. Goodbye."
	leaveMessage      = "We could not connect your call. Please leave a message after the beep."
	thankYouGoodbye   = "Thank you. Goodbye."
	unableToProcess   = "We are unable to process your call at this time."
)

// dialStatusEvents is the set of call progress events requested from the
// carrier for bridged legs.
const dialStatusEvents = "initiated ringing answered completed"

// VoicemailMaxSeconds is the hard cap on a voicemail recording.
const VoicemailMaxSeconds = 120

// Routes holds the absolute callback URLs embedded in documents.
type Routes struct {
	Answer            string
	Consent           string
	Action            string
	StreamEnded       string
	Fallback          string
	VoicemailComplete string
	RecordingStatus   string
	DialStatus        string
}

// NewRoutes derives every callback URL from the public base URL.
func NewRoutes(baseURL string) Routes {
	base := strings.TrimRight(baseURL, "/")
	return Routes{
		Answer:            base + "/voice/answer",
		Consent:           base + "/voice/consent",
		Action:            base + "/voice/action",
		StreamEnded:       base + "/voice/stream-ended",
		Fallback:          base + "/voice/fallback",
		VoicemailComplete: base + "/voice/voicemail-complete",
		RecordingStatus:   base + "/voice/recording-status",
		DialStatus:        base + "/voice/status",
	}
}

// Dial describes the human bridge leg.
type Dial struct {
	Target    string
	CallerID  string
	Recording bool
}

// Stream describes the media socket the carrier should open.
type Stream struct {
	// URL is the full wss:// URL including the call id and token.
	URL string
}

// StreamURL builds the relay socket URL for a call.
func StreamURL(wsBase, callSid, token string) string {
	q := url.Values{}
	q.Set("callSid", callSid)
	if token != "" {
		q.Set("token", token)
	}
	return strings.TrimRight(wsBase, "/") + "/voice/stream?" + q.Encode()
}

// Builder renders documents with a fixed voice and set of callback routes.
type Builder struct {
	Voice  string
	Routes Routes
}

// NewBuilder returns a Builder using the default voice when voice is empty.
func NewBuilder(voice string, routes Routes) *Builder {
	if voice == "" {
		voice = DefaultVoice
	}
	return &Builder{Voice: voice, Routes: routes}
}

func (b *Builder) say(text string) *twiml.VoiceSay {
	return &twiml.VoiceSay{Voice: b.Voice, Message: text}
}

func (b *Builder) dial(d Dial) *twiml.VoiceDial {
	record := "do-not-record"
	if d.Recording {
		record = "record-from-answer"
	}
	return &twiml.VoiceDial{
		CallerId:                d.CallerID,
		Record:                  record,
		RecordingStatusCallback: b.Routes.RecordingStatus,
		Action:                  b.Routes.Fallback,
		Method:                  "POST",
		OptionalAttributes: map[string]string{
			"statusCallback":      b.Routes.DialStatus,
			"statusCallbackEvent": dialStatusEvents,
		},
		InnerElements: []twiml.Element{
			&twiml.VoiceNumber{
				PhoneNumber:         d.Target,
				StatusCallback:      b.Routes.DialStatus,
				StatusCallbackEvent: dialStatusEvents,
			},
		},
	}
}

func (b *Builder) connect(s Stream) *twiml.VoiceConnect {
	return &twiml.VoiceConnect{
		Action: b.Routes.StreamEnded,
		InnerElements: []twiml.Element{
			&twiml.VoiceStream{Url: s.URL},
		},
	}
}

func render(verbs ...twiml.Element) (string, error) {
	doc, err := twiml.Voice(verbs)
	if err != nil {
		return "", fmt.Errorf("rendering twiml: %w", err)
	}
	return doc, nil
}

func businessName(name string) string {
	if strings.TrimSpace(name) == "" {
		return DefaultBusinessName
	}
	return name
}

// ConsentGather collects one digit for recording consent, then redirects to
// the consent endpoint whether or not a digit was pressed.
func (b *Builder) ConsentGather() (string, error) {
	return render(
		&twiml.VoiceGather{
			Action:        b.Routes.Consent,
			Method:        "POST",
			Input:         "dtmf",
			NumDigits:     "1",
			Timeout:       "4",
			InnerElements: []twiml.Element{b.say(consentPrompt)},
		},
		&twiml.VoiceRedirect{Method: "POST", Url: b.Routes.Consent},
	)
}

// GreetingWithStream greets the caller with a one-digit escape, connects the
// relay stream, and falls through to the human bridge when the stream ends
// without a resume decision.
func (b *Builder) GreetingWithStream(business string, recording bool, s Stream, d Dial) (string, error) {
	d.Recording = recording
	return render(
		&twiml.VoiceGather{
			Action:        withRecordingFlag(b.Routes.Action, recording),
			Method:        "POST",
			Input:         "dtmf",
			NumDigits:     "1",
			Timeout:       "1",
			InnerElements: []twiml.Element{b.say(fmt.Sprintf(greetingStream, businessName(business)))},
		},
		b.connect(s),
		b.say(connectingAgent),
		b.dial(d),
	)
}

// BridgeToHuman dials the human target directly.
func (b *Builder) BridgeToHuman(business string, d Dial) (string, error) {
	return render(
		b.say(fmt.Sprintf(greetingBridge, businessName(business))),
		b.dial(d),
	)
}

// Handoff bridges mid-call, after the AI leg has ended or been abandoned.
func (b *Builder) Handoff(d Dial) (string, error) {
	return render(
		b.say(connectingAgent),
		b.dial(d),
	)
}

// AdminStream connects internal callers, and calls with no safe target, to
// the AI relay only.
func (b *Builder) AdminStream(s Stream) (string, error) {
	return render(
		b.say(adminLineActive),
		b.connect(s),
		b.say(goodbye),
	)
}

// StreamWithFallback reconnects the relay without a greeting, keeping the
// human bridge behind it.
func (b *Builder) StreamWithFallback(s Stream, d Dial) (string, error) {
	return render(
		b.connect(s),
		b.say(connectingAgent),
		b.dial(d),
	)
}

// ResumeAnswer sends the carrier back to the answer route with the consent
// decision attached.
func (b *Builder) ResumeAnswer(recording bool) (string, error) {
	return render(&twiml.VoiceRedirect{
		Method: "POST",
		Url:    withRecordingFlag(b.Routes.Answer, recording),
	})
}

// StreamOnly reconnects the relay without a greeting.
func (b *Builder) StreamOnly(s Stream) (string, error) {
	return render(b.connect(s), b.say(goodbye))
}

// Goodbye ends the call politely.
func (b *Builder) Goodbye() (string, error) {
	return render(b.say(goodbye), &twiml.VoiceHangup{})
}

// Hangup ends the call silently.
func (b *Builder) Hangup() (string, error) {
	return render(&twiml.VoiceHangup{})
}

// RateLimited turns away a caller that is calling in too often.
func (b *Builder) RateLimited() (string, error) {
	return render(b.say(highVolume), &twiml.VoiceHangup{})
}

// InternalFallback ends an internal call without recording, so an admin line
// never records itself.
func (b *Builder) InternalFallback() (string, error) {
	return render(b.say(adminNoForwarding), &twiml.VoiceHangup{})
}

// Voicemail prompts for a bounded recording posted to the completion route.
func (b *Builder) Voicemail() (string, error) {
	return render(
		b.say(leaveMessage),
		&twiml.VoiceRecord{
			Action:    b.Routes.VoicemailComplete,
			Method:    "POST",
			MaxLength: fmt.Sprintf("%d", VoicemailMaxSeconds),
			PlayBeep:  "true",
		},
		b.say(thankYouGoodbye),
		&twiml.VoiceHangup{},
	)
}

// VoicemailSaved thanks the caller after the recording completes.
func (b *Builder) VoicemailSaved() (string, error) {
	return render(b.say(thankYouGoodbye), &twiml.VoiceHangup{})
}

// Static fallbacks. These are hand-written so they are available even if
// rendering itself fails.

// ErrorDocument is the apology returned when a call cannot be handled.
func ErrorDocument(voice string) string {
	return staticSayHangup(voice, technicalTrouble)
}

// FallbackErrorDocument is the apology returned by the voicemail path.
func FallbackErrorDocument(voice string) string {
	return staticSayHangup(voice, unableToProcess)
}

func staticSayHangup(voice, text string) string {
	if voice == "" {
		voice = DefaultVoice
	}
	return `<?xml version="1.0" encoding="UTF-8"?><Response><Say voice="` + xmlEscape(voice) + `">` +
		xmlEscape(text) + `</Say><Hangup/></Response>`
}

var xmlReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func xmlEscape(s string) string {
	return xmlReplacer.Replace(s)
}

func withRecordingFlag(rawURL string, recording bool) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%srecording_enabled=%t", rawURL, sep, recording)
}
