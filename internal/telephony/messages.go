package telephony

// TwilioMessage represents a message from Twilio Media Streams
type TwilioMessage struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSid      string       `json:"streamSid,omitempty"`
	Media          *TwilioMedia `json:"media,omitempty"`
	Start          *TwilioStart `json:"start,omitempty"`
	Mark           *TwilioMark  `json:"mark,omitempty"`
	Stop           *TwilioStop  `json:"stop,omitempty"`
}

// TwilioMedia represents the media payload in a media event
type TwilioMedia struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk,omitempty"` // Alternative field name for payload
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // Base64 encoded PCMU
}

// TwilioStart represents the start event payload
type TwilioStart struct {
	AccountSid       string                 `json:"accountSid"`
	CallSid          string                 `json:"callSid"`
	StreamSid        string                 `json:"streamSid"`
	Tracks           []string               `json:"tracks,omitempty"`
	MediaFormat      *TwilioMediaFormat     `json:"mediaFormat,omitempty"`
	CustomParameters map[string]interface{} `json:"customParameters,omitempty"`
}

// TwilioMediaFormat describes the encoding Twilio streams to us
type TwilioMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// TwilioMark acknowledges a playback marker we sent earlier
type TwilioMark struct {
	Name string `json:"name"`
}

// TwilioStop represents the stop event payload
type TwilioStop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// Outbound message shapes. Twilio expects the streamSid on every write.

type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type outboundMark struct {
	Event     string      `json:"event"`
	StreamSid string      `json:"streamSid"`
	Mark      markPayload `json:"mark"`
}

type markPayload struct {
	Name string `json:"name"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}
