// Package signaling defines the walkie-talkie signaling messages and the
// WebSocket channel a peer uses to exchange them through the relay.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// ErrInvalidMessage is returned by Decode for frames that are not a
// well-formed signaling message.
var ErrInvalidMessage = errors.New("invalid signaling message")

// Kind identifies the variant of a Message. The first three values are the
// wire "type" tags.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
	KindWelcome   Kind = "welcome" // relay greeting; carries no "type" on the wire
)

// Message is one of Offer, Answer, Candidate or Welcome.
type Message interface {
	Kind() Kind
}

// Offer carries the initiating peer's session description.
type Offer struct {
	Description webrtc.SessionDescription
}

// Answer carries the responding peer's session description.
type Answer struct {
	Description webrtc.SessionDescription
}

// Candidate carries a single trickled ICE candidate.
type Candidate struct {
	Candidate webrtc.ICECandidateInit
}

// Welcome is the informational greeting the relay sends on connect.
type Welcome struct {
	Text string
}

func (Offer) Kind() Kind     { return KindOffer }
func (Answer) Kind() Kind    { return KindAnswer }
func (Candidate) Kind() Kind { return KindCandidate }
func (Welcome) Kind() Kind   { return KindWelcome }

// wireMessage is the JSON shape shared with browser peers:
//
//	{"type":"offer","offer":{...}}
//	{"type":"answer","answer":{...}}
//	{"type":"candidate","candidate":{...}}
//	{"message":"..."}
type wireMessage struct {
	Type      Kind                       `json:"type,omitempty"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Message   string                     `json:"message,omitempty"`
}

// Encode serializes a Message into its JSON wire form.
func Encode(msg Message) ([]byte, error) {
	var w wireMessage

	switch m := msg.(type) {
	case Offer:
		w.Type = KindOffer
		w.Offer = &m.Description
	case Answer:
		w.Type = KindAnswer
		w.Answer = &m.Description
	case Candidate:
		w.Type = KindCandidate
		w.Candidate = &m.Candidate
	case Welcome:
		w.Message = m.Text
	default:
		return nil, fmt.Errorf("%w: unsupported message %T", ErrInvalidMessage, msg)
	}

	return json.Marshal(w)
}

// Decode parses a JSON frame. Exactly one payload field must be present and
// it must match the "type" tag.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	payloads := 0
	for _, present := range []bool{w.Offer != nil, w.Answer != nil, w.Candidate != nil} {
		if present {
			payloads++
		}
	}

	switch w.Type {
	case KindOffer:
		if w.Offer == nil || payloads != 1 {
			return nil, fmt.Errorf("%w: offer must carry exactly one offer payload", ErrInvalidMessage)
		}
		desc, err := checkDescription(*w.Offer, webrtc.SDPTypeOffer)
		if err != nil {
			return nil, err
		}
		return Offer{Description: desc}, nil

	case KindAnswer:
		if w.Answer == nil || payloads != 1 {
			return nil, fmt.Errorf("%w: answer must carry exactly one answer payload", ErrInvalidMessage)
		}
		desc, err := checkDescription(*w.Answer, webrtc.SDPTypeAnswer)
		if err != nil {
			return nil, err
		}
		return Answer{Description: desc}, nil

	case KindCandidate:
		if w.Candidate == nil || payloads != 1 {
			return nil, fmt.Errorf("%w: candidate must carry exactly one candidate payload", ErrInvalidMessage)
		}
		return Candidate{Candidate: *w.Candidate}, nil

	case "":
		if payloads == 0 && w.Message != "" {
			return Welcome{Text: w.Message}, nil
		}
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, w.Type)
	}
}

// checkDescription fills in a missing SDP type and rejects a mismatched one.
func checkDescription(desc webrtc.SessionDescription, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	if desc.Type == webrtc.SDPTypeUnknown {
		desc.Type = want
	}
	if desc.Type != want {
		return desc, fmt.Errorf("%w: %s payload has sdp type %s", ErrInvalidMessage, want, desc.Type)
	}
	return desc, nil
}
