package negotiation

import "fmt"

// State is a negotiation session's position in the offer/answer exchange.
//
//	Idle ──Initiate──► LocalOfferPending ──► LocalOfferSent ──Answer──► Connected
//	Idle ──Offer──► RemoteOfferApplied ──► LocalAnswerPending ──────► Connected
//	any ──Stop──► Closed
type State int

const (
	Idle State = iota
	LocalOfferPending
	LocalOfferSent
	RemoteOfferApplied
	LocalAnswerPending
	Connected
	Closed
)

var stateNames = [...]string{
	Idle:               "idle",
	LocalOfferPending:  "local-offer-pending",
	LocalOfferSent:     "local-offer-sent",
	RemoteOfferApplied: "remote-offer-applied",
	LocalAnswerPending: "local-answer-pending",
	Connected:          "connected",
	Closed:             "closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}
