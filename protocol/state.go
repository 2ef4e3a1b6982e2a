package protocol

import "strconv"

// State is the position of an Exchange in its request/response cycle.
type State uint8

const (
	StateBuildingRequestLine State = iota
	StateWritingHeaders
	StateWritingBody
	StateFinalizingHeaders
	StateSendingRequest
	StateFlushing
	StateReadingStatusLine
	StateReadingHeaders
	StateDecodingLengthPrefix
	StateReadingBody
	StateDone
	StateError
)

var stateNames = [...]string{
	StateBuildingRequestLine:  "BuildingRequestLine",
	StateWritingHeaders:       "WritingHeaders",
	StateWritingBody:          "WritingBody",
	StateFinalizingHeaders:    "FinalizingHeaders",
	StateSendingRequest:       "SendingRequest",
	StateFlushing:             "Flushing",
	StateReadingStatusLine:    "ReadingStatusLine",
	StateReadingHeaders:       "ReadingHeaders",
	StateDecodingLengthPrefix: "DecodingLengthPrefix",
	StateReadingBody:          "ReadingBody",
	StateDone:                 "Done",
	StateError:                "Error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// readsInput reports whether the stream is read from in this state.
func (s State) readsInput() bool {
	switch s {
	case StateReadingStatusLine, StateReadingHeaders, StateDecodingLengthPrefix, StateReadingBody:
		return true
	}
	return false
}

// Terminal reports whether no further progress is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}
