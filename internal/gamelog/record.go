package gamelog

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed marks a record that failed its grammar. Callers log and drop
// it; it is never fatal.
var ErrMalformed = errors.New("malformed record")

// Kind is the record tag as produced by the log tailer.
type Kind string

const (
	KindLocation            Kind = "location"
	KindLocationDestination Kind = "location-destination"
	KindPlayerJoined        Kind = "player-joined"
	KindPlayerLeft          Kind = "player-left"
	KindPortalSpawn         Kind = "portal-spawn"
	KindVideoPlay           Kind = "video-play"
	KindVideoSync           Kind = "video-sync"
	KindVideoPyPyDance      Kind = "video-play-pypydance"
	KindVideoVRDancing      Kind = "video-play-vrdancing"
	KindVideoZuwaZuwa       Kind = "video-play-zuwazuwa"
	KindAPIRequest          Kind = "api-request"
	KindEvent               Kind = "event"
	KindVRCQuit             Kind = "vrc-quit"
	KindPhotonID            Kind = "photon-id"
)

// Record is a sealed union over the structured log record kinds.
type Record interface {
	Kind() Kind
	Time() time.Time
}

// Header carries the fields every record has.
type Header struct {
	At time.Time `json:"dt"`
}

func (h Header) Time() time.Time { return h.At }

type Location struct {
	Header
	Location  string `json:"location"`
	WorldName string `json:"worldName"`
}

type LocationDestination struct {
	Header
	Location string `json:"location"`
}

type PlayerJoined struct {
	Header
	DisplayName string `json:"displayName"`
	UserID      string `json:"userId"`
}

type PlayerLeft struct {
	Header
	DisplayName string `json:"displayName"`
	UserID      string `json:"userId"`
}

// PortalSpawn is a portal dropped in the instance. Location is the
// destination when the tailer saw one; empty means the current instance.
type PortalSpawn struct {
	Header
	Location    string `json:"location"`
	DisplayName string `json:"displayName"`
}

// VideoPlay is a generic player request; the length is unknown.
type VideoPlay struct {
	Header
	URL         string `json:"videoUrl"`
	DisplayName string `json:"displayName"`
}

// VideoSync corrects the position of the active playback, in seconds.
type VideoSync struct {
	Header
	Offset float64 `json:"timestamp"`
}

// ProviderVideo is one of the provider-specific video records. Data is
// the provider's text payload; see ParseProviderVideo.
type ProviderVideo struct {
	Header
	Provider Kind   `json:"-"`
	Data     string `json:"data"`
}

type APIRequest struct {
	Header
	URL string `json:"url"`
}

type Event struct {
	Header
	Data string `json:"data"`
}

type VRCQuit struct {
	Header
}

// PhotonID hints that a protocol actor id belongs to a display name.
type PhotonID struct {
	Header
	DisplayName string `json:"displayName"`
	PhotonID    int    `json:"photonId"`
}

func (Location) Kind() Kind            { return KindLocation }
func (LocationDestination) Kind() Kind { return KindLocationDestination }
func (PlayerJoined) Kind() Kind        { return KindPlayerJoined }
func (PlayerLeft) Kind() Kind          { return KindPlayerLeft }
func (PortalSpawn) Kind() Kind         { return KindPortalSpawn }
func (VideoPlay) Kind() Kind           { return KindVideoPlay }
func (VideoSync) Kind() Kind           { return KindVideoSync }
func (r ProviderVideo) Kind() Kind     { return r.Provider }
func (APIRequest) Kind() Kind          { return KindAPIRequest }
func (Event) Kind() Kind               { return KindEvent }
func (VRCQuit) Kind() Kind             { return KindVRCQuit }
func (PhotonID) Kind() Kind            { return KindPhotonID }

var decoders = map[Kind]func() Record{
	KindLocation:            func() Record { return &Location{} },
	KindLocationDestination: func() Record { return &LocationDestination{} },
	KindPlayerJoined:        func() Record { return &PlayerJoined{} },
	KindPlayerLeft:          func() Record { return &PlayerLeft{} },
	KindPortalSpawn:         func() Record { return &PortalSpawn{} },
	KindVideoPlay:           func() Record { return &VideoPlay{} },
	KindVideoSync:           func() Record { return &VideoSync{} },
	KindVideoPyPyDance:      func() Record { return &ProviderVideo{Provider: KindVideoPyPyDance} },
	KindVideoVRDancing:      func() Record { return &ProviderVideo{Provider: KindVideoVRDancing} },
	KindVideoZuwaZuwa:       func() Record { return &ProviderVideo{Provider: KindVideoZuwaZuwa} },
	KindAPIRequest:          func() Record { return &APIRequest{} },
	KindEvent:               func() Record { return &Event{} },
	KindVRCQuit:             func() Record { return &VRCQuit{} },
	KindPhotonID:            func() Record { return &PhotonID{} },
}

// DecodeRecord decodes one JSON record from the tailer:
//
//	{"type":"player-joined","dt":"2024-03-01T20:00:00Z","displayName":"A"}
//
// Unknown kinds and missing timestamps are malformed.
func DecodeRecord(data []byte) (Record, error) {
	var env struct {
		Type Kind      `json:"type"`
		At   time.Time `json:"dt"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	newRecord, ok := decoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
	if env.At.IsZero() {
		return nil, fmt.Errorf("%w: %s without dt", ErrMalformed, env.Type)
	}
	rec := newRecord()
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return ByValue(rec), nil
}

// ByValue returns rec as a value type; handlers switch on value types
// only. A nil pointer yields nil.
func ByValue(rec Record) Record {
	switch r := rec.(type) {
	case *Location:
		return value(r)
	case *LocationDestination:
		return value(r)
	case *PlayerJoined:
		return value(r)
	case *PlayerLeft:
		return value(r)
	case *PortalSpawn:
		return value(r)
	case *VideoPlay:
		return value(r)
	case *VideoSync:
		return value(r)
	case *ProviderVideo:
		return value(r)
	case *APIRequest:
		return value(r)
	case *Event:
		return value(r)
	case *VRCQuit:
		return value(r)
	case *PhotonID:
		return value(r)
	}
	return rec
}

func value[T Record](p *T) Record {
	if p == nil {
		return nil
	}
	return *p
}
