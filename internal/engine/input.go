package engine

import (
	"time"

	"github.com/fallen-shinigami/VRCX-sub000/internal/effect"
	"github.com/fallen-shinigami/VRCX-sub000/internal/feed"
	"github.com/fallen-shinigami/VRCX-sub000/internal/gamelog"
	"github.com/fallen-shinigami/VRCX-sub000/internal/identity"
	"github.com/fallen-shinigami/VRCX-sub000/internal/lobby"
)

// Input is a sealed union of everything the loop reacts to.
type Input interface {
	kind() inputKind
}

type inputKind int

const (
	kindLogRecord inputKind = iota + 1
	kindProtocolFrame
	kindFeedAdvance
	kindPresencePing
	kindSourceEntry
	kindPresenceTick
	kindVideoTick
	kindUserResolved
	kindWorldResolved
)

// LogRecord carries one structured session-log record.
type LogRecord struct {
	Record gamelog.Record
}

// ProtocolFrame carries one relayed protocol frame.
type ProtocolFrame struct {
	Frame lobby.Frame
}

// FeedAdvance asks for an aggregation pass. Force bypasses the
// watermarks, e.g. after login.
type FeedAdvance struct {
	Force bool
}

// PresencePing is a raw presence signal from the status source, used for
// joining prediction.
type PresencePing struct {
	Ping feed.Ping
}

// SourceEntry appends an entry produced by an external source (status,
// notification, friend log).
type SourceEntry struct {
	Source feed.Source
	Entry  feed.Entry
}

type presenceTick struct {
	gen uint64
}

type videoTick struct {
	gen uint64
}

type userResolved struct {
	gen  uint64
	req  effect.ResolveUser
	user identity.User
	err  error
}

type worldResolved struct {
	gen   uint64
	req   effect.ResolveWorld
	world identity.World
	err   error
}

func (LogRecord) kind() inputKind     { return kindLogRecord }
func (ProtocolFrame) kind() inputKind { return kindProtocolFrame }
func (FeedAdvance) kind() inputKind   { return kindFeedAdvance }
func (PresencePing) kind() inputKind  { return kindPresencePing }
func (SourceEntry) kind() inputKind   { return kindSourceEntry }
func (presenceTick) kind() inputKind  { return kindPresenceTick }
func (videoTick) kind() inputKind     { return kindVideoTick }
func (userResolved) kind() inputKind  { return kindUserResolved }
func (worldResolved) kind() inputKind { return kindWorldResolved }

// InputTime returns the wall time an external input describes, or the
// zero time when it carries none.
func InputTime(in Input) time.Time {
	switch v := in.(type) {
	case LogRecord:
		if rec := gamelog.ByValue(v.Record); rec != nil {
			return rec.Time()
		}
	case ProtocolFrame:
		return v.Frame.At
	case PresencePing:
		return v.Ping.At
	case SourceEntry:
		return v.Entry.CreatedAt
	}
	return time.Time{}
}
