package transfer

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// EventID names a step in the life of a session.
type EventID int

const (
	EventError EventID = iota
	EventOnConnected
	EventHeadersSent
	EventOnHeader
	EventOnData
	EventOnFinish
	EventDisconnected
)

func (id EventID) String() string {
	switch id {
	case EventError:
		return "HTTP_EVENT_ERROR"
	case EventOnConnected:
		return "HTTP_EVENT_ON_CONNECTED"
	case EventHeadersSent:
		return "HTTP_EVENT_HEADERS_SENT"
	case EventOnHeader:
		return "HTTP_EVENT_ON_HEADER"
	case EventOnData:
		return "HTTP_EVENT_ON_DATA"
	case EventOnFinish:
		return "HTTP_EVENT_ON_FINISH"
	case EventDisconnected:
		return "HTTP_EVENT_DISCONNECTED"
	default:
		return fmt.Sprintf("HTTP_EVENT(%d)", int(id))
	}
}

// Event is passed to the handler. Only the fields relevant to ID are set.
type Event struct {
	ID     EventID
	Header string
	Value  string
	Len    int
	Err    error
}

// EventHandler observes a session. It cannot influence it.
type EventHandler interface {
	HandleEvent(ev Event)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ev Event)

func (f EventHandlerFunc) HandleEvent(ev Event) { f(ev) }

// LogHandler writes session events to a logger.
type LogHandler struct {
	Log *logrus.Entry
}

func (h LogHandler) HandleEvent(ev Event) {
	switch ev.ID {
	case EventError:
		h.Log.WithError(ev.Err).Error(EventError.String())
	case EventOnConnected:
		h.Log.Debug(EventOnConnected.String())
	case EventDisconnected:
		h.Log.Debug(EventDisconnected.String())
	default:
		h.Log.Debugf("Unhandled HTTP event (%d)", int(ev.ID))
	}
}
