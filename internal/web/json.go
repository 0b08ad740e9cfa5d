package web

import (
	"time"

	"github.com/sweeney/mediminder/internal/logic"
	"github.com/sweeney/mediminder/internal/status"
)

// EventJSON is the JSON representation of a logged or streamed event.
type EventJSON struct {
	Timestamp string       `json:"timestamp"`
	Label     string       `json:"label"`
	Manual    bool         `json:"manual,omitempty"`
	Accuracy  AccuracyJSON `json:"accuracy"`
}

// AccuracyJSON carries the per-class confidence scores.
type AccuracyJSON struct {
	IntakeMedicine float64 `json:"intake_medicine"`
	Motionless     float64 `json:"motionless"`
	PutAway        float64 `json:"put_away"`
	Slide          float64 `json:"slide"`
}

type windowsResponse struct {
	At      string            `json:"at"`
	Overdue bool              `json:"overdue"`
	Windows []status.DoseJSON `json:"windows"`
}

type logResponse struct {
	Count int         `json:"count"`
	Log   []EventJSON `json:"log"`
}

type manualRequest struct {
	Label string `json:"label"`
	Time  string `json:"time"`
}

type connectResponse struct {
	Connected bool `json:"connected"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func formatEvent(ev logic.Event) EventJSON {
	return EventJSON{
		Timestamp: ev.Timestamp.Format(time.RFC3339),
		Label:     string(ev.Label),
		Manual:    ev.Manual,
		Accuracy: AccuracyJSON{
			IntakeMedicine: ev.AccuracyIntakeMedicine,
			Motionless:     ev.AccuracyMotionless,
			PutAway:        ev.AccuracyPutAway,
			Slide:          ev.AccuracySlide,
		},
	}
}

func formatEvents(evs []logic.Event) []EventJSON {
	out := make([]EventJSON, 0, len(evs))
	for _, ev := range evs {
		out = append(out, formatEvent(ev))
	}
	return out
}
