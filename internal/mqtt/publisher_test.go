package mqtt

import (
	"testing"

	"github.com/darcyhq/stella/internal/config"
	"github.com/darcyhq/stella/internal/events"
)

func TestTopics(t *testing.T) {
	p := New(config.MQTTConfig{Topic: "stella"}, events.New(), nil)

	if got := p.availabilityTopic(); got != "stella/availability" {
		t.Errorf("unexpected availability topic: %q", got)
	}

	e := events.Event{Source: events.SourceCheckup, Kind: events.KindCheckupState}
	if got := p.eventTopic(e); got != "stella/events/checkup/checkup_state" {
		t.Errorf("unexpected event topic: %q", got)
	}
}
