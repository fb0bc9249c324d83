package mqtt

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nergy-se/ilc/pkg/state"
	"github.com/nergy-se/ilc/pkg/version"
)

type envelope struct {
	Headers map[string]string `json:"headers"`
	Message any               `json:"message"`
}

// Publisher records controller state below one topic prefix:
// <prefix>/status, <prefix>/report and <prefix>/device/<device>.
type Publisher struct {
	bus       Bus
	prefix    string
	requester string
	now       func() time.Time
}

func NewPublisher(bus Bus, prefix, requester string) *Publisher {
	return &Publisher{
		bus:       bus,
		prefix:    prefix,
		requester: requester,
		now:       time.Now,
	}
}

func (p *Publisher) headers() map[string]string {
	return map[string]string{
		"Date":        p.now().UTC().Format(http.TimeFormat),
		"version":     version.Version,
		"requesterID": p.requester,
	}
}

func (p *Publisher) Publish(topic string, headers map[string]string, payload any) error {
	b, err := json.Marshal(envelope{Headers: headers, Message: payload})
	if err != nil {
		return fmt.Errorf("error encoding message for %s: %w", topic, err)
	}
	return p.bus.Publish(topic, b, false)
}

func (p *Publisher) PublishStatus(s state.Status) error {
	return p.Publish(p.prefix+"/status", p.headers(), s)
}

func (p *Publisher) PublishReport(r state.Report) error {
	return p.Publish(p.prefix+"/report", p.headers(), r.Map())
}

func (p *Publisher) PublishDevice(d state.Device) error {
	return p.Publish(fmt.Sprintf("%s/device/%s", p.prefix, d.Key), p.headers(), d)
}

var _ state.Publisher = &Publisher{}
