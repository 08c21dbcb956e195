package sms

import (
	"errors"
	"net/http"
	"strings"
)

// Inbound is a vendor-neutral view of one received SMS.
type Inbound struct {
	From      string
	Body      string
	MessageID string
}

// VendorAdapter translates a vendor's webhook request into an Inbound
// message and writes the acknowledgement shape that vendor expects.
type VendorAdapter interface {
	// Name is the path segment the webhook is mounted under.
	Name() string
	// Decode pulls the message out of the vendor's request format.
	Decode(r *http.Request) (Inbound, error)
	// WriteAck responds in the vendor's expected acknowledgement format.
	WriteAck(w http.ResponseWriter)
}

// ErrBadPayload is returned when a webhook request is missing the fields
// the vendor contract promises.
var ErrBadPayload = errors.New("webhook payload missing required fields")

// TwilioAdapter decodes Twilio's form-encoded inbound-SMS webhook and
// replies with an empty TwiML document.
type TwilioAdapter struct{}

func (TwilioAdapter) Name() string { return "twilio" }

func (TwilioAdapter) Decode(r *http.Request) (Inbound, error) {
	if err := r.ParseForm(); err != nil {
		return Inbound{}, ErrBadPayload
	}
	in := Inbound{
		From:      strings.TrimSpace(r.PostFormValue("From")),
		Body:      r.PostFormValue("Body"),
		MessageID: strings.TrimSpace(r.PostFormValue("MessageSid")),
	}
	if in.From == "" || strings.TrimSpace(in.Body) == "" {
		return Inbound{}, ErrBadPayload
	}
	return in, nil
}

func (TwilioAdapter) WriteAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`))
}

// PlivoAdapter decodes Plivo's form-encoded inbound-SMS webhook and
// replies with an empty JSON object.
type PlivoAdapter struct{}

func (PlivoAdapter) Name() string { return "plivo" }

func (PlivoAdapter) Decode(r *http.Request) (Inbound, error) {
	if err := r.ParseForm(); err != nil {
		return Inbound{}, ErrBadPayload
	}
	in := Inbound{
		From:      strings.TrimSpace(r.PostFormValue("From")),
		Body:      r.PostFormValue("Text"),
		MessageID: strings.TrimSpace(r.PostFormValue("MessageUUID")),
	}
	if in.From == "" || strings.TrimSpace(in.Body) == "" {
		return Inbound{}, ErrBadPayload
	}
	return in, nil
}

func (PlivoAdapter) WriteAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{}`))
}

// Registry maps vendor names to adapters.
type Registry struct {
	adapters map[string]VendorAdapter
}

// NewRegistry builds a registry over the given adapters.
func NewRegistry(adapters ...VendorAdapter) *Registry {
	reg := &Registry{adapters: make(map[string]VendorAdapter, len(adapters))}
	for _, a := range adapters {
		reg.adapters[a.Name()] = a
	}
	return reg
}

// DefaultRegistry covers the supported SMS vendors.
func DefaultRegistry() *Registry {
	return NewRegistry(TwilioAdapter{}, PlivoAdapter{})
}

// Lookup returns the adapter registered under name.
func (r *Registry) Lookup(name string) (VendorAdapter, bool) {
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(name))]
	return a, ok
}
