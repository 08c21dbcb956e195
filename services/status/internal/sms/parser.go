// Package sms handles inbound text messages: parsing the tiny check-in
// grammar and adapting vendor webhook payloads to it.
package sms

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"safecircle/pkg/domain"
)

// ErrUnparseable is returned when a message body does not match the
// check-in grammar.
var ErrUnparseable = errors.New("message does not match check-in grammar")

// Message is a parsed inbound check-in text.
//
// Grammar, case-insensitive:
//
//	SAFE <PIN>
//	HELP <PIN>
//	SAFE <PIN> <LAT>,<LNG>
//
// where PIN is 4-8 digits and LAT/LNG are decimal degrees.
type Message struct {
	Kind     domain.StatusKind
	PIN      string
	Location *domain.Location
}

var (
	pinPattern = regexp.MustCompile(`^\d{4,8}$`)
	// "34.05,-118.24" with optional spaces around the comma.
	coordPattern = regexp.MustCompile(`^(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)$`)
)

// Parse interprets a raw SMS body.
func Parse(body string) (Message, error) {
	fields := strings.Fields(strings.TrimSpace(body))
	if len(fields) < 2 {
		return Message{}, ErrUnparseable
	}

	var kind domain.StatusKind
	switch strings.ToUpper(fields[0]) {
	case "SAFE", "OK":
		kind = domain.StatusSafe
	case "HELP", "SOS":
		kind = domain.StatusHelp
	default:
		return Message{}, ErrUnparseable
	}

	pin := fields[1]
	if !pinPattern.MatchString(pin) {
		return Message{}, ErrUnparseable
	}

	msg := Message{Kind: kind, PIN: pin}
	if len(fields) > 2 {
		// The coordinate pair may arrive split across spaces; rejoin the tail.
		loc, err := parseCoords(strings.Join(fields[2:], ""))
		if err != nil {
			return Message{}, ErrUnparseable
		}
		msg.Location = loc
	}
	return msg, nil
}

func parseCoords(s string) (*domain.Location, error) {
	m := coordPattern.FindStringSubmatch(s)
	if m == nil {
		return nil, ErrUnparseable
	}
	lat, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil, ErrUnparseable
	}
	lng, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return nil, ErrUnparseable
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return nil, ErrUnparseable
	}
	return &domain.Location{Lat: lat, Lng: lng}, nil
}
