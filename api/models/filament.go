// api/models/filament.go
package models

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Known spool statuses. Status is free text, these are the values the app offers.
const (
	StatusClosed    = "closed"
	StatusOpened    = "opened"
	StatusInPrinter = "in printer"
)

// FilamentSpool represents one physical spool owned by a user
type FilamentSpool struct {
	ID             string `json:"id"`
	Type           string `json:"type"` // PLA, PETG, ABS, TPU, ...
	Brand          string `json:"brand"`
	Weight         int    `json:"weight"` // remaining grams
	Status         string `json:"status"`
	Color          Color  `json:"color"`
	ExpirationDate Date   `json:"expiration_date"`
	ActiveNFC      bool   `json:"active_nfc"`
	Note           string `json:"note"`
}

// Validate checks the invariants of a spool before it is written
func (f *FilamentSpool) Validate() error {
	if f.Weight < 0 {
		return errors.Wrapf(ErrInvalidWeight, "weight %d is negative", f.Weight)
	}
	return nil
}

// Normalize fills defaults for optional fields
func (f *FilamentSpool) Normalize() {
	f.Type = strings.TrimSpace(f.Type)
	f.Brand = strings.TrimSpace(f.Brand)
	f.Status = strings.TrimSpace(f.Status)
	if f.Status == "" {
		f.Status = StatusClosed
	}
}

// Entry serializes the spool into the value stored in the user's filament array.
func (f FilamentSpool) Entry() (map[string]interface{}, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	var entry map[string]interface{}
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// ParseFilamentEntry decodes one element of a user's filament array.
func ParseFilamentEntry(raw interface{}) (FilamentSpool, error) {
	var spool FilamentSpool
	fields, ok := raw.(map[string]interface{})
	if !ok {
		return spool, ParseFailure("parse filament", fmt.Errorf("unexpected entry type %T", raw))
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return spool, ParseFailure("parse filament", err)
	}
	if err := json.Unmarshal(data, &spool); err != nil {
		return spool, ParseFailure("parse filament", err)
	}
	if spool.ID == "" {
		return spool, ParseFailure("parse filament", errors.New("missing id"))
	}
	return spool, nil
}

// EntryID returns the id of a raw filament array element, or "" if it has none.
func EntryID(raw interface{}) string {
	fields, ok := raw.(map[string]interface{})
	if !ok {
		return ""
	}
	id, _ := fields["id"].(string)
	return id
}

// Color is an RGBA color, serialized as 8 hex digits in AARRGGBB order
type Color struct {
	R, G, B, A uint8
}

// ParseColor parses an AARRGGBB hex string, with or without a leading '#'
func ParseColor(s string) (Color, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 8 {
		return Color{}, fmt.Errorf("color %q must have 8 hex digits", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Color{}, fmt.Errorf("color %q: %v", s, err)
	}
	return Color{A: b[0], R: b[1], G: b[2], B: b[3]}, nil
}

// String returns the AARRGGBB form
func (c Color) String() string {
	return strings.ToUpper(hex.EncodeToString([]byte{c.A, c.R, c.G, c.B}))
}

// MarshalText implements encoding.TextMarshaler
func (c Color) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (c *Color) UnmarshalText(text []byte) error {
	parsed, err := ParseColor(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

const dateLayout = "2006-01-02"

// Date is a calendar date without time of day
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseDate parses an ISO YYYY-MM-DD date
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, err
	}
	return DateOf(t), nil
}

// DateOf returns the calendar date of t in t's location
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// IsZero reports whether the date is unset
func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// Time returns midnight UTC of the date
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Time().Format(dateLayout)
}

// MarshalText implements encoding.TextMarshaler
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty string is the zero date.
func (d *Date) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
