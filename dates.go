package cloudsig

import (
	"errors"
	"net/http"
	"time"
)

// DateCodec renders the signing time in the format a provider expects in
// its date header or timestamp parameter.
type DateCodec interface {
	Format(t time.Time) string
}

// LayoutCodec formats the UTC time with a time package layout.
type LayoutCodec string

func (l LayoutCodec) Format(t time.Time) string {
	return t.UTC().Format(string(l))
}

const (
	RFC1123        LayoutCodec = http.TimeFormat
	ISO8601Basic   LayoutCodec = "20060102T150405Z"
	ISO8601Seconds LayoutCodec = "2006-01-02T15:04:05Z"
	ISO8601Millis  LayoutCodec = "2006-01-02T15:04:05.000Z"

	shortDateFormat = "20060102"
)

var httpTimeFormats = []string{
	http.TimeFormat,
	time.RFC1123Z,
	time.RFC1123,
	time.RFC850,
	time.ANSIC,
	string(ISO8601Basic),
}

func parseTimeWithFormats(s string, formats []string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty time")
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New("unrecognized time format")
}
