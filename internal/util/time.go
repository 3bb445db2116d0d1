package util

import (
	"fmt"
	"time"

	"github.com/vjeantet/jodaTime"
)

const timeFormat = "yyyyMMdd'T'HHmmss.SSSZ"

// Timestamp is a custom time that formats to a shorter form in all JSON messages
type Timestamp time.Time

// Now returns the current time as a Timestamp
func Now() Timestamp {
	return Timestamp(time.Now())
}

// MarshalJSON is a custom JSON marshaller for the Timestamp
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	t := time.Time(ts)
	if t.IsZero() {
		return []byte("null"), nil
	}
	stamp := fmt.Sprintf("\"%s\"", jodaTime.Format(timeFormat, t))
	return []byte(stamp), nil
}

// UnmarshalJSON is a custom JSON unmarshaller for the Timestamp
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	str := string(data)
	if str == "null" || str == `""` {
		*ts = Timestamp(time.Time{})
		return nil
	}
	if len(str) < 2 {
		return fmt.Errorf("invalid timestamp %s", str)
	}
	t, err := jodaTime.Parse(timeFormat, str[1:len(str)-1])
	if err != nil {
		return fmt.Errorf("failed to parse timestamp %s: %w", str, err)
	}
	*ts = Timestamp(t)
	return nil
}

// Time returns the underlying time.Time
func (ts Timestamp) Time() time.Time {
	return time.Time(ts)
}
