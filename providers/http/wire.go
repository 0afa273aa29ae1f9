package http

import (
	"encoding/json"
	"time"

	"github.com/alecthomas/errors"

	"github.com/alecthomas/landlord"
	"github.com/alecthomas/landlord/providers/leases"
)

// Duration is a lease duration encoded as a Go duration string, or one of "any" and "forever".
type Duration time.Duration

func (d Duration) String() string {
	switch time.Duration(d) {
	case leases.Any:
		return "any"
	case leases.Forever:
		return "forever"
	default:
		return time.Duration(d).String()
	}
}

func (d Duration) MarshalJSON() ([]byte, error) { return errors.WithStack2(json.Marshal(d.String())) }

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Errorf("duration must be a string: %w", err)
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return errors.WithStack(err)
	}
	*d = Duration(parsed)
	return nil
}

// ParseDuration parses a Go duration string, or one of "any" and "forever".
func ParseDuration(s string) (time.Duration, error) {
	switch s {
	case "", "any":
		return leases.Any, nil
	case "forever":
		return leases.Forever, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

type GrantRequest struct {
	Cookie   leases.Cookie `json:"cookie"`
	Duration Duration      `json:"duration"`
	// Payload is stored with the resource and never interpreted by the lessor.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// GrantResponse is the lease issued for a [GrantRequest].
type GrantResponse struct {
	leases.Lease
}

func (GrantResponse) StatusCode() int { return 201 }

type RenewRequest struct {
	Duration Duration `json:"duration"`
}

type RenewResponse struct {
	Cookie  leases.Cookie `json:"cookie"`
	Granted Duration      `json:"granted"`
}

type RenewAllRequest struct {
	Cookies   []leases.Cookie `json:"cookies"`
	Durations []Duration      `json:"durations"`
}

// OutcomeResponse is the result of renewing a single cookie. Error is present only on failure.
type OutcomeResponse struct {
	Cookie  leases.Cookie           `json:"cookie"`
	Granted Duration                `json:"granted"`
	Error   *landlord.ErrorResponse `json:"error,omitempty"`
}

type RenewAllResponse struct {
	Outcomes []OutcomeResponse `json:"outcomes"`
}

type CancelAllRequest struct {
	Cookies []leases.Cookie `json:"cookies"`
}

// CancelAllResponse contains only the cookies that could not be cancelled.
type CancelAllResponse struct {
	Failed map[leases.Cookie]landlord.ErrorResponse `json:"failed"`
}

type HistoryQuery struct {
	Limit int `qstring:"limit"`
}

type HistoryResponse struct {
	Events []leases.Event `json:"events"`
}
