package app

import "fmt"

// BusyPolicy decides what happens to ringing calls that arrive while the
// participant already has a surfaced prompt or an active negotiation.
type BusyPolicy string

const (
	// BusyHold leaves them ringing; the next one is surfaced once the current call resolves.
	BusyHold BusyPolicy = "hold"
	// BusyReject ends them at once as unanswered with reason busy.
	BusyReject BusyPolicy = "reject"
)

func ParseBusyPolicy(s string) (BusyPolicy, error) {
	switch BusyPolicy(s) {
	case "", BusyHold:
		return BusyHold, nil
	case BusyReject:
		return BusyReject, nil
	}
	return "", fmt.Errorf("unknown busy policy %q", s)
}
