package domain

import "errors"

// ErrorKind sentinels implement the closed taxonomy from §7. They are
// compared with errors.Is; adapters wrap them with fmt.Errorf("%w: ...")
// to attach context, following the teacher's risk.Violation pattern of
// typed, comparable domain errors.
var (
	// ErrTokenExpired / ErrTokenInvalid are recoverable via the token
	// cache's refresh path (C1).
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
	// ErrRequiresReauth escalates to the user; the refresh endpoint
	// returned invalid_grant. The token cache reports it through its
	// ReauthNotifier and does not clear the cached token.
	ErrRequiresReauth = errors.New("account requires reauthorization")

	// ErrBrokerRejected: the broker explicitly rejected an order. Never
	// retried; always surfaces as trade_executed{status=rejected}.
	ErrBrokerRejected = errors.New("broker rejected order")
	// ErrBrokerTimeout: the call may or may not have reached the broker.
	// Treated as a rejection per §4.7, never retried at this boundary.
	ErrBrokerTimeout = errors.New("broker call timed out")
	// ErrTransportUnreachable is only retried inside the adapter, and
	// only when provably pre-submit (DNS, connection refused).
	ErrTransportUnreachable = errors.New("transport unreachable")

	// ErrFilterRejected: signal passed the webhook edge but was dropped
	// by the filter pipeline (C5). Never surfaces as an HTTP error.
	ErrFilterRejected = errors.New("signal rejected by filter")

	// ErrInvariantViolation marks an internal logic bug. Logged at
	// fatal, the signal is dropped, the service continues.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrStaleSignal: the dedup window was hit. Returned to the caller
	// as a successful idempotency result, never an error response.
	ErrStaleSignal = errors.New("stale signal: deduplicated")

	// ErrUnknownToken: webhook token did not resolve to any recorder.
	ErrUnknownToken = errors.New("unknown webhook token")
	// ErrMalformedSignal: the webhook body failed JSON/validator parsing.
	ErrMalformedSignal = errors.New("malformed signal payload")
)

// FilterRejection carries the structured reason a filter stage produced
// (§4.3): "disabled", "direction", "time_window", "cooldown",
// "max_signals_session", "max_daily_loss", "nth_signal_delay". It implements error so pipeline
// stages can return it directly, and wraps ErrFilterRejected so callers
// can still test with errors.Is(err, ErrFilterRejected).
type FilterRejection struct {
	Stage  string
	Reason string
}

func (f *FilterRejection) Error() string {
	return "filter rejected at " + f.Stage + ": " + f.Reason
}

func (f *FilterRejection) Unwrap() error {
	return ErrFilterRejected
}
