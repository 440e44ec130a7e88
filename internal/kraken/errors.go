package kraken

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/coachpo/krakenlink/errs"
)

const (
	msgCancelOnly   = "EService:Market in cancel_only mode"
	msgInvalidNonce = "EAPI:Invalid nonce"
	msgUnknownOrder = "EOrder:Unknown order"

	nonceRemediation = "Ensure a single API key is used per connector instance and that " +
		"no other process shares it; generate a fresh key if the collision persists."
)

// gatewayStatusPattern matches the transient failure rendering used for
// HTTP 5xx and Cloudflare 10xx responses.
var gatewayStatusPattern = regexp.MustCompile(`HTTP status is (5|10)\d\d\.`)

// transientHTTPStatus reports whether the HTTP status code belongs to
// the gateway-transient class.
func transientHTTPStatus(status int) bool {
	return (status >= 500 && status < 600) || (status >= 1000 && status < 1100)
}

// transientMessage reports whether a rendered error message carries the
// gateway-transient status marker.
func transientMessage(msg string) bool {
	return gatewayStatusPattern.MatchString(msg)
}

// classifyVenueError maps a raw venue error string from the response
// envelope onto the connector error taxonomy.
func classifyVenueError(venue, path string, raw string) *errs.E {
	msg := strings.TrimSpace(raw)
	switch {
	case strings.Contains(msg, msgInvalidNonce):
		return errs.New(venue, errs.CodeAuthNonce,
			errs.WithPath(path),
			errs.WithRawMessage(msg),
			errs.WithMessage("venue rejected the request nonce"),
			errs.WithRemediation(nonceRemediation))
	case strings.Contains(msg, msgCancelOnly):
		return errs.New(venue, errs.CodeCancelOnly,
			errs.WithPath(path),
			errs.WithRawMessage(msg),
			errs.WithMessage("market is in cancel-only mode"))
	case strings.Contains(msg, msgUnknownOrder):
		return errs.New(venue, errs.CodeOrderNotFound,
			errs.WithPath(path),
			errs.WithRawMessage(msg),
			errs.WithMessage("order unknown at venue"))
	case transientMessage(msg):
		return errs.New(venue, errs.CodeGatewayTransient,
			errs.WithPath(path),
			errs.WithRawMessage(msg),
			errs.WithMessage("venue gateway failure"))
	default:
		return errs.New(venue, errs.CodeExchange,
			errs.WithPath(path),
			errs.WithRawMessage(msg),
			errs.WithMessage("venue reported an application error"))
	}
}

// classifyHTTPStatus maps a non-2xx HTTP response onto the taxonomy
// before the body envelope is consulted.
func classifyHTTPStatus(venue, path string, status int, body string) *errs.E {
	if transientHTTPStatus(status) {
		return errs.New(venue, errs.CodeGatewayTransient,
			errs.WithHTTP(status),
			errs.WithPath(path),
			errs.WithRawMessage(body),
			errs.WithMessage("venue gateway failure. HTTP status is "+strconv.Itoa(status)+"."))
	}
	return errs.New(venue, errs.CodeExchange,
		errs.WithHTTP(status),
		errs.WithPath(path),
		errs.WithRawMessage(body),
		errs.WithMessage("unexpected HTTP status "+strconv.Itoa(status)))
}
