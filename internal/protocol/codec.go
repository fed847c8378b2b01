// Package protocol implements the HAProxy agent-check text protocol.
//
// One request per line: <backendHost> <backendPort> <ssl|no-ssl> <authorityHost>
// One response per line: up | down | maint
//
// The codec is pure: no I/O, no state, no dependency on time or network.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/UnitedTraders/haproxy-grpc-agent/internal/domain"
	"github.com/UnitedTraders/haproxy-grpc-agent/internal/errors"
)

const (
	// SSLFlagOn and SSLFlagOff are the only accepted security tokens.
	// Matching is exact: no case folding, no aliases.
	SSLFlagOn  = "ssl"
	SSLFlagOff = "no-ssl"

	// LineTerminator ends every request and response.
	LineTerminator = "\n"

	requestFieldCount = 4
)

// ParseRequest decodes one request line into a validated CheckRequest.
// The trailing terminator is trimmed and the line is split on whitespace;
// anything other than exactly four well-formed fields is a MalformedRequest.
func ParseRequest(line string) (domain.CheckRequest, error) {
	fields := strings.Fields(strings.TrimRight(line, "\r\n"))
	if len(fields) != requestFieldCount {
		return domain.CheckRequest{}, errors.NewMalformedRequestError(
			fmt.Sprintf("expected %d fields, got %d", requestFieldCount, len(fields)),
		)
	}

	host, portField, sslField, authority := fields[0], fields[1], fields[2], fields[3]

	port, err := strconv.Atoi(portField)
	if err != nil {
		return domain.CheckRequest{}, errors.NewMalformedRequestError(
			fmt.Sprintf("port %q is not an integer", portField),
		)
	}
	if port < 1 || port > 65535 {
		return domain.CheckRequest{}, errors.NewMalformedRequestError(
			fmt.Sprintf("port %d out of range [1,65535]", port),
		)
	}

	var secure bool
	switch sslField {
	case SSLFlagOn:
		secure = true
	case SSLFlagOff:
		secure = false
	default:
		return domain.CheckRequest{}, errors.NewMalformedRequestError(
			fmt.Sprintf("ssl flag %q is not %q or %q", sslField, SSLFlagOn, SSLFlagOff),
		)
	}

	req, err := domain.NewCheckRequest(host, port, secure, authority)
	if err != nil {
		return domain.CheckRequest{}, errors.NewMalformedRequestError(err.Error())
	}
	return req, nil
}

// EncodeVerdict serializes a verdict into its single response line.
// Encoding never fails; unknown verdict values render as down.
func EncodeVerdict(v domain.Verdict) string {
	return v.String() + LineTerminator
}
