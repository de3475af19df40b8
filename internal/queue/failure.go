package queue

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
)

// FailureClass is the coarse reason attached to a failed task so callers can
// offer sensible guidance (retry, fix credentials, free space).
type FailureClass string

const (
	FailureNetwork  FailureClass = "network"
	FailureAuth     FailureClass = "auth"
	FailureDisk     FailureClass = "disk"
	FailureParse    FailureClass = "parse"
	FailureInternal FailureClass = "internal"
	FailureUnknown  FailureClass = "unknown"
)

var authMarkers = []string{
	"status code 401", "status code 403", "status code 407",
	"401 unauthorized", "403 forbidden",
	"unauthorized", "forbidden", "access denied", "accessdenied",
	"invalid credentials", "credential", "oauth", "token is expired",
	"signature", "permission 'drive",
}

var diskMarkers = []string{
	"no space left", "disk quota", "insufficient disk space",
	"read-only file system", "permission denied", "is a directory",
	"too many open files", "file name too long",
}

var parseMarkers = []string{
	"parse", "unmarshal", "invalid syntax", "malformed",
	"unexpected end of json", "invalid character", "bad manifest",
	"invalid url",
}

var networkMarkers = []string{
	"connection refused", "connection reset", "broken pipe",
	"no such host", "dns", "timeout", "timed out", "deadline exceeded",
	"unexpected eof", "eof", "tls", "status code 5", "proxy",
	"network is unreachable", "host is down", "range requests",
}

// Classify maps an engine error to a FailureClass. Matching is deliberately
// keyword and status-code based: engines wrap transport errors in plain
// strings and exact error types rarely survive the trip.
func Classify(err error) FailureClass {
	if err == nil {
		return FailureUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return FailureNetwork
	}
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, os.ErrPermission) {
		return FailureDisk
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailureNetwork
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range authMarkers {
		if strings.Contains(msg, marker) {
			return FailureAuth
		}
	}
	for _, marker := range diskMarkers {
		if strings.Contains(msg, marker) {
			return FailureDisk
		}
	}
	for _, marker := range parseMarkers {
		if strings.Contains(msg, marker) {
			return FailureParse
		}
	}
	for _, marker := range networkMarkers {
		if strings.Contains(msg, marker) {
			return FailureNetwork
		}
	}
	return FailureUnknown
}
