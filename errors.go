/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// Per-action failures stay local to the player that caused them and are
// surfaced at most to that player's own connection.
var (
	errCapacityExceeded   = errors.New("player capacity exceeded")
	errRateLimited        = errors.New("rate limited")
	errUnknownTarget      = errors.New("unknown target")
	errInsufficientCharge = errors.New("insufficient charge")
	errOverloaded         = errors.New("server overloaded")
	errCorruptSnapshot    = errors.New("corrupt snapshot")
)

// reason maps a sentinel to the wire-level reason string sent back to
// the offending client.
func reason(err error) string {
	switch {
	case errors.Is(err, errCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, errRateLimited):
		return "rate_limited"
	case errors.Is(err, errUnknownTarget):
		return "unknown_target"
	case errors.Is(err, errInsufficientCharge):
		return "insufficient_charge"
	case errors.Is(err, errOverloaded):
		return "overloaded"
	default:
		return "rejected"
	}
}

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(`<style>`)
	htmlBody.WriteString(`html,body,a{display:block;height:100%;width:100%;text-decoration:none;color:inherit;cursor:auto;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body>%s</body></html>", body))

	return htmlBody.String()
}
