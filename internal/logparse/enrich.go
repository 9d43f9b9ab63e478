package logparse

import (
	"regexp"

	"github.com/tinytelemetry/mailpulse/internal/model"
)

var (
	routingRegex   = regexp.MustCompile(`\bR=(\S+)`)
	transportRegex = regexp.MustCompile(`\bT=([^"\s:][^\s:]*)`)
	hostRegex      = regexp.MustCompile(`\bH=(?:([^\s\[]+)\s+(?:\([^)]*\)\s+)?)?\[([^\]]+)\](?::(\d+))?`)
	securityRegex  = regexp.MustCompile(`\bX=(\S+)`)
	sizeRegex      = regexp.MustCompile(`\bS=(\d+)\b`)
	replyRegex     = regexp.MustCompile(`\bC="([^"]*)"`)
)

// Enrich extracts the key=value tokens an MTA log line may carry. Each
// sub-pattern is independent; all that match are merged.
func Enrich(line string) map[string]string {
	meta := map[string]string{}

	if m := routingRegex.FindStringSubmatch(line); m != nil {
		meta[model.MetaRouter] = m[1]
	}
	if m := transportRegex.FindStringSubmatch(line); m != nil {
		meta[model.MetaTransport] = m[1]
	}
	if m := hostRegex.FindStringSubmatch(line); m != nil {
		setIfPresent(meta, model.MetaHost, m[1])
		setIfPresent(meta, model.MetaIP, m[2])
		setIfPresent(meta, model.MetaPort, m[3])
	}
	if m := securityRegex.FindStringSubmatch(line); m != nil {
		meta[model.MetaTLS] = m[1]
	}
	if m := sizeRegex.FindStringSubmatch(line); m != nil {
		meta[model.MetaSize] = m[1]
	}
	if m := replyRegex.FindStringSubmatch(line); m != nil {
		setIfPresent(meta, model.MetaReply, m[1])
	}
	return meta
}

func setIfPresent(meta map[string]string, key, value string) {
	if value != "" {
		meta[key] = value
	}
}
