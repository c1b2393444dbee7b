package logger

import (
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// maxFieldLen bounds any string value that reaches a log line.
const maxFieldLen = 512

// contentKeys carry user text and never reach a log line.
var contentKeys = map[string]bool{
	"body": true, "content": true, "text": true, "raw_text": true,
	"masked_text": true, "original_text": true, "transcript": true,
	"transcript_text": true, "segment_text": true, "note_body": true,
	"file_content": true, "file_data": true, "raw_content": true,
	"payload": true, "query": true, "query_params": true,
	"headers": true, "authorization": true, "cookie": true, "cookies": true,
}

// sourceKeys identify a person or client and never reach a log line.
var sourceKeys = map[string]bool{
	"ip": true, "ip_address": true, "client_ip": true, "remote_addr": true,
	"x-forwarded-for": true, "x-real-ip": true, "user_agent": true,
	"user-agent": true, "referer": true, "referrer": true, "origin": true,
	"url": true, "uri": true, "filename": true, "filepath": true,
	"file_path": true, "original_filename": true, "querystring": true,
	"query_string": true, "host": true, "hostname": true,
}

// Forbidden reports whether key may never be logged.
func Forbidden(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	return contentKeys[k] || sourceKeys[k]
}

// Safe converts metadata into zap fields, dropping forbidden keys and
// truncating long strings. Keys are emitted in sorted order. The names of
// dropped keys are reported in a "dropped" field so the omission is visible.
func Safe(data map[string]any) []zap.Field {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]zap.Field, 0, len(keys)+1)
	var dropped []string
	for _, k := range keys {
		if Forbidden(k) {
			dropped = append(dropped, k)
			continue
		}
		switch v := data[k].(type) {
		case string:
			fields = append(fields, zap.String(k, truncate(v)))
		case []string:
			vs := make([]string, len(v))
			for i, s := range v {
				vs[i] = truncate(s)
			}
			fields = append(fields, zap.Strings(k, vs))
		default:
			fields = append(fields, zap.Any(k, v))
		}
	}
	if len(dropped) > 0 {
		fields = append(fields, zap.Strings("dropped", dropped))
	}
	return fields
}

func truncate(s string) string {
	if len(s) <= maxFieldLen {
		return s
	}
	cut := maxFieldLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
