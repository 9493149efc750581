package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// domainEvent prefixes event hashes. The version suffix allows a future
// algorithm change without colliding with existing ids.
const domainEvent = "vrcx/event/v1"

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventID computes the content-addressed id of an event.
//
// The id covers what happened (type, time, place, subject, data), not when
// it was processed: SessionID and Seq are excluded so replaying the same
// log yields the same ids.
func EventID(ev Event) (string, error) {
	data, err := marshalData(ev.Data)
	if err != nil {
		return "", fmt.Errorf("EventID: %w", err)
	}
	obj := map[string]string{
		"type":         ev.Type,
		"created_at":   formatTime(ev.CreatedAt),
		"location":     ev.Location,
		"display_name": norm.NFC.String(ev.DisplayName),
		"user_id":      ev.UserID,
		"data":         data,
	}
	canonical, err := marshalJSON(obj)
	if err != nil {
		return "", fmt.Errorf("EventID: %w", err)
	}
	return hashWithDomain(domainEvent, canonical), nil
}

// marshalData converts event data to deterministic JSON TEXT.
// Go's json.Marshal sorts map keys, and HTML escaping is disabled so URLs
// survive byte-for-byte.
func marshalData(data map[string]any) (string, error) {
	if len(data) == 0 {
		return "{}", nil
	}
	b, err := marshalJSON(data)
	if err != nil {
		return "", fmt.Errorf("marshal data: %w", err)
	}
	return string(b), nil
}

func unmarshalData(text string) (map[string]any, error) {
	if text == "" || text == "{}" {
		return nil, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, fmt.Errorf("unmarshal data: %w", err)
	}
	return data, nil
}

func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return []byte(strings.TrimSuffix(buf.String(), "\n")), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
