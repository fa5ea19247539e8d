// Package codec converts between the signaling wire documents and the
// transport records handed to the media engine.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/dkeye/groupcall/internal/domain"
)

var (
	ErrMalformedDocument = errors.New("malformed signaling document")
	ErrNotAnObject       = errors.New("signaling document is not an object")
)

type joinFingerprint struct {
	Hash        string `json:"hash"`
	Setup       string `json:"setup"`
	Fingerprint string `json:"fingerprint"`
}

type joinPayload struct {
	Ufrag        string            `json:"ufrag"`
	Pwd          string            `json:"pwd"`
	Fingerprints []joinFingerprint `json:"fingerprints"`
	Ssrc         uint32            `json:"ssrc"`
}

// EncodeJoinPayload renders the local offer into the document carried by a join request.
func EncodeJoinPayload(offer domain.TransportOffer) ([]byte, error) {
	p := joinPayload{
		Ufrag:        offer.Ufrag,
		Pwd:          offer.Pwd,
		Fingerprints: make([]joinFingerprint, 0, len(offer.Fingerprints)),
		Ssrc:         uint32(offer.Source),
	}
	for _, f := range offer.Fingerprints {
		p.Fingerprints = append(p.Fingerprints, joinFingerprint(f))
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode join payload: %w", err)
	}
	return b, nil
}

// DecodeResponsePayload extracts the remote transport description from call params.
// A missing transport object or candidates array is not an error.
func DecodeResponsePayload(doc []byte) (domain.TransportAnswer, error) {
	if !json.Valid(doc) {
		return domain.TransportAnswer{}, ErrMalformedDocument
	}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var top any
	if err := dec.Decode(&top); err != nil {
		return domain.TransportAnswer{}, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	root, ok := top.(map[string]any)
	if !ok {
		return domain.TransportAnswer{}, ErrNotAnObject
	}

	transport := object(root["transport"])
	answer := domain.TransportAnswer{
		Ufrag:        text(transport, "ufrag"),
		Pwd:          text(transport, "pwd"),
		Fingerprints: []domain.Fingerprint{},
		Candidates:   []domain.Candidate{},
	}
	for _, item := range array(transport["fingerprints"]) {
		o := object(item)
		answer.Fingerprints = append(answer.Fingerprints, domain.Fingerprint{
			Hash:        text(o, "hash"),
			Setup:       text(o, "setup"),
			Fingerprint: text(o, "fingerprint"),
		})
	}
	for _, item := range array(transport["candidates"]) {
		o := object(item)
		answer.Candidates = append(answer.Candidates, domain.Candidate{
			Port:       text(o, "port"),
			Protocol:   text(o, "protocol"),
			Network:    text(o, "network"),
			Generation: text(o, "generation"),
			ID:         text(o, "id"),
			Component:  text(o, "component"),
			Foundation: text(o, "foundation"),
			Priority:   text(o, "priority"),
			IP:         text(o, "ip"),
			Type:       text(o, "type"),
			TCPType:    text(o, "tcpType"),
			RelAddr:    text(o, "relAddr"),
			RelPort:    text(o, "relPort"),
		})
	}
	return answer, nil
}

func object(v any) map[string]any {
	if o, ok := v.(map[string]any); ok {
		return o
	}
	return nil
}

func array(v any) []any {
	if a, ok := v.([]any); ok {
		return a
	}
	return nil
}

// text reads a scalar as a string; objects, arrays, null and missing keys read as "".
func text(o map[string]any, key string) string {
	switch v := o[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}
