// Package msl implements the Message Security Layer channel: the key
// handshake, master-token and user-ID-token lifecycle, the AES-CBC +
// HMAC-SHA256 envelope, the chunked request framing and the manifest,
// license and event endpoints built on top of it.
package msl

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// MasterToken is the MSL credential issued by the key handshake. Raw
// is echoed verbatim in request headers; the decoded fields drive the
// local lifecycle decisions.
type MasterToken struct {
	// Raw is the token object exactly as the server issued it.
	Raw json.RawMessage `json:"raw"`
	// BoundESN is the ESN the token was requested under. A token is
	// unusable under any other ESN.
	BoundESN string `json:"bound_esn"`

	RenewalWindow  int64 `json:"renewal_window"`
	Expiration     int64 `json:"expiration"`
	SequenceNumber int64 `json:"sequence_number"`
	SerialNumber   int64 `json:"serial_number"`
}

// tokenData mirrors the tokendata object inside the wire token.
type tokenData struct {
	RenewalWindow  int64 `json:"renewalwindow"`
	Expiration     int64 `json:"expiration"`
	SequenceNumber int64 `json:"sequencenumber"`
	SerialNumber   int64 `json:"serialnumber"`
}

// ParseMasterToken decodes the lifecycle fields out of a wire master
// token and binds it to esn.
func ParseMasterToken(raw json.RawMessage, esn string) (*MasterToken, error) {
	var wire struct {
		TokenData string `json:"tokendata"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode master token: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(wire.TokenData)
	if err != nil {
		return nil, fmt.Errorf("decode tokendata: %w", err)
	}
	var td tokenData
	if err := json.Unmarshal(data, &td); err != nil {
		return nil, fmt.Errorf("parse tokendata: %w", err)
	}
	return &MasterToken{
		Raw:            raw,
		BoundESN:       esn,
		RenewalWindow:  td.RenewalWindow,
		Expiration:     td.Expiration,
		SequenceNumber: td.SequenceNumber,
		SerialNumber:   td.SerialNumber,
	}, nil
}

// Valid reports whether the token is unexpired and bound to esn.
func (t *MasterToken) Valid(esn string, now time.Time) bool {
	if t == nil || t.BoundESN != esn {
		return false
	}
	return now.Unix() < t.Expiration
}

// Renewable reports whether now falls inside the renewal window; the
// next request should then carry a renewal hint.
func (t *MasterToken) Renewable(now time.Time) bool {
	if t == nil {
		return false
	}
	return now.Unix() >= t.RenewalWindow && now.Unix() < t.Expiration
}

// UserIDToken binds the master token to one profile GUID. Immutable
// once issued; replaced only together with the master token.
type UserIDToken struct {
	// Raw is the token object exactly as the server issued it.
	Raw json.RawMessage `json:"raw"`
	// MasterTokenSerial is the serial number of the master token the
	// UIT references. A UIT whose master token is gone is garbage.
	MasterTokenSerial int64 `json:"master_token_serial"`
}
