// Package cursor implements the stateless continuation token handed to
// clients of paged archive listings.
//
// A token is the base64url (unpadded) encoding of a small CBOR map holding
// the sort position of the last record delivered: its time, its sequence
// number and, for merged listings, the tag of the table it came from.
// Decoding never touches storage.
package cursor

import (
	"encoding/base64"
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/vjranagit/tmarchive/pkg/errs"
	"github.com/vjranagit/tmarchive/pkg/types"
)

// Token identifies the last record already delivered to a client.
type Token struct {
	Time   time.Time
	Seq    uint64
	Source string
}

// FromRecord builds a token from r. The source tag is kept only when
// tagged is set, i.e. for listings that merge several tables.
func FromRecord(r types.Record, tagged bool) Token {
	t := Token{Time: r.Time, Seq: r.Seq}
	if tagged {
		t.Source = r.Source
	}
	return t
}

// Key returns the sort position held by the token
func (t Token) Key() types.Key {
	return types.Key{Time: t.Time, Seq: t.Seq}
}

// Equal reports whether two tokens denote the same position
func (t Token) Equal(o Token) bool {
	return t.Time.Equal(o.Time) && t.Seq == o.Seq && t.Source == o.Source
}

// wireToken is the encoded form. Pointer fields detect missing members;
// unknown members are ignored so newer servers can add fields.
// The time is split into seconds and nanoseconds so every time.Time
// round-trips, not only those whose UnixNano fits an int64.
type wireToken struct {
	Sec    *int64  `cbor:"1,keyasint"`
	Seq    *uint64 `cbor:"2,keyasint"`
	Source string  `cbor:"3,keyasint,omitempty"`
	Nsec   uint32  `cbor:"4,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cursor: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 16,
	}.DecMode()
	if err != nil {
		panic("cursor: CBOR decoder initialization failed: " + err.Error())
	}
}

var encoding = base64.RawURLEncoding

// Encode returns the opaque, URL-safe form of t
func Encode(t Token) string {
	sec := t.Time.Unix()
	seq := t.Seq
	data, err := encMode.Marshal(wireToken{
		Sec:    &sec,
		Seq:    &seq,
		Source: t.Source,
		Nsec:   uint32(t.Time.Nanosecond()),
	})
	if err != nil {
		// A struct of integers and a string always encodes.
		panic("cursor: encode: " + err.Error())
	}
	return encoding.EncodeToString(data)
}

// Decode parses a string produced by Encode. Any structural or type
// mismatch yields errs.ErrMalformedToken.
func Decode(s string) (Token, error) {
	if s == "" {
		return Token{}, errs.MalformedToken(errors.New("empty token"))
	}
	data, err := encoding.DecodeString(s)
	if err != nil {
		return Token{}, errs.MalformedToken(err)
	}

	var w wireToken
	if err := decMode.Unmarshal(data, &w); err != nil {
		return Token{}, errs.MalformedToken(err)
	}
	if w.Sec == nil || w.Seq == nil {
		return Token{}, errs.MalformedToken(errors.New("missing position"))
	}
	if w.Nsec >= uint32(time.Second) {
		return Token{}, errs.MalformedToken(errors.New("nanoseconds out of range"))
	}

	return Token{
		Time:   time.Unix(*w.Sec, int64(w.Nsec)).UTC(),
		Seq:    *w.Seq,
		Source: w.Source,
	}, nil
}
