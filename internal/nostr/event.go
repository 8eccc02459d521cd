// Package nostr provides the wire-level event model shared across the engine:
// events, subscription filters, canonical id computation, and Schnorr
// signature handling.
package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Event represents a signed Nostr event (NIP-01).
type Event struct {
	ID         string     `json:"id"`
	PubKey     string     `json:"pubkey"`
	CreatedAt  int64      `json:"created_at"`
	Kind       int        `json:"kind"`
	Tags       [][]string `json:"tags"`
	Content    string     `json:"content"`
	Sig        string     `json:"sig"`
	RelaysSeen []string   `json:"-"`
}

// Filter represents a subscription filter (NIP-01). Limit is advisory per
// relay; the aggregate result across relays may exceed it.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Limit   int
	Since   *int64
	Until   *int64
	ETags   []string // #e tag filter (event references)
	ITags   []string // #i tag filter (external identifiers, e.g. isbn)
}

// ToWire converts the filter to the JSON object sent inside a REQ message.
func (f Filter) ToWire() map[string]interface{} {
	wire := map[string]interface{}{}
	if len(f.IDs) > 0 {
		wire["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		wire["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		wire["kinds"] = f.Kinds
	}
	if f.Limit > 0 {
		wire["limit"] = f.Limit
	}
	if f.Since != nil {
		wire["since"] = *f.Since
	}
	if f.Until != nil {
		wire["until"] = *f.Until
	}
	if len(f.ETags) > 0 {
		wire["#e"] = f.ETags
	}
	if len(f.ITags) > 0 {
		wire["#i"] = f.ITags
	}
	return wire
}

// Message represents a raw Nostr protocol message.
type Message []interface{}

// ComputeEventID returns the sha256 of the canonical JSON serialization
// [0, pubkey, created_at, kind, tags, content]. HTML characters must not be
// escaped; relays hash the unescaped form.
func ComputeEventID(evt *Event) string {
	tags := evt.Tags
	if tags == nil {
		tags = [][]string{}
	}
	serialized := []interface{}{
		0,
		evt.PubKey,
		evt.CreatedAt,
		evt.Kind,
		tags,
		evt.Content,
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.Encode(serialized)

	// Encoder.Encode adds a trailing newline, remove it
	jsonBytes := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))

	hash := sha256.Sum256(jsonBytes)
	return hex.EncodeToString(hash[:])
}

// VerifySignature verifies the Schnorr signature of an event against its
// claimed id. It does not check that the id matches the serialized content;
// callers validating untrusted events must also compare against
// ComputeEventID.
func VerifySignature(evt *Event) bool {
	if len(evt.Sig) != 128 || len(evt.PubKey) != 64 {
		return false
	}

	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return false
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	return sig.Verify(idBytes, pubKey)
}

// Signer holds a private key and fills in ID, PubKey and Sig on events.
type Signer struct {
	priv   *btcec.PrivateKey
	pubHex string
}

// NewSigner parses a hex-encoded 32-byte private key.
func NewSigner(privKeyHex string) (*Signer, error) {
	keyBytes, err := hex.DecodeString(privKeyHex)
	if err != nil {
		return nil, err
	}
	priv, pub := btcec.PrivKeyFromBytes(keyBytes)
	return &Signer{
		priv:   priv,
		pubHex: hex.EncodeToString(schnorr.SerializePubKey(pub)),
	}, nil
}

// PubKey returns the x-only public key in hex.
func (s *Signer) PubKey() string {
	return s.pubHex
}

// Sign sets the event's pubkey, computes its id, and attaches a Schnorr
// signature over the id.
func (s *Signer) Sign(evt *Event) error {
	evt.PubKey = s.pubHex
	evt.ID = ComputeEventID(evt)

	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(s.priv, idBytes)
	if err != nil {
		return err
	}
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// ParseEventFromInterface converts raw websocket data to Event without a
// JSON re-encode round trip. Returns false for structurally invalid events.
// Signature verification is left to the collector so it can be policy-driven.
func ParseEventFromInterface(data interface{}) (Event, bool) {
	m, ok := data.(map[string]interface{})
	if !ok {
		return Event{}, false
	}

	evt := Event{}

	if id, ok := m["id"].(string); ok {
		evt.ID = id
	}
	if pk, ok := m["pubkey"].(string); ok {
		evt.PubKey = pk
	}
	if createdAt, ok := m["created_at"].(float64); ok {
		evt.CreatedAt = int64(createdAt)
	}
	if kind, ok := m["kind"].(float64); ok {
		evt.Kind = int(kind)
	}
	if content, ok := m["content"].(string); ok {
		evt.Content = content
	}
	if sig, ok := m["sig"].(string); ok {
		evt.Sig = sig
	}

	if tags, ok := m["tags"].([]interface{}); ok {
		evt.Tags = make([][]string, 0, len(tags))
		for _, tag := range tags {
			if tagArr, ok := tag.([]interface{}); ok {
				strTag := make([]string, 0, len(tagArr))
				for _, elem := range tagArr {
					if s, ok := elem.(string); ok {
						strTag = append(strTag, s)
					}
				}
				evt.Tags = append(evt.Tags, strTag)
			}
		}
	}

	return evt, evt.ID != ""
}

// ShortID truncates an id/pubkey to 12 chars for logging.
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
