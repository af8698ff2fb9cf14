package wire

// Obfuscator is a stateful byte-level XOR stream, not a cryptographic
// primitive: it absorbs plaintext into a single mixing byte so that
// repeated bytes on the wire don't repeat in cipher-text, nothing more.
// Encode and Decode are exact inverses given equal initial state.
type Obfuscator struct {
	mix byte
	key byte
}

// NewObfuscator returns an Obfuscator in the carrier's fixed initial state.
// Every (re)connect, on both directions independently, starts here.
func NewObfuscator() *Obfuscator {
	return &Obfuscator{mix: 0xD1, key: 0x67}
}

// EncodeByte obfuscates one outbound byte and advances the mix state from
// the plaintext input.
func (o *Obfuscator) EncodeByte(b byte) byte {
	out := b ^ o.mix ^ o.key
	o.mix ^= b
	return out
}

// DecodeByte recovers one inbound byte and advances the mix state from the
// recovered plaintext, mirroring EncodeByte's recurrence so paired streams
// stay in lock-step.
func (o *Obfuscator) DecodeByte(b byte) byte {
	out := b ^ o.mix ^ o.key
	o.mix ^= out
	return out
}

// EncodeBuffer obfuscates buf in place.
func (o *Obfuscator) EncodeBuffer(buf []byte) {
	for i, b := range buf {
		buf[i] = o.EncodeByte(b)
	}
}

// DecodeBuffer recovers buf in place.
func (o *Obfuscator) DecodeBuffer(buf []byte) {
	for i, b := range buf {
		buf[i] = o.DecodeByte(b)
	}
}
