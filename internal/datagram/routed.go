package datagram

// Routed is the parsed header of an internal bus datagram.
type Routed struct {
	Recipients []uint64
	Sender     uint64
	MsgType    uint16
	Payload    []byte
}

// ParseRouted decodes the routed-message body format:
// uint8 recipient count, recipients, sender, message type, payload.
func ParseRouted(body []byte) (Routed, error) {
	it := NewIterator(body)

	count := it.ReadUint8()
	recipients := make([]uint64, 0, count)
	for i := 0; i < int(count); i++ {
		recipients = append(recipients, it.ReadUint64())
	}
	sender := it.ReadUint64()
	msgType := it.ReadUint16()
	payload := it.RemainingBytes()

	if err := it.Err(); err != nil {
		return Routed{}, err
	}
	return Routed{
		Recipients: recipients,
		Sender:     sender,
		MsgType:    msgType,
		Payload:    payload,
	}, nil
}

// BuildRouted re-encodes a routed datagram addressed to a single recipient,
// preserving sender, type and payload.
func BuildRouted(recipient, sender uint64, msgType uint16, payload []byte) []byte {
	w := NewWriter()
	w.AddServerHeader([]uint64{recipient}, sender, msgType)
	w.AppendData(payload)
	return w.Bytes()
}
