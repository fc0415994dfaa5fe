package wire

// Message is a relayed acoustic packet queued for POST /messages/.
type Message struct {
	PacketJSON []byte
	Timestamp  int64
	SeqNo      uint16
	Retry      uint8
}

// Status is a periodic gateway status record queued for POST /statuses/.
type Status struct {
	Timestamp      int64
	Uptime         int64
	LastResetCause string
	VBatt          float64
	SensorsJSON    []byte
	SeqNo          uint16
	Retry          uint8
}

// NetworkLog is a network-topology record queued for POST /networklogs/.
type NetworkLog struct {
	TopologyJSON      []byte
	ConfigJSON        []byte
	DataGatheringJSON []byte
	Timestamp         int64
	SeqNo             uint16
	Retry             uint8
}

// BuildMessageBody assembles the /messages/ body into buf.
// Returns the body length, or 0 when it does not fit.
func BuildMessageBody(buf []byte, m *Message) int {
	w := NewWriter(buf)
	w.Raw(`{"message":`)
	w.RawJSON(m.PacketJSON)
	w.Raw(`,"timestamp":`)
	w.Int64(m.Timestamp)
	w.Raw(`,"seqNo":`)
	w.Int(int(m.SeqNo))
	w.Raw(`,"retry":`)
	w.Int(int(m.Retry))
	w.Byte('}')
	if w.Overflowed() {
		return 0
	}
	return w.Len()
}

// BuildStatusBody assembles the /statuses/ body into buf.
// Returns the body length, or 0 when it does not fit.
func BuildStatusBody(buf []byte, s *Status) int {
	w := NewWriter(buf)
	w.Raw(`{"status":{"timestamp":`)
	w.Int64(s.Timestamp)
	w.Raw(`,"uptime":`)
	w.Int64(s.Uptime)
	w.Raw(`,"lastResetCause":`)
	w.String(s.LastResetCause)
	w.Raw(`,"vbatt":`)
	w.Fixed2(s.VBatt)
	w.Raw(`,"sensors":`)
	w.RawJSON(s.SensorsJSON)
	w.Raw(`},"seqNo":`)
	w.Int(int(s.SeqNo))
	w.Raw(`,"retry":`)
	w.Int(int(s.Retry))
	w.Byte('}')
	if w.Overflowed() {
		return 0
	}
	return w.Len()
}

// BuildNetworkLogBody assembles the /networklogs/ body into buf.
// Returns the body length, or 0 when it does not fit.
func BuildNetworkLogBody(buf []byte, l *NetworkLog) int {
	w := NewWriter(buf)
	w.Raw(`{"topology":`)
	w.RawJSON(l.TopologyJSON)
	w.Raw(`,"config":`)
	w.RawJSON(l.ConfigJSON)
	w.Raw(`,"data_gathering":`)
	w.RawJSON(l.DataGatheringJSON)
	w.Raw(`,"timestamp":`)
	w.Int64(l.Timestamp)
	w.Raw(`,"seqNo":`)
	w.Int(int(l.SeqNo))
	w.Raw(`,"retry":`)
	w.Int(int(l.Retry))
	w.Byte('}')
	if w.Overflowed() {
		return 0
	}
	return w.Len()
}
