package monitor

import (
	"bytes"
	"encoding/binary"

	"github.com/cuemby/hpcagent/pkg/types"
	"github.com/google/uuid"
)

const (
	// PacketVersion is written at the head of every packet
	PacketVersion = 1

	// MaxCountersInPacket is the number of umid slots in one packet
	MaxCountersInPacket = 80

	// MaxPacketSize is the size of every encoded packet
	MaxPacketSize = 1024
)

// Packet is the fixed binary metric datagram
type Packet struct {
	Version   int32
	Uuid      [16]byte
	Count     int32
	TickCount int32
	Umids     [MaxCountersInPacket]types.Umid
	Values    [MaxCountersInPacket]float32
}

// guidBytes reorders an RFC 4122 uuid into the mixed-endian GUID layout:
// the first three groups little-endian, the last eight bytes as-is.
func guidBytes(id uuid.UUID) [16]byte {
	var g [16]byte
	g[0], g[1], g[2], g[3] = id[3], id[2], id[1], id[0]
	g[4], g[5] = id[5], id[4]
	g[6], g[7] = id[7], id[6]
	copy(g[8:], id[8:])
	return g
}

// EncodePackets lays samples out in as many packets as needed. Each
// packet is MaxPacketSize bytes, little-endian, zero padded.
func EncodePackets(node uuid.UUID, tickCount int, umids []types.Umid, values []float32) []byte {
	n := min(len(umids), len(values))
	guid := guidBytes(node)

	packets := max(1, (n+MaxCountersInPacket-1)/MaxCountersInPacket)
	out := make([]byte, 0, packets*MaxPacketSize)
	for i := 0; i < packets; i++ {
		start := i * MaxCountersInPacket
		end := min(start+MaxCountersInPacket, n)

		p := Packet{
			Version:   PacketVersion,
			Uuid:      guid,
			Count:     int32(end - start),
			TickCount: int32(tickCount),
		}
		for j := start; j < end; j++ {
			p.Umids[j-start] = umids[j]
			p.Values[j-start] = values[j]
		}

		var enc bytes.Buffer
		// binary.Write only fails on unsupported types
		_ = binary.Write(&enc, binary.LittleEndian, &p)

		buf := make([]byte, MaxPacketSize)
		copy(buf, enc.Bytes())
		out = append(out, buf...)
	}
	return out
}

// DecodePacket parses one encoded packet
func DecodePacket(data []byte) (Packet, error) {
	var p Packet
	err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &p)
	return p, err
}
