package webrtc

// RFC 6184 payload structures handled by the depacketizer.
const (
	naluTypeMask = 0x1f
	naluTypeSTAP = 24
	naluTypeFUA  = 28

	fuStartBit = 0x80
	fuEndBit   = 0x40
)

// H264Depacketizer extracts NAL units from RTP H264 payloads. FU-A
// reassembly state is per instance, and a chain is dropped whenever an RTP
// sequence gap shows a fragment was lost, so a corrupt NAL is never emitted.
type H264Depacketizer struct {
	fuaBuf    []byte
	fuaActive bool
	lastSeq   uint16
}

// NewH264Depacketizer creates a depacketizer with its own reassembly buffer.
func NewH264Depacketizer() *H264Depacketizer {
	return &H264Depacketizer{}
}

// Depacketize extracts zero or more NAL units from one RTP payload.
// Handles single NAL, STAP-A and FU-A packet types; anything else is
// ignored.
func (d *H264Depacketizer) Depacketize(seq uint16, payload []byte) [][]byte {
	if len(payload) < 1 {
		return nil
	}

	switch t := payload[0] & naluTypeMask; {
	case t >= 1 && t <= 23:
		d.reset()
		return [][]byte{payload}
	case t == naluTypeSTAP:
		d.reset()
		return splitSTAPA(payload)
	case t == naluTypeFUA:
		return d.reassembleFUA(seq, payload)
	default:
		return nil
	}
}

func (d *H264Depacketizer) reset() {
	d.fuaBuf = nil
	d.fuaActive = false
}

// splitSTAPA walks the aggregation packet: a one-byte header followed by
// size-prefixed NAL units.
func splitSTAPA(payload []byte) [][]byte {
	var nalus [][]byte
	offset := 1

	for offset+2 <= len(payload) {
		size := int(payload[offset])<<8 | int(payload[offset+1])
		offset += 2
		if size == 0 || offset+size > len(payload) {
			break
		}
		nalus = append(nalus, payload[offset:offset+size])
		offset += size
	}
	return nalus
}

func (d *H264Depacketizer) reassembleFUA(seq uint16, payload []byte) [][]byte {
	if len(payload) < 2 {
		return nil
	}

	fuHeader := payload[1]
	start := fuHeader&fuStartBit != 0
	end := fuHeader&fuEndBit != 0

	if start {
		// NAL header = F+NRI bits of the FU indicator + type from the
		// FU header.
		fnri := payload[0] & 0xe0
		d.fuaBuf = append([]byte{fnri | fuHeader&naluTypeMask}, payload[2:]...)
		d.fuaActive = true
		d.lastSeq = seq
	} else {
		if !d.fuaActive {
			return nil
		}
		if seq != d.lastSeq+1 {
			// A fragment was lost; the chain cannot be completed.
			d.reset()
			return nil
		}
		d.fuaBuf = append(d.fuaBuf, payload[2:]...)
		d.lastSeq = seq
	}

	if end && d.fuaActive {
		nalu := d.fuaBuf
		d.reset()
		return [][]byte{nalu}
	}
	return nil
}
