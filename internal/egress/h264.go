package egress

import (
	"encoding/binary"
	"fmt"
)

// NAL unit types the muxer cares about
const (
	naluTypeIDR = 5
	naluTypeSPS = 7
	naluTypePPS = 8
)

// splitAnnexB splits an Annex-B access unit (as produced by the RTP
// depacketizer) into raw NAL units.
func splitAnnexB(au []byte) [][]byte {
	var nalus [][]byte
	start := -1
	zeros := 0

	for i := 0; i < len(au); i++ {
		switch {
		case au[i] == 0:
			zeros++
		case au[i] == 1 && zeros >= 2:
			if start >= 0 {
				end := i - zeros
				if zeros > 3 {
					end = i - 3
				}
				if end > start {
					nalus = append(nalus, au[start:end])
				}
			}
			start = i + 1
			zeros = 0
		default:
			zeros = 0
		}
	}
	if start >= 0 && start < len(au) {
		nalus = append(nalus, au[start:])
	}
	return nalus
}

// annexBToAVCC converts an Annex-B access unit into length-prefixed AVCC,
// stripping parameter sets (they live in the init segment).
func annexBToAVCC(au []byte) []byte {
	var out []byte
	for _, nalu := range splitAnnexB(au) {
		if len(nalu) == 0 {
			continue
		}
		switch nalu[0] & 0x1F {
		case naluTypeSPS, naluTypePPS:
			continue
		}
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], uint32(len(nalu)))
		out = append(out, prefix[:]...)
		out = append(out, nalu...)
	}
	return out
}

// h264AUInfo is what the muxer needs to know about one access unit.
type h264AUInfo struct {
	sps        []byte
	pps        []byte
	isKeyframe bool
}

// inspectH264AU scans an Annex-B access unit for parameter sets and IDR
// slices.
func inspectH264AU(au []byte) h264AUInfo {
	var info h264AUInfo
	for _, nalu := range splitAnnexB(au) {
		if len(nalu) == 0 {
			continue
		}
		switch nalu[0] & 0x1F {
		case naluTypeSPS:
			info.sps = nalu
		case naluTypePPS:
			info.pps = nalu
		case naluTypeIDR:
			info.isKeyframe = true
		}
	}
	return info
}

// rfc6381CodecForSPS derives the CODECS attribute entry for an H.264 stream
// from its SPS (profile, constraint flags, level).
func rfc6381CodecForSPS(sps []byte) (string, error) {
	if len(sps) < 4 {
		return "", fmt.Errorf("sps too short: %d bytes", len(sps))
	}
	return fmt.Sprintf("avc1.%02x%02x%02x", sps[1], sps[2], sps[3]), nil
}
