package negotiation

import "github.com/pion/webrtc/v4"

const ufragAttr = "ice-ufrag"

// DescriptionUfrag returns the ICE username fragment of d, or "" when d has
// none or does not parse. An ICE restart changes it.
func DescriptionUfrag(d webrtc.SessionDescription) string {
	parsed, err := d.Unmarshal()
	if err != nil {
		return ""
	}
	if v, ok := parsed.Attribute(ufragAttr); ok {
		return v
	}
	for _, m := range parsed.MediaDescriptions {
		if v, ok := m.Attribute(ufragAttr); ok {
			return v
		}
	}
	return ""
}

// CandidateUfrag returns the username fragment cand was gathered for, or ""
// when the sender did not tag it.
func CandidateUfrag(cand webrtc.ICECandidateInit) string {
	if cand.UsernameFragment == nil {
		return ""
	}
	return *cand.UsernameFragment
}
