package webrtcpeer

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DataChannelLabelChat is the DataChannel the caller opens so the offer has
// something to negotiate without capturing media.
const DataChannelLabelChat = "chat"

// CreateChatDataChannel opens an ordered, fully reliable DataChannel.
func CreateChatDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	return pc.CreateDataChannel(DataChannelLabelChat, &webrtc.DataChannelInit{Ordered: &ordered})
}

func ValidateChatDataChannel(dc *webrtc.DataChannel) error {
	if dc.Label() != DataChannelLabelChat {
		return fmt.Errorf("expected label=%q (got %q)", DataChannelLabelChat, dc.Label())
	}
	if !dc.Ordered() {
		return fmt.Errorf("chat datachannel must be ordered (ordered=false)")
	}
	if dc.MaxPacketLifeTime() != nil || dc.MaxRetransmits() != nil {
		return fmt.Errorf("chat datachannel must be fully reliable")
	}
	return nil
}
