package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/viper"

	"github.com/gestalt-engine/gestaltnet/identity"
	"github.com/gestalt-engine/gestaltnet/keystore"
	"github.com/gestalt-engine/gestaltnet/netmsg"
	"github.com/gestalt-engine/gestaltnet/preprotocol"
)

// chatMsgID is the demo chat message type carried over the session.
const chatMsgID netmsg.NetMsgID = 32

// chatMsg is a trivial JSON-bodied message both roles may send.
type chatMsg struct {
	Message string `json:"message"`
}

func init() {
	netmsg.Register(netmsg.MsgInfo{
		ID:        chatMsgID,
		Name:      "Chat",
		Sidedness: netmsg.Common,
		Mode:      netmsg.ReliableOrdered,
	})
}

func chatPacket(text string) (netmsg.PacketIntermediary, error) {
	body, err := json.Marshal(&chatMsg{Message: text})
	if err != nil {
		return netmsg.PacketIntermediary{}, err
	}
	return netmsg.NewPacket(chatMsgID, body)
}

// newKeyPolicy wires the trust-on-first-use mismatch handling: reports feed
// an auto-approver whose verdict comes from the accept-changed-keys flag.
func newKeyPolicy(ctx context.Context) preprotocol.KeyPolicy {
	reports := make(chan identity.NodeIdentity, 8)
	broadcast := keystore.NewApprovalBroadcast()
	accept := viper.GetBool("accept-changed-keys")
	go keystore.RunAutoApprover(ctx, reports, broadcast, func(identity.NodeIdentity) bool {
		return accept
	})
	return preprotocol.KeyPolicy{Report: reports, Approvals: broadcast}
}
