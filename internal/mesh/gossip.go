package mesh

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
)

// gossipSender and gossipRoom are the sentinel sender and room_id used to carry gossip
// protocol frames inside ordinary Chat messages, so gossip traffic
// rides the same encrypted transport as user chat without a separate
// message type on the wire.
const (
	gossipSender = "__gossip__"
	gossipRoom   = "__gossip_channel__"
)

// GossipType discriminates GossipMessage variants.
type GossipType string

const (
	GossipRoomSync       GossipType = "room_sync"
	GossipRoomSyncReply  GossipType = "room_sync_reply"
	GossipRoomJoinNotify GossipType = "room_join_notify"
	GossipRoomLeaveNotify GossipType = "room_leave_notify"
)

// SyncMessage is one message payload carried in a gossip sync reply.
type SyncMessage struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	MsgHash   string `json:"msg_hash"`
}

// GossipMessage is a room-sync protocol frame, tunneled through Chat messages.
type GossipMessage struct {
	GossipType    GossipType    `json:"gossip_type"`
	RoomID        string        `json:"room_id,omitempty"`
	MessagesSince string        `json:"messages_since,omitempty"`
	Messages      []SyncMessage `json:"messages,omitempty"`
	PeerID        string        `json:"peer_id,omitempty"`
}

// ForwardRoomMessage relays a chat message to every connected member of
// a room except the sender.
func ForwardRoomMessage(state *State, roomID, senderPeerID, from, text string) {
	state.Lock()
	defer state.Unlock()

	if state.RoomStore == nil {
		return
	}
	members, err := state.RoomStore.GetMembers(roomID)
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("failed to get room members for forwarding")
		return
	}

	for _, member := range members {
		if member.PeerID == senderPeerID {
			continue
		}
		conn, ok := state.Connections[member.PeerID]
		if !ok {
			continue
		}
		msg := Message{Type: MsgChat, From: from, Text: text, Room: roomID}
		go func(conn *Connection, peerID string) {
			if err := conn.SendMessage(msg); err != nil {
				logrus.WithFields(logrus.Fields{"peer_id": peerID, "error": err}).Debug("failed to forward room message (non-fatal)")
			}
		}(conn, member.PeerID)
	}
}

// RequestSync asks peerID for any messages in roomID since our latest
// known timestamp.
func RequestSync(state *State, peerID, roomID string) {
	state.Lock()
	defer state.Unlock()

	var since string
	if state.RoomStore != nil {
		since, _ = state.RoomStore.LatestTimestamp(roomID)
	}

	conn, ok := state.Connections[peerID]
	if !ok {
		return
	}
	gossip := GossipMessage{GossipType: GossipRoomSync, RoomID: roomID, MessagesSince: since}
	payload, err := json.Marshal(gossip)
	if err != nil {
		return
	}
	msg := Message{Type: MsgChat, From: gossipSender, Text: string(payload), Room: gossipRoom}
	go func() {
		if err := conn.SendMessage(msg); err != nil {
			logrus.WithError(err).Debug("failed to send gossip sync request")
		}
	}()
}

// HandleGossip parses and applies an incoming gossip frame, returning
// false if gossipText wasn't a valid gossip message.
func HandleGossip(state *State, peerID, gossipText string) bool {
	var gossip GossipMessage
	if err := json.Unmarshal([]byte(gossipText), &gossip); err != nil {
		return false
	}

	switch gossip.GossipType {
	case GossipRoomSync:
		handleSyncRequest(state, peerID, gossip.RoomID, gossip.MessagesSince)
	case GossipRoomSyncReply:
		handleSyncReply(state, gossip.RoomID, gossip.Messages)
	case GossipRoomJoinNotify:
		state.Lock()
		if state.RoomStore != nil {
			_ = state.RoomStore.JoinRoom(gossip.RoomID, gossip.PeerID)
		}
		state.Unlock()
	case GossipRoomLeaveNotify:
		state.Lock()
		if state.RoomStore != nil {
			_ = state.RoomStore.LeaveRoom(gossip.RoomID, gossip.PeerID)
		}
		state.Unlock()
	default:
		return false
	}
	return true
}

func handleSyncRequest(state *State, peerID, roomID, since string) {
	state.Lock()
	defer state.Unlock()

	if state.RoomStore == nil {
		return
	}
	messages, err := state.RoomStore.GetHistory(roomID, since, 100)
	if err != nil {
		logrus.WithError(err).Warn("failed to get room history for sync")
		return
	}
	if len(messages) == 0 {
		return
	}

	syncMsgs := make([]SyncMessage, 0, len(messages))
	for _, m := range messages {
		syncMsgs = append(syncMsgs, SyncMessage{Sender: m.Sender, Content: m.Content, Timestamp: m.Timestamp, MsgHash: m.MsgHash})
	}

	reply := GossipMessage{GossipType: GossipRoomSyncReply, RoomID: roomID, Messages: syncMsgs}
	payload, err := json.Marshal(reply)
	if err != nil {
		return
	}

	conn, ok := state.Connections[peerID]
	if !ok {
		return
	}
	msg := Message{Type: MsgChat, From: gossipSender, Text: string(payload), Room: gossipRoom}
	go func() {
		if err := conn.SendMessage(msg); err != nil {
			logrus.WithError(err).Debug("failed to send gossip sync reply")
		}
	}()
}

func handleSyncReply(state *State, roomID string, messages []SyncMessage) {
	state.Lock()
	defer state.Unlock()

	if state.RoomStore == nil {
		return
	}

	newCount := 0
	for _, msg := range messages {
		isNew, err := state.RoomStore.StoreMessage(roomID, msg.Sender, msg.Content, msg.Timestamp)
		if err != nil {
			logrus.WithError(err).Warn("failed to store synced message")
			continue
		}
		if isNew {
			newCount++
		}
	}
	if newCount > 0 {
		logrus.WithFields(logrus.Fields{"room_id": roomID, "new_messages": newCount}).Info("gossip sync applied")
	}
}

// SyncRoomsWithPeer requests a sync of every known room from peerID,
// pacing requests to avoid flooding the connection.
func SyncRoomsWithPeer(ctx context.Context, state *State, peerID string) {
	state.Lock()
	var roomIDs []string
	if state.RoomStore != nil {
		if rooms, err := state.RoomStore.ListRooms(); err == nil {
			for _, r := range rooms {
				roomIDs = append(roomIDs, r.ID)
			}
		}
	}
	state.Unlock()

	for _, roomID := range roomIDs {
		RequestSync(state, peerID, roomID)
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}
