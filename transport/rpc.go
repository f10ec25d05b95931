// SPDX-FileCopyrightText: Copyright (C) 2024 The talk client authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"time"
)

// Remote procedure names.
const (
	MethodGenerateID        = "generateId"
	MethodSRPRegister       = "srpRegister"
	MethodSRPPhase1         = "srpPhase1"
	MethodSRPPhase2         = "srpPhase2"
	MethodSRPChangeVerifier = "srpChangeVerifier"

	MethodHello = "hello"
	MethodReady = "ready"

	MethodGetPresences     = "getPresences"
	MethodGetRelationships = "getRelationships"
	MethodGetGroups        = "getGroups"
	MethodIsMemberInGroups = "isMemberInGroups"
	MethodGetGroupMembers  = "getGroupMembers"
	MethodUpdatePresence   = "updatePresence"
	MethodUpdateKey        = "updateKey"
	MethodUpdateGroup      = "updateGroup"

	MethodOutDeliveryRequest       = "outDeliveryRequest"
	MethodInDeliveryConfirmSeen    = "inDeliveryConfirmSeen"
	MethodInDeliveryConfirmUnseen  = "inDeliveryConfirmUnseen"
	MethodInDeliveryConfirmPrivate = "inDeliveryConfirmPrivate"
	MethodInDeliveryReject         = "inDeliveryReject"
	MethodOutDeliveryAckSeen       = "outDeliveryAcknowledgeSeen"
	MethodOutDeliveryAckUnseen     = "outDeliveryAcknowledgeUnseen"
	MethodOutDeliveryAckPrivate    = "outDeliveryAcknowledgePrivate"
	MethodOutDeliveryAckFailed     = "outDeliveryAcknowledgeFailed"
	MethodOutDeliveryAckRejected   = "outDeliveryAcknowledgeRejected"
	MethodOutDeliveryAbort         = "outDeliveryAbort"

	MethodCreateGroupWithMembers = "createGroupWithMembers"
	MethodInviteGroupMember      = "inviteGroupMember"
	MethodRemoveGroupMember      = "removeGroupMember"
	MethodJoinGroup              = "joinGroup"
	MethodLeaveGroup             = "leaveGroup"
	MethodDeleteGroup            = "deleteGroup"

	MethodCreateFileForStorage   = "createFileForStorage"
	MethodCreateFileForTransfer  = "createFileForTransfer"
	MethodReceivedFile           = "receivedFile"
	MethodStartedFileUpload      = "startedFileUpload"
	MethodFinishedFileUpload     = "finishedFileUpload"
	MethodFailedFileUpload       = "failedFileUpload"
	MethodPausedFileUpload       = "pausedFileUpload"
	MethodAckAbortedFileDownload = "acknowledgeAbortedFileDownload"
	MethodAckFailedFileDownload  = "acknowledgeFailedFileDownload"
)

// Server-initiated notification names.
const (
	NotifyIncomingDelivery        = "incomingDelivery"
	NotifyIncomingDeliveryUpdated = "incomingDeliveryUpdated"
	NotifyOutgoingDeliveryUpdated = "outgoingDeliveryUpdated"
	NotifyPresenceUpdated         = "presenceUpdated"
	NotifyPresenceModified        = "presenceModified"
	NotifyRelationshipUpdated     = "relationshipUpdated"
	NotifyGroupUpdated            = "groupUpdated"
	NotifyGroupMemberUpdated      = "groupMemberUpdated"
	NotifyAlertUser               = "alertUser"
	NotifyPushNotRegistered       = "pushNotRegistered"
	NotifyGetEncryptedGroupKeys   = "getEncryptedGroupKeys"
)

// WireDelivery is the delivery record as it crosses the wire, in both
// directions.  States are the protocol's string constants; mapping to the
// typed states lives with the delivery state machine.
type WireDelivery struct {
	MessageID  string `cbor:"messageId,omitempty"`
	MessageTag string `cbor:"messageTag,omitempty"`

	SenderID   string `cbor:"senderId,omitempty"`
	ReceiverID string `cbor:"receiverId,omitempty"`
	GroupID    string `cbor:"groupId,omitempty"`

	State           string `cbor:"state"`
	AttachmentState string `cbor:"attachmentState,omitempty"`

	KeyID        string `cbor:"keyId,omitempty"`
	EncryptedKey []byte `cbor:"keyCiphertext,omitempty"`
	SharedKeyID  string `cbor:"sharedKeyId,omitempty"`
	KeySalt      []byte `cbor:"keySalt,omitempty"`

	// Body and Attachment are ciphertext.
	Body       []byte `cbor:"body,omitempty"`
	Attachment []byte `cbor:"attachment,omitempty"`

	TimeAccepted time.Time `cbor:"timeAccepted,omitempty"`
	TimeUpdated  time.Time `cbor:"timeUpdated,omitempty"`
}

// WirePresence is a presence record for one client.
type WirePresence struct {
	ClientID  string    `cbor:"clientId"`
	Nickname  string    `cbor:"nickname,omitempty"`
	Status    string    `cbor:"status,omitempty"`
	KeyID     string    `cbor:"keyId,omitempty"`
	PublicKey []byte    `cbor:"publicKey,omitempty"`
	LastSeen  time.Time `cbor:"lastSeen,omitempty"`
}

// WireRelationship is the relationship between the local client and a peer.
type WireRelationship struct {
	ClientID string `cbor:"clientId"`
	State    string `cbor:"state"`
}

// WireGroup is a group presence record.
type WireGroup struct {
	GroupID     string `cbor:"groupId"`
	Name        string `cbor:"name,omitempty"`
	SharedKeyID string `cbor:"sharedKeyId,omitempty"`
	Ephemeral   bool   `cbor:"ephemeral,omitempty"`
	State       string `cbor:"state,omitempty"`
}

// WireGroupMember is one group membership record.
type WireGroupMember struct {
	GroupID      string `cbor:"groupId"`
	ClientID     string `cbor:"clientId"`
	Role         string `cbor:"role,omitempty"`
	State        string `cbor:"state,omitempty"`
	KeyID        string `cbor:"keyId,omitempty"`
	EncryptedKey []byte `cbor:"encryptedGroupKey,omitempty"`
}

// WireFileHandle is the server's answer to a file slot allocation.
type WireFileHandle struct {
	FileID      string `cbor:"fileId"`
	UploadURL   string `cbor:"uploadUrl,omitempty"`
	DownloadURL string `cbor:"downloadUrl,omitempty"`
}

// GroupKeyRequest is the payload of a getEncryptedGroupKeys notification:
// the server asks the client to (re)wrap the shared group key for a set of
// member public keys.
type GroupKeyRequest struct {
	GroupID     string   `cbor:"groupId"`
	SharedKeyID string   `cbor:"sharedKeyId"`
	Renew       bool     `cbor:"renew,omitempty"`
	MemberIDs   []string `cbor:"memberIds"`
	PublicKeys  [][]byte `cbor:"publicKeys"`
}

// GroupKeyUpdate is the client's answer, sent through updateKey.
type GroupKeyUpdate struct {
	GroupID     string   `cbor:"groupId"`
	SharedKeyID string   `cbor:"sharedKeyId"`
	MemberIDs   []string `cbor:"memberIds"`
	WrappedKeys [][]byte `cbor:"wrappedKeys"`
}

// RPC is the typed client for the relay's procedure surface.
type RPC struct {
	conn Conn
}

// NewRPC wraps a connection.
func NewRPC(conn Conn) *RPC {
	return &RPC{conn: conn}
}

// Conn returns the underlying connection.
func (r *RPC) Conn() Conn { return r.conn }

// GenerateID asks the server for a fresh client identifier.
func (r *RPC) GenerateID(ctx context.Context) (string, error) {
	var id string
	err := r.conn.Call(ctx, MethodGenerateID, nil, &id)
	return id, err
}

type srpRegisterArgs struct {
	Verifier []byte `cbor:"verifier"`
	Salt     []byte `cbor:"salt"`
}

// SRPRegister submits the registration verifier and salt.
func (r *RPC) SRPRegister(ctx context.Context, verifier, salt []byte) error {
	return r.conn.Call(ctx, MethodSRPRegister, &srpRegisterArgs{Verifier: verifier, Salt: salt}, nil)
}

// SRPChangeVerifier rotates the stored verifier and salt.
func (r *RPC) SRPChangeVerifier(ctx context.Context, verifier, salt []byte) error {
	return r.conn.Call(ctx, MethodSRPChangeVerifier, &srpRegisterArgs{Verifier: verifier, Salt: salt}, nil)
}

type srpPhase1Args struct {
	ClientID string `cbor:"clientId"`
	A        []byte `cbor:"A"`
}

// SRPPhase1 sends the client public value and returns the server's.
func (r *RPC) SRPPhase1(ctx context.Context, clientID string, a []byte) ([]byte, error) {
	var b []byte
	err := r.conn.Call(ctx, MethodSRPPhase1, &srpPhase1Args{ClientID: clientID, A: a}, &b)
	return b, err
}

type srpPhase2Args struct {
	Vc []byte `cbor:"Vc"`
}

// SRPPhase2 sends the client proof and returns the server proof.
func (r *RPC) SRPPhase2(ctx context.Context, vc []byte) ([]byte, error) {
	var vs []byte
	err := r.conn.Call(ctx, MethodSRPPhase2, &srpPhase2Args{Vc: vc}, &vs)
	return vs, err
}

// Hello announces the client after login.
func (r *RPC) Hello(ctx context.Context, clientID string) error {
	return r.conn.Call(ctx, MethodHello, clientID, nil)
}

// Ready announces that catch-up sync is complete.
func (r *RPC) Ready(ctx context.Context) error {
	return r.conn.Call(ctx, MethodReady, nil, nil)
}

// GetPresences fetches presence deltas since the given time.
func (r *RPC) GetPresences(ctx context.Context, since time.Time) ([]*WirePresence, error) {
	var out []*WirePresence
	err := r.conn.Call(ctx, MethodGetPresences, since, &out)
	return out, err
}

// GetRelationships fetches relationship deltas since the given time.
func (r *RPC) GetRelationships(ctx context.Context, since time.Time) ([]*WireRelationship, error) {
	var out []*WireRelationship
	err := r.conn.Call(ctx, MethodGetRelationships, since, &out)
	return out, err
}

// GetGroups fetches group presence deltas since the given time.
func (r *RPC) GetGroups(ctx context.Context, since time.Time) ([]*WireGroup, error) {
	var out []*WireGroup
	err := r.conn.Call(ctx, MethodGetGroups, since, &out)
	return out, err
}

// IsMemberInGroups filters the given group ids down to those the client is
// still a member of, per the server's view.
func (r *RPC) IsMemberInGroups(ctx context.Context, groupIDs []string) ([]string, error) {
	var out []string
	err := r.conn.Call(ctx, MethodIsMemberInGroups, groupIDs, &out)
	return out, err
}

// GetGroupMembers fetches the membership of one group.
func (r *RPC) GetGroupMembers(ctx context.Context, groupID string) ([]*WireGroupMember, error) {
	var out []*WireGroupMember
	err := r.conn.Call(ctx, MethodGetGroupMembers, groupID, &out)
	return out, err
}

// UpdatePresence announces the local presence record.
func (r *RPC) UpdatePresence(ctx context.Context, p *WirePresence) error {
	return r.conn.Call(ctx, MethodUpdatePresence, p, nil)
}

// UpdateKey answers a group key request with freshly wrapped keys.
func (r *RPC) UpdateKey(ctx context.Context, u *GroupKeyUpdate) error {
	return r.conn.Call(ctx, MethodUpdateKey, u, nil)
}

// UpdateGroup updates a group presence record.
func (r *RPC) UpdateGroup(ctx context.Context, g *WireGroup) error {
	return r.conn.Call(ctx, MethodUpdateGroup, g, nil)
}

// OutDeliveryRequest submits an outgoing delivery and returns the server's
// accepted view of it.
func (r *RPC) OutDeliveryRequest(ctx context.Context, d *WireDelivery) (*WireDelivery, error) {
	out := new(WireDelivery)
	if err := r.conn.Call(ctx, MethodOutDeliveryRequest, d, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ConfirmIncoming invokes one of the incoming-delivery confirmation
// procedures, selected by the caller.
func (r *RPC) ConfirmIncoming(ctx context.Context, method, messageTag string) error {
	return r.conn.Call(ctx, method, messageTag, nil)
}

// AcknowledgeOutgoing invokes one of the outgoing-delivery acknowledgement
// procedures, selected by the caller.
func (r *RPC) AcknowledgeOutgoing(ctx context.Context, method, messageTag string) error {
	return r.conn.Call(ctx, method, messageTag, nil)
}

// OutDeliveryAbort aborts an outgoing delivery server side.
func (r *RPC) OutDeliveryAbort(ctx context.Context, messageTag string) error {
	return r.conn.Call(ctx, MethodOutDeliveryAbort, messageTag, nil)
}

type createGroupArgs struct {
	Name      string   `cbor:"name"`
	MemberIDs []string `cbor:"memberIds"`
}

// CreateGroupWithMembers creates a group and returns its presence record.
func (r *RPC) CreateGroupWithMembers(ctx context.Context, name string, memberIDs []string) (*WireGroup, error) {
	out := new(WireGroup)
	err := r.conn.Call(ctx, MethodCreateGroupWithMembers, &createGroupArgs{Name: name, MemberIDs: memberIDs}, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

type groupMemberArgs struct {
	GroupID  string `cbor:"groupId"`
	ClientID string `cbor:"clientId"`
}

// InviteGroupMember invites a client into a group.
func (r *RPC) InviteGroupMember(ctx context.Context, groupID, clientID string) error {
	return r.conn.Call(ctx, MethodInviteGroupMember, &groupMemberArgs{GroupID: groupID, ClientID: clientID}, nil)
}

// RemoveGroupMember removes a client from a group.
func (r *RPC) RemoveGroupMember(ctx context.Context, groupID, clientID string) error {
	return r.conn.Call(ctx, MethodRemoveGroupMember, &groupMemberArgs{GroupID: groupID, ClientID: clientID}, nil)
}

// JoinGroup accepts a group invitation.
func (r *RPC) JoinGroup(ctx context.Context, groupID string) error {
	return r.conn.Call(ctx, MethodJoinGroup, groupID, nil)
}

// LeaveGroup leaves a group.
func (r *RPC) LeaveGroup(ctx context.Context, groupID string) error {
	return r.conn.Call(ctx, MethodLeaveGroup, groupID, nil)
}

// DeleteGroup deletes a group the client administers.
func (r *RPC) DeleteGroup(ctx context.Context, groupID string) error {
	return r.conn.Call(ctx, MethodDeleteGroup, groupID, nil)
}

// CreateFileForStorage allocates a remote slot for an avatar upload.
func (r *RPC) CreateFileForStorage(ctx context.Context, size int64) (*WireFileHandle, error) {
	out := new(WireFileHandle)
	if err := r.conn.Call(ctx, MethodCreateFileForStorage, size, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateFileForTransfer allocates a remote slot for an attachment upload.
func (r *RPC) CreateFileForTransfer(ctx context.Context, size int64) (*WireFileHandle, error) {
	out := new(WireFileHandle)
	if err := r.conn.Call(ctx, MethodCreateFileForTransfer, size, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReceivedFile reports a completed download to the relay.
func (r *RPC) ReceivedFile(ctx context.Context, fileID string) error {
	return r.conn.Call(ctx, MethodReceivedFile, fileID, nil)
}

// StartedFileUpload reports an upload entering its byte transfer.
func (r *RPC) StartedFileUpload(ctx context.Context, fileID string) error {
	return r.conn.Call(ctx, MethodStartedFileUpload, fileID, nil)
}

// FinishedFileUpload reports a completed upload.
func (r *RPC) FinishedFileUpload(ctx context.Context, fileID string) error {
	return r.conn.Call(ctx, MethodFinishedFileUpload, fileID, nil)
}

// FailedFileUpload reports a terminally failed upload.
func (r *RPC) FailedFileUpload(ctx context.Context, fileID string) error {
	return r.conn.Call(ctx, MethodFailedFileUpload, fileID, nil)
}

// PausedFileUpload reports a parked upload.
func (r *RPC) PausedFileUpload(ctx context.Context, fileID string) error {
	return r.conn.Call(ctx, MethodPausedFileUpload, fileID, nil)
}

// AcknowledgeAbortedFileDownload confirms a download-aborted attachment
// state to the relay.
func (r *RPC) AcknowledgeAbortedFileDownload(ctx context.Context, fileID string) error {
	return r.conn.Call(ctx, MethodAckAbortedFileDownload, fileID, nil)
}

// AcknowledgeFailedFileDownload confirms a download-failed attachment state
// to the relay.
func (r *RPC) AcknowledgeFailedFileDownload(ctx context.Context, fileID string) error {
	return r.conn.Call(ctx, MethodAckFailedFileDownload, fileID, nil)
}
