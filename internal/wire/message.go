// Package wire implements the per-connection framed message codec and the
// handshake/encryption layer shared by every peer-to-peer session: remote
// control, file transfer, port forward and RDP. Non-goals of the system
// explicitly disclaim a prescribed binary codec format, so the envelope is
// length-prefixed JSON in the same idiom as the service's existing IPC
// framing, extended with a signed handshake and secretbox session crypto.
package wire

import "encoding/json"

// ProtocolVersion is bumped whenever the envelope or handshake shape changes
// in a way that is not backward compatible.
const ProtocolVersion = 1

// Message type discriminators for the envelope's Type field.
const (
	TypeHash           = "hash"
	TypeLoginRequest   = "login_request"
	TypeLoginResponse  = "login_response"
	TypeTestDelay      = "test_delay"
	TypeVideoFrame     = "video_frame"
	TypeAudioFrame     = "audio_frame"
	TypeCursorData     = "cursor_data"
	TypeCursorPosition = "cursor_position"
	TypeCursorID       = "cursor_id"
	TypeKeyEvent       = "key_event"
	TypeMouseEvent     = "mouse_event"
	TypeClipboard      = "clipboard"
	TypeCliprdr        = "cliprdr"
	TypeFileAction     = "file_action"
	TypeFileResponse   = "file_response"
	TypeFileBlock      = "file_block"
	TypeMisc           = "misc"
	TypePortForwardData = "port_forward_data"
)

// Envelope is the outermost frame written to the wire. Payload is left as
// raw JSON so the codec never needs to know every message shape up front —
// callers unmarshal Payload into the concrete type named by Type.
type Envelope struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hash carries the per-connection random salt and password challenge sent
// by the host immediately after the handshake completes.
type Hash struct {
	Salt      string `json:"salt"`
	Challenge string `json:"challenge"`
}

// ConnType distinguishes what a LoginRequest is asking to do.
type ConnType string

const (
	ConnTypeRemote      ConnType = "remote"
	ConnTypeFile        ConnType = "file"
	ConnTypePortForward ConnType = "port_forward"
	ConnTypeRDP         ConnType = "rdp"
)

// LoginRequest is the first application message a viewer sends once the
// handshake's symmetric key (or plaintext fallback) is installed.
type LoginRequest struct {
	ConnType ConnType `json:"conn_type"`
	Username string   `json:"username,omitempty"`
	// PasswordHash is sha256(sha256(password||salt)||challenge), hex-encoded.
	PasswordHash string `json:"password_hash,omitempty"`
	TOTP         string `json:"totp,omitempty"`

	// File-transfer variant.
	Dir        string `json:"dir,omitempty"`
	ShowHidden bool   `json:"show_hidden,omitempty"`

	// Port-forward variant. Host=="RDP" && Port==0 is rewritten by the
	// connection state machine to localhost:3389.
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

// LoginResponse answers a LoginRequest, successful or not.
type LoginResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	// Permissions mirrors the connection's current admin-set flags so the
	// viewer can render its UI before the first PermissionInfo update.
	Permissions *Permissions `json:"permissions,omitempty"`
}

// Permissions mirrors the admin-mutable flags on a Connection.
type Permissions struct {
	Keyboard  bool `json:"keyboard"`
	Clipboard bool `json:"clipboard"`
	Audio     bool `json:"audio"`
	File      bool `json:"file"`
	Recording bool `json:"recording"`
	Restart   bool `json:"restart"`
}

// TestDelay is sent by the host every heartbeat interval; the peer echoes
// it back unmodified so the host can compute round-trip delay.
type TestDelay struct {
	Time int64 `json:"time"`
}

// VideoFrame carries one codec-specific sub-frame.
type VideoFrame struct {
	Format   string `json:"format"` // h264, h265, vp8, vp9, av1
	Data     []byte `json:"data"`
	Key      bool   `json:"key"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	SentAtMs int64  `json:"sent_at_ms"`
}

// AudioFrame carries a single encoded audio packet (Opus or raw mu-law).
type AudioFrame struct {
	Data       []byte `json:"data"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// CursorData is sent once per distinct cursor shape; the peer caches it by
// ID and later CursorPosition messages reference the cached shape.
type CursorData struct {
	ID     int32  `json:"id"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	HotX   int    `json:"hot_x"`
	HotY   int    `json:"hot_y"`
	Pixels []byte `json:"pixels"` // BGRA
}

// CursorPosition moves the cached cursor.
type CursorPosition struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// CursorID selects which cached cursor shape is current without resending
// pixels, used when the same shape recurs.
type CursorID struct {
	ID int32 `json:"id"`
}

// KeyEvent is an input event injected by the viewer.
type KeyEvent struct {
	Code    int    `json:"code"`
	Down    bool   `json:"down"`
	Unicode string `json:"unicode,omitempty"`
}

// MouseEvent is an input event injected by the viewer.
type MouseEvent struct {
	X       int   `json:"x"`
	Y       int   `json:"y"`
	Buttons uint8 `json:"buttons"`
	Down    bool  `json:"down"`
	WheelDY int   `json:"wheel_dy,omitempty"`
}

// Clipboard carries plaintext clipboard sync content.
type Clipboard struct {
	Text string `json:"text,omitempty"`
}

// Cliprdr carries a clipboard file-list payload (file clipboard).
type Cliprdr struct {
	Files []string `json:"files"`
}

// FileAction is a control message for the file-transfer protocol.
type FileAction struct {
	Action  string `json:"action"` // remove_file, create_dir, remove_dir, new_write, new_read, cancel_write, write_done, read_done, send_digest, send_confirm
	JobID   int32  `json:"job_id"`
	FileNum int32  `json:"file_num,omitempty"`
	Path    string `json:"path,omitempty"`

	// send_digest: the sender's digest for the file about to transfer.
	Digest *FileDigest `json:"digest,omitempty"`
	// send_confirm: the receiver's decision — skip the file, or start
	// writing at Offset (0 = fresh).
	Skip   bool  `json:"skip,omitempty"`
	Offset int64 `json:"offset,omitempty"`
	// write_done: source mtime to preserve on the destination.
	ModifiedTime int64 `json:"modified_time,omitempty"`
}

// FileTransferBlock carries one chunk of file data for the current file of
// a job. Compressed marks per-block LZ4 compression; a stream may mix
// compressed and raw blocks.
type FileTransferBlock struct {
	JobID      int32  `json:"job_id"`
	FileNum    int32  `json:"file_num"`
	Data       []byte `json:"data"`
	Compressed bool   `json:"compressed,omitempty"`
}

// FileResponse answers a FileAction or carries an async error/digest reply.
type FileResponse struct {
	JobID   int32  `json:"job_id"`
	FileNum int32  `json:"file_num,omitempty"`
	Error   string `json:"error,omitempty"`
	Digest  *FileDigest `json:"digest,omitempty"`
}

// FileDigest is exchanged to decide whether a file transfer can be resumed
// or skipped outright.
type FileDigest struct {
	FileSize     int64 `json:"file_size"`
	LastModified int64 `json:"last_modified"` // unix seconds
	IsUpload     bool  `json:"is_upload"`
}

// Misc bundles the long tail of low-frequency control notifications behind
// one envelope type so new ones don't need a dedicated Type constant.
type Misc struct {
	Option         *OptionMessage  `json:"option,omitempty"`
	BackNotify     string          `json:"back_notify,omitempty"`
	Refresh        bool            `json:"refresh,omitempty"`
	SwitchDisplay  *SwitchDisplay  `json:"switch_display,omitempty"`
	Chat           string          `json:"chat,omitempty"`
	PermissionInfo *PermissionInfo `json:"permission_info,omitempty"`
	VideoReceived  bool            `json:"video_received,omitempty"`
}

// PortForwardData carries one chunk of raw bytes for a ConnTypePortForward
// or ConnTypeRDP session: once login succeeds for those conn types, the
// connection stops dispatching remote-control envelopes and instead pipes
// PortForwardData chunks between the local dialed target and the peer.
type PortForwardData struct {
	Data []byte `json:"data"`
}

// Tri is a tri-state field: present-but-unset must never mutate state.
type Tri int

const (
	TriNotSet Tri = iota
	TriYes
	TriNo
)

// OptionMessage carries an arbitrary subset of session options; fields left
// at TriNotSet (the zero value) are untouched by the receiver.
type OptionMessage struct {
	ImageQuality         string `json:"image_quality,omitempty"`
	CustomImageQuality   int32  `json:"custom_image_quality,omitempty"` // (bitrate<<8)|quantizer
	LockAfterSessionEnd  Tri    `json:"lock_after_session_end,omitempty"`
	ShowRemoteCursor     Tri    `json:"show_remote_cursor,omitempty"`
	DisableAudio         Tri    `json:"disable_audio,omitempty"`
	EnableFileTransfer   Tri    `json:"enable_file_transfer,omitempty"`
	DisableClipboard     Tri    `json:"disable_clipboard,omitempty"`
	PrivacyMode          Tri    `json:"privacy_mode,omitempty"`
	BlockInput           Tri    `json:"block_input,omitempty"`
}

// SwitchDisplay is broadcast once before the capture pipeline restarts on a
// display index change.
type SwitchDisplay struct {
	X, Y, Width, Height int
}

// PermissionInfo mirrors one admin-set permission flag to the peer.
type PermissionInfo struct {
	Permission string `json:"permission"`
	Enabled    bool   `json:"enabled"`
}
