package ipc

import (
	"encoding/json"
	"fmt"
)

// TypeData is the envelope type for Data union messages exchanged over the
// postfix-addressed channels (service, connection manager, audio bridge,
// URL dispatch, whiteboard overlay).
const TypeData = "data"

// Data kind discriminators.
const (
	DataLogin              = "login"
	DataChatMessage        = "chat_message"
	DataSwitchPermission   = "switch_permission"
	DataSystemInfo         = "system_info"
	DataClickTime          = "click_time"
	DataClose              = "close"
	DataOnlineStatus       = "online_status"
	DataConfig             = "config"
	DataOptions            = "options"
	DataNatType            = "nat_type"
	DataConfirmedKey       = "confirmed_key"
	DataRawMessage         = "raw_message"
	DataSocks              = "socks"
	DataFS                 = "fs"
	DataSyncConfig         = "sync_config"
	DataClipboardFile      = "clipboard_file"
	DataKeyboard           = "keyboard"
	DataMouse              = "mouse"
	DataPrivacyModeState   = "privacy_mode_state"
	DataSwitchSidesRequest = "switch_sides_request"
	DataSwitchSidesBack    = "switch_sides_back"
	DataURLLink            = "url_link"
	DataVoiceCallIncoming  = "voice_call_incoming"
	DataVoiceCallResponse  = "voice_call_response"
	DataVoiceCallClose     = "voice_call_close"
	DataPortableService    = "portable_service"
)

// Data is the tagged union framed over the local IPC channels between the
// service, the connection manager, the UI and the privileged helper. Kind
// names the active variant; exactly one of the payload fields below is set
// for kinds that carry one.
type Data struct {
	Kind string `json:"kind"`

	Login            *CMLogin          `json:"login,omitempty"`
	ChatMessage      *ChatMessage      `json:"chat_message,omitempty"`
	SwitchPermission *SwitchPermission `json:"switch_permission,omitempty"`
	SystemInfo       string            `json:"system_info,omitempty"`
	ClickTime        int64             `json:"click_time,omitempty"`
	OnlineStatus     *int64            `json:"online_status,omitempty"`
	Config           *ConfigKV         `json:"config,omitempty"`
	// Options nil is a snapshot request; a write carries the map and is
	// acknowledged with an Options message carrying nil.
	Options       map[string]string `json:"options,omitempty"`
	NatType       *int              `json:"nat_type,omitempty"`
	ConfirmedKey  *bool             `json:"confirmed_key,omitempty"`
	RawMessage    []byte            `json:"raw_message,omitempty"`
	Socks         *SocksConfig      `json:"socks,omitempty"`
	FS            *FS               `json:"fs,omitempty"`
	SyncConfig    *SyncConfig       `json:"sync_config,omitempty"`
	ClipboardFile *ClipboardFile    `json:"clipboard_file,omitempty"`
	Keyboard      *KeyInject        `json:"keyboard,omitempty"`
	Mouse         *MouseInject      `json:"mouse,omitempty"`
	PrivacyMode   *PrivacyModeState `json:"privacy_mode,omitempty"`
	URLLink       string            `json:"url_link,omitempty"`
	VoiceCall     *VoiceCall        `json:"voice_call,omitempty"`
	Portable      json.RawMessage   `json:"portable,omitempty"`
}

// CMLogin mirrors one connection's login outcome to the connection manager
// so it can render the session list and prompt the user without a
// synchronous RPC back to the service.
type CMLogin struct {
	ConnID      int32  `json:"conn_id"`
	PeerID      string `json:"peer_id"`
	Name        string `json:"name,omitempty"`
	Authorized  bool   `json:"authorized"`
	IsFileTransfer bool `json:"is_file_transfer,omitempty"`
	Port        int    `json:"port,omitempty"`
	Keyboard    bool   `json:"keyboard"`
	Clipboard   bool   `json:"clipboard"`
	Audio       bool   `json:"audio"`
	File        bool   `json:"file"`
	Restart     bool   `json:"restart,omitempty"`
	Recording   bool   `json:"recording,omitempty"`
}

// ChatMessage relays a chat line between the peer and the local UI.
type ChatMessage struct {
	ConnID int32  `json:"conn_id"`
	Text   string `json:"text"`
}

// SwitchPermission toggles one admin-set permission for a live connection.
type SwitchPermission struct {
	ConnID  int32  `json:"conn_id,omitempty"` // 0 applies to every live connection
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// ConfigKV carries one config read or write. Value nil is a read request;
// the service replies with the same Name and Value set. A write carries
// Value and expects no response.
type ConfigKV struct {
	Name  string  `json:"name"`
	Value *string `json:"value,omitempty"`
}

// SocksConfig carries the optional SOCKS5 proxy the service should tunnel
// rendezvous and relay traffic through.
type SocksConfig struct {
	Proxy    string `json:"proxy"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// FS is the file-system sub-union shuttled between the service and the
// connection manager, which owns the inbound write jobs and user prompts.
type FS struct {
	Action     string        `json:"action"` // new_write, cancel_write, write_done, write_block, write_offset, check_digest, remove_file, create_dir, remove_dir
	ConnID     int32         `json:"conn_id"`
	JobID      int32         `json:"job_id"`
	FileNum    int32         `json:"file_num,omitempty"`
	Path       string        `json:"path,omitempty"`
	Files      []FSFileEntry `json:"files,omitempty"`
	Data       []byte        `json:"data,omitempty"`
	Compressed bool          `json:"compressed,omitempty"`
	Offset     int64         `json:"offset,omitempty"`
	FileSize   int64         `json:"file_size,omitempty"`
	LastModified int64       `json:"last_modified,omitempty"`
	OverwriteDetection bool  `json:"overwrite_detection,omitempty"`
	Error      string        `json:"error,omitempty"` // action "error" replies
}

// FSFileEntry is one file in an FS new_write job manifest.
type FSFileEntry struct {
	Name         string `json:"name"`
	Size         uint64 `json:"size"`
	ModifiedTime int64  `json:"modified_time"`
}

// SyncConfig pushes the (config, config2) document pair to a subscriber in
// one message so the UI never renders a half-updated view.
type SyncConfig struct {
	Config  json.RawMessage `json:"config"`
	Config2 json.RawMessage `json:"config2,omitempty"`
}

// ClipboardFile carries a file-clipboard (cliprdr) payload between the
// service and the per-connection manager.
type ClipboardFile struct {
	ConnID int32    `json:"conn_id"`
	Files  []string `json:"files"`
	Stop   bool     `json:"stop,omitempty"`
}

// KeyInject asks the session-side helper to inject one key event.
type KeyInject struct {
	Code int  `json:"code"`
	Down bool `json:"down"`
}

// MouseInject asks the session-side helper to inject one mouse event.
type MouseInject struct {
	X       int   `json:"x"`
	Y       int   `json:"y"`
	Buttons uint8 `json:"buttons"`
	Down    bool  `json:"down"`
	WheelDY int   `json:"wheel_dy,omitempty"`
}

// PrivacyModeState reports or requests a privacy-mode transition for one
// connection.
type PrivacyModeState struct {
	ConnID int32  `json:"conn_id"`
	On     bool   `json:"on"`
	Detail string `json:"detail,omitempty"`
}

// VoiceCall covers the incoming/response/close voice-call notifications;
// which one is meant is carried by the Data kind.
type VoiceCall struct {
	ConnID int32 `json:"conn_id"`
	Accept bool  `json:"accept,omitempty"`
}

// SendData frames a Data message onto the channel.
func (c *Conn) SendData(id string, d *Data) error {
	return c.SendTyped(id, TypeData, d)
}

// DataFromEnvelope parses a TypeData envelope's payload.
func DataFromEnvelope(env *Envelope) (*Data, error) {
	if env.Type != TypeData {
		return nil, fmt.Errorf("ipc: expected %s envelope, got %s", TypeData, env.Type)
	}
	var d Data
	if err := json.Unmarshal(env.Payload, &d); err != nil {
		return nil, fmt.Errorf("ipc: decode data: %w", err)
	}
	if d.Kind == "" {
		return nil, fmt.Errorf("ipc: data missing kind")
	}
	return &d, nil
}

// DataHandler implements the channel's request/response contracts: a
// Config read replies with the value, a Config write replies with nothing;
// an Options snapshot request replies with the map, an Options write is
// acknowledged with an empty Options message; Close stops the service.
// Callbacks left nil make the corresponding kind a no-op.
type DataHandler struct {
	GetConfig          func(name string) string
	SetConfig          func(name, value string)
	GetOptions         func() map[string]string
	SetOptions         func(opts map[string]string)
	OnSwitchPermission func(connID int32, name string, enabled bool)
	OnClose            func()
}

// Handle processes one Data message and returns the reply to frame back,
// or nil when the contract calls for no response.
func (h *DataHandler) Handle(d *Data) *Data {
	switch d.Kind {
	case DataConfig:
		if d.Config == nil {
			return nil
		}
		if d.Config.Value == nil {
			if h.GetConfig == nil {
				return nil
			}
			v := h.GetConfig(d.Config.Name)
			return &Data{Kind: DataConfig, Config: &ConfigKV{Name: d.Config.Name, Value: &v}}
		}
		if h.SetConfig != nil {
			h.SetConfig(d.Config.Name, *d.Config.Value)
		}
		return nil
	case DataOptions:
		if d.Options == nil {
			if h.GetOptions == nil {
				return nil
			}
			return &Data{Kind: DataOptions, Options: h.GetOptions()}
		}
		if h.SetOptions != nil {
			h.SetOptions(d.Options)
		}
		return &Data{Kind: DataOptions}
	case DataSwitchPermission:
		if d.SwitchPermission != nil && h.OnSwitchPermission != nil {
			h.OnSwitchPermission(d.SwitchPermission.ConnID, d.SwitchPermission.Name, d.SwitchPermission.Enabled)
		}
		return nil
	case DataClose:
		if h.OnClose != nil {
			h.OnClose()
		}
		return nil
	default:
		return nil
	}
}
