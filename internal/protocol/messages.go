// Package protocol defines the hub's websocket wire frames and the
// validation applied to every inbound payload before it reaches a
// handler.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/livetranslate/hub/internal/session"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Inbound from operator connections.
	TypeAdminAuth            MessageType = "admin-auth"
	TypeTokenRefresh         MessageType = "token-refresh"
	TypeStartSession         MessageType = "start-session"
	TypeEndSession           MessageType = "end-session"
	TypeUpdateSessionConfig  MessageType = "update-session-config"
	TypeListSessions         MessageType = "list-sessions"
	TypeAdminSessionAccess   MessageType = "admin-session-access"
	TypeBroadcastTranslation MessageType = "broadcast-translation"
	TypeGenerateTTS          MessageType = "generate-tts"
	TypeTTSConfigUpdate      MessageType = "tts-config-update"
	TypeLanguageUpdate       MessageType = "language-update"

	// Inbound from listener connections.
	TypeJoinSession    MessageType = "join-session"
	TypeLeaveSession   MessageType = "leave-session"
	TypeChangeLanguage MessageType = "change-language"

	// Outbound.
	TypeAdminAuthResponse           MessageType = "admin-auth-response"
	TypeTokenRefreshResponse        MessageType = "token-refresh-response"
	TypeAdminReconnection           MessageType = "admin-reconnection"
	TypeAdminError                  MessageType = "admin-error"
	TypeStartSessionResponse        MessageType = "start-session-response"
	TypeEndSessionResponse          MessageType = "end-session-response"
	TypeUpdateSessionConfigResponse MessageType = "update-session-config-response"
	TypeListSessionsResponse        MessageType = "list-sessions-response"
	TypeGenerateTTSResponse         MessageType = "generate-tts-response"
	TypeSessionMetadata             MessageType = "session-metadata"
	TypeSessionMetadataUpdate       MessageType = "session-metadata-update"
	TypeSessionEnded                MessageType = "session-ended"
	TypeConfigUpdated               MessageType = "config-updated"
	TypeTranslation                 MessageType = "translation"
	TypeLanguageRemoved             MessageType = "language-removed"
	TypeTokenExpiryWarning          MessageType = "token-expiry-warning"
	TypeTTSFallback                 MessageType = "tts-fallback"
	TypeServerShutdown              MessageType = "server-shutdown"
	TypeError                       MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// Envelope carries only the discriminator, used for a first-pass decode.
type Envelope struct {
	Type MessageType `json:"type"`
}

// AuthMethod selects the admin-auth flow.
type AuthMethod string

const (
	AuthMethodCredentials AuthMethod = "credentials"
	AuthMethodToken       AuthMethod = "token"
)

type AdminAuth struct {
	Type     MessageType `json:"type"`
	Method   AuthMethod  `json:"method"`
	Username string      `json:"username,omitempty"`
	Password string      `json:"password,omitempty"`
	Token    string      `json:"token,omitempty"`
}

type TokenRefresh struct {
	Type         MessageType `json:"type"`
	Username     string      `json:"username"`
	RefreshToken string      `json:"refreshToken"`
}

type StartSession struct {
	Type      MessageType    `json:"type"`
	SessionID string         `json:"sessionId"`
	Config    session.Config `json:"config"`
}

type EndSession struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

type UpdateSessionConfig struct {
	Type      MessageType    `json:"type"`
	SessionID string         `json:"sessionId"`
	Config    session.Config `json:"config"`
}

type ListSessions struct {
	Type   MessageType `json:"type"`
	Filter string      `json:"filter,omitempty"` // "all" (default) or "owned"
}

type AdminSessionAccess struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Mode      string      `json:"mode"` // "read" or "write"
}

type BroadcastTranslation struct {
	Type         MessageType       `json:"type"`
	SessionID    string            `json:"sessionId"`
	SourceText   string            `json:"sourceText"`
	Translations map[string]string `json:"translations"`
	GenerateTTS  bool              `json:"generateTts"`
	VoiceTier    string            `json:"voiceTier,omitempty"`
}

type GenerateTTS struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Text      string      `json:"text"`
	Language  string      `json:"language"`
	VoiceTier string      `json:"voiceTier,omitempty"`
}

type TTSConfigUpdate struct {
	Type         MessageType          `json:"type"`
	SessionID    string               `json:"sessionId"`
	TTSMode      session.TTSMode      `json:"ttsMode,omitempty"`
	AudioQuality session.AudioQuality `json:"audioQuality,omitempty"`
}

type LanguageUpdate struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Languages []string    `json:"enabledLanguages"`
}

type JoinSession struct {
	Type              MessageType          `json:"type"`
	SessionID         string               `json:"sessionId"`
	PreferredLanguage string               `json:"preferredLanguage"`
	Capabilities      session.Capabilities `json:"capabilities"`
}

type LeaveSession struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

type ChangeLanguage struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"sessionId"`
	NewLanguage string      `json:"newLanguage"`
}

// SessionView is the externally visible session shape included in list
// and metadata responses.
type SessionView struct {
	SessionID     string         `json:"sessionId"`
	CreatedBy     string         `json:"createdBy"`
	Config        session.Config `json:"config"`
	Status        string         `json:"status"`
	ListenerCount int            `json:"listenerCount"`
	IsOwner       bool           `json:"isOwner"`
	CreatedAt     time.Time      `json:"createdAt"`
	LastActivity  time.Time      `json:"lastActivity"`
}

// ViewOf converts a registry snapshot into its wire shape.
func ViewOf(s session.Snapshot) SessionView {
	return SessionView{
		SessionID:     s.SessionID,
		CreatedBy:     s.CreatedBy,
		Config:        s.Config,
		Status:        string(s.Status),
		ListenerCount: s.ListenerCount,
		IsOwner:       s.IsOwner,
		CreatedAt:     s.CreatedAt,
		LastActivity:  s.LastActivity,
	}
}

// Tokens are the provider credentials forwarded verbatim to the operator
// client on a successful credentials authentication. The hub never stores
// them.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int32  `json:"expiresIn"`
}

// Permissions is the operator permission bitmap returned on auth.
type Permissions struct {
	CanCreateSessions bool `json:"canCreateSessions"`
}

type AdminAuthResponse struct {
	Type          MessageType   `json:"type"`
	Success       bool          `json:"success"`
	AdminID       string        `json:"adminId"`
	Username      string        `json:"username"`
	Email         string        `json:"email,omitempty"`
	Tokens        *Tokens       `json:"tokens,omitempty"`
	OwnedSessions []SessionView `json:"ownedSessions"`
	AllSessions   []SessionView `json:"allSessions"`
	Permissions   Permissions   `json:"permissions"`
	Timestamp     string        `json:"timestamp"`
}

type TokenRefreshResponse struct {
	Type        MessageType `json:"type"`
	Success     bool        `json:"success"`
	AccessToken string      `json:"accessToken"`
	ExpiresIn   int32       `json:"expiresIn"`
	Timestamp   string      `json:"timestamp"`
}

type AdminReconnection struct {
	Type              MessageType `json:"type"`
	AdminID           string      `json:"adminId"`
	RecoveredSessions []string    `json:"recoveredSessions"`
	Timestamp         string      `json:"timestamp"`
}

type StartSessionResponse struct {
	Type      MessageType `json:"type"`
	Success   bool        `json:"success"`
	Session   SessionView `json:"session"`
	Timestamp string      `json:"timestamp"`
}

type EndSessionResponse struct {
	Type      MessageType `json:"type"`
	Success   bool        `json:"success"`
	SessionID string      `json:"sessionId"`
	Timestamp string      `json:"timestamp"`
}

type UpdateSessionConfigResponse struct {
	Type             MessageType `json:"type"`
	Success          bool        `json:"success"`
	Session          SessionView `json:"session"`
	RemovedLanguages []string    `json:"removedLanguages,omitempty"`
	Timestamp        string      `json:"timestamp"`
}

type ListSessionsResponse struct {
	Type      MessageType   `json:"type"`
	Sessions  []SessionView `json:"sessions"`
	Timestamp string        `json:"timestamp"`
}

// AudioMetadata describes a synthesized audio object referenced by URL.
type AudioMetadata struct {
	Format       string `json:"format"`
	MIMEType     string `json:"mimeType"`
	SizeBytes    int64  `json:"sizeBytes"`
	DurationMS   int64  `json:"durationMs"`
	VoiceProfile string `json:"voiceProfile"`
	Tier         string `json:"tier"`
}

type GenerateTTSResponse struct {
	Type      MessageType    `json:"type"`
	Success   bool           `json:"success"`
	SessionID string         `json:"sessionId"`
	Language  string         `json:"language"`
	AudioURL  string         `json:"audioUrl,omitempty"`
	Audio     *AudioMetadata `json:"audioMetadata,omitempty"`
	Tier      string         `json:"tier"`
	Timestamp string         `json:"timestamp"`
}

type SessionMetadata struct {
	Type      MessageType `json:"type"`
	Session   SessionView `json:"session"`
	Timestamp string      `json:"timestamp"`
}

type SessionMetadataUpdate struct {
	Type      MessageType `json:"type"`
	Session   SessionView `json:"session"`
	Timestamp string      `json:"timestamp"`
}

type SessionEnded struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type ConfigUpdated struct {
	Type      MessageType    `json:"type"`
	SessionID string         `json:"sessionId"`
	Config    session.Config `json:"config"`
	Timestamp string         `json:"timestamp"`
}

// TTSConfigUpdated is the outbound form of tts-config-update, pushed to
// listeners and echoed to the operator after a change takes effect.
type TTSConfigUpdated struct {
	Type         MessageType          `json:"type"`
	SessionID    string               `json:"sessionId"`
	TTSMode      session.TTSMode      `json:"ttsMode"`
	AudioQuality session.AudioQuality `json:"audioQuality"`
	Timestamp    string               `json:"timestamp"`
}

// Translation is the per-listener personalized broadcast frame: one per
// listener per broadcast, carrying only that listener's language.
type Translation struct {
	Type         MessageType    `json:"type"`
	SessionID    string         `json:"sessionId"`
	SourceText   string         `json:"sourceText"`
	Language     string         `json:"language"`
	Text         string         `json:"text"`
	AudioURL     *string        `json:"audioUrl"`
	Audio        *AudioMetadata `json:"audioMetadata,omitempty"`
	TTSAvailable bool           `json:"ttsAvailable"`
	Tier         string         `json:"tier,omitempty"`
	Timestamp    string         `json:"timestamp"`
}

type LanguageRemoved struct {
	Type               MessageType `json:"type"`
	SessionID          string      `json:"sessionId"`
	Language           string      `json:"language"`
	RemainingLanguages []string    `json:"remainingLanguages"`
	Timestamp          string      `json:"timestamp"`
}

type TokenExpiryWarning struct {
	Type             MessageType `json:"type"`
	ExpiresInSeconds int32       `json:"expiresInSeconds"`
	Timestamp        string      `json:"timestamp"`
}

// TTSFallback notifies the operator that synthesis degraded to a lower
// tier; non-fatal.
type TTSFallback struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Language  string      `json:"language"`
	FromTier  string      `json:"fromTier"`
	ToTier    string      `json:"toTier"`
	Reason    string      `json:"reason"`
	Timestamp string      `json:"timestamp"`
}

type ServerShutdown struct {
	Type      MessageType `json:"type"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// ErrorFrame is the simple legacy error form used for listener
// connections.
type ErrorFrame struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Timestamp string      `json:"timestamp"`
}

// Now returns the ISO-8601 UTC timestamp carried by every outbound frame.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

type clientInbound struct {
	Type              MessageType          `json:"type"`
	Method            AuthMethod           `json:"method"`
	Username          string               `json:"username"`
	Password          string               `json:"password"`
	Token             string               `json:"token"`
	RefreshToken      string               `json:"refreshToken"`
	SessionID         string               `json:"sessionId"`
	Config            *session.Config      `json:"config"`
	Filter            string               `json:"filter"`
	Mode              string               `json:"mode"`
	SourceText        string               `json:"sourceText"`
	Translations      map[string]string    `json:"translations"`
	GenerateTTS       bool                 `json:"generateTts"`
	VoiceTier         string               `json:"voiceTier"`
	Text              string               `json:"text"`
	Language          string               `json:"language"`
	TTSMode           session.TTSMode      `json:"ttsMode"`
	AudioQuality      session.AudioQuality `json:"audioQuality"`
	Languages         []string             `json:"enabledLanguages"`
	PreferredLanguage string               `json:"preferredLanguage"`
	Capabilities      session.Capabilities `json:"capabilities"`
	NewLanguage       string               `json:"newLanguage"`
}

// ParseClientMessage decodes and validates one inbound frame from either
// an operator or a listener connection. The operator/listener distinction
// is made by the router from the frame type, not here.
func ParseClientMessage(raw []byte) (any, error) {
	var in clientInbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch in.Type {
	case TypeAdminAuth:
		switch in.Method {
		case AuthMethodCredentials:
			if in.Username == "" || in.Password == "" {
				return nil, errors.New("admin-auth with method=credentials requires username and password")
			}
		case AuthMethodToken:
			if in.Token == "" {
				return nil, errors.New("admin-auth with method=token requires token")
			}
		default:
			return nil, errors.New("admin-auth method must be credentials or token")
		}
		return AdminAuth{Type: in.Type, Method: in.Method, Username: in.Username, Password: in.Password, Token: in.Token}, nil

	case TypeTokenRefresh:
		if in.Username == "" || in.RefreshToken == "" {
			return nil, errors.New("token-refresh requires username and refreshToken")
		}
		return TokenRefresh{Type: in.Type, Username: in.Username, RefreshToken: in.RefreshToken}, nil

	case TypeStartSession:
		if in.SessionID == "" || in.Config == nil {
			return nil, errors.New("start-session requires sessionId and config")
		}
		return StartSession{Type: in.Type, SessionID: in.SessionID, Config: *in.Config}, nil

	case TypeEndSession:
		if in.SessionID == "" {
			return nil, errors.New("end-session requires sessionId")
		}
		return EndSession{Type: in.Type, SessionID: in.SessionID}, nil

	case TypeUpdateSessionConfig:
		if in.SessionID == "" || in.Config == nil {
			return nil, errors.New("update-session-config requires sessionId and config")
		}
		return UpdateSessionConfig{Type: in.Type, SessionID: in.SessionID, Config: *in.Config}, nil

	case TypeListSessions:
		switch in.Filter {
		case "", "all", "owned":
		default:
			return nil, errors.New("list-sessions filter must be all or owned")
		}
		return ListSessions{Type: in.Type, Filter: in.Filter}, nil

	case TypeAdminSessionAccess:
		if in.SessionID == "" {
			return nil, errors.New("admin-session-access requires sessionId")
		}
		if in.Mode != "read" && in.Mode != "write" {
			return nil, errors.New("admin-session-access mode must be read or write")
		}
		return AdminSessionAccess{Type: in.Type, SessionID: in.SessionID, Mode: in.Mode}, nil

	case TypeBroadcastTranslation:
		if in.SessionID == "" || len(in.Translations) == 0 {
			return nil, errors.New("broadcast-translation requires sessionId and translations")
		}
		return BroadcastTranslation{
			Type:         in.Type,
			SessionID:    in.SessionID,
			SourceText:   in.SourceText,
			Translations: in.Translations,
			GenerateTTS:  in.GenerateTTS,
			VoiceTier:    in.VoiceTier,
		}, nil

	case TypeGenerateTTS:
		if in.SessionID == "" || in.Text == "" || in.Language == "" {
			return nil, errors.New("generate-tts requires sessionId, text, and language")
		}
		return GenerateTTS{Type: in.Type, SessionID: in.SessionID, Text: in.Text, Language: in.Language, VoiceTier: in.VoiceTier}, nil

	case TypeTTSConfigUpdate:
		if in.SessionID == "" {
			return nil, errors.New("tts-config-update requires sessionId")
		}
		return TTSConfigUpdate{Type: in.Type, SessionID: in.SessionID, TTSMode: in.TTSMode, AudioQuality: in.AudioQuality}, nil

	case TypeLanguageUpdate:
		if in.SessionID == "" || len(in.Languages) == 0 {
			return nil, errors.New("language-update requires sessionId and enabledLanguages")
		}
		return LanguageUpdate{Type: in.Type, SessionID: in.SessionID, Languages: in.Languages}, nil

	case TypeJoinSession:
		if in.SessionID == "" || in.PreferredLanguage == "" {
			return nil, errors.New("join-session requires sessionId and preferredLanguage")
		}
		return JoinSession{
			Type:              in.Type,
			SessionID:         in.SessionID,
			PreferredLanguage: in.PreferredLanguage,
			Capabilities:      in.Capabilities,
		}, nil

	case TypeLeaveSession:
		if in.SessionID == "" {
			return nil, errors.New("leave-session requires sessionId")
		}
		return LeaveSession{Type: in.Type, SessionID: in.SessionID}, nil

	case TypeChangeLanguage:
		if in.SessionID == "" || in.NewLanguage == "" {
			return nil, errors.New("change-language requires sessionId and newLanguage")
		}
		return ChangeLanguage{Type: in.Type, SessionID: in.SessionID, NewLanguage: in.NewLanguage}, nil

	default:
		return nil, ErrUnsupportedType
	}
}

// MessageTypeOf reports the discriminator of a known frame value, for
// metrics labeling.
func MessageTypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case AdminAuth:
		return m.Type, true
	case TokenRefresh:
		return m.Type, true
	case StartSession:
		return m.Type, true
	case EndSession:
		return m.Type, true
	case UpdateSessionConfig:
		return m.Type, true
	case ListSessions:
		return m.Type, true
	case AdminSessionAccess:
		return m.Type, true
	case BroadcastTranslation:
		return m.Type, true
	case GenerateTTS:
		return m.Type, true
	case TTSConfigUpdate:
		return m.Type, true
	case LanguageUpdate:
		return m.Type, true
	case JoinSession:
		return m.Type, true
	case LeaveSession:
		return m.Type, true
	case ChangeLanguage:
		return m.Type, true
	case AdminAuthResponse:
		return m.Type, true
	case TokenRefreshResponse:
		return m.Type, true
	case AdminReconnection:
		return m.Type, true
	case AdminError:
		return m.Type, true
	case StartSessionResponse:
		return m.Type, true
	case EndSessionResponse:
		return m.Type, true
	case UpdateSessionConfigResponse:
		return m.Type, true
	case ListSessionsResponse:
		return m.Type, true
	case GenerateTTSResponse:
		return m.Type, true
	case SessionMetadata:
		return m.Type, true
	case SessionMetadataUpdate:
		return m.Type, true
	case SessionEnded:
		return m.Type, true
	case ConfigUpdated:
		return m.Type, true
	case TTSConfigUpdated:
		return m.Type, true
	case Translation:
		return m.Type, true
	case LanguageRemoved:
		return m.Type, true
	case TokenExpiryWarning:
		return m.Type, true
	case TTSFallback:
		return m.Type, true
	case ServerShutdown:
		return m.Type, true
	case ErrorFrame:
		return m.Type, true
	default:
		return "", false
	}
}
