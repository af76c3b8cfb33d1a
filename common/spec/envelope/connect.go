package envelope

import "encoding/json"

// ProtocolVersion is the only gateway protocol version spoken today.
const ProtocolVersion = 3

// Client ids presented during the handshake. Locally deployed gateways only
// accept ClientIDLocal; externally reachable gateways only accept
// ClientIDRemote.
const (
	ClientIDLocal  = "cli"
	ClientIDRemote = "gateway-client"
)

// ConnectParams is the params object of the connect request.
type ConnectParams struct {
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
	Client      ClientInfo  `json:"client"`
	Role        string      `json:"role"`
	Scopes      []string    `json:"scopes"`
	Caps        []string    `json:"caps"`
	Auth        ConnectAuth `json:"auth"`
	UserAgent   string      `json:"userAgent,omitempty"`
	Locale      string      `json:"locale,omitempty"`
	SessionKey  string      `json:"sessionKey,omitempty"`
}

// ClientInfo identifies the connecting party.
type ClientInfo struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	Platform   string `json:"platform"`
	Mode       string `json:"mode"`
	InstanceID string `json:"instanceId"`
}

// ConnectAuth carries the gateway token.
type ConnectAuth struct {
	Token string `json:"token"`
}

// Hello is the payload of a successful connect response.
type Hello struct {
	Protocol int             `json:"protocol"`
	Server   json.RawMessage `json:"server,omitempty"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

// NewConnectParams fills the fixed handshake fields for an operator client.
func NewConnectParams(clientID, instanceID, token, userAgent string) ConnectParams {
	return ConnectParams{
		MinProtocol: ProtocolVersion,
		MaxProtocol: ProtocolVersion,
		Client: ClientInfo{
			ID:         clientID,
			Version:    "1.0.0",
			Platform:   "linux",
			Mode:       "backend",
			InstanceID: instanceID,
		},
		Role:      "operator",
		Scopes:    []string{"operator.admin"},
		Caps:      []string{},
		Auth:      ConnectAuth{Token: token},
		UserAgent: userAgent,
		Locale:    "en-US",
	}
}
