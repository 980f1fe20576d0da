package protocol

// ClientEntity describes a connected client.
type ClientEntity struct {
	ID           uint32 `json:"id"`
	Name         string `json:"name"`
	VideoEnabled bool   `json:"videoenabled"`
}

// ChannelEntity describes a conference channel.
type ChannelEntity struct {
	ID                  uint32 `json:"id"`
	Name                string `json:"name"`
	IsPasswordProtected bool   `json:"ispasswordprotected"`
	IsPersistent        bool   `json:"ispersistent"`
}

// AuthParams are the parameters of "auth".
type AuthParams struct {
	Version      int    `json:"version"`
	Username     string `json:"username"`
	Password     string `json:"password,omitempty"`
	VideoEnabled bool   `json:"videoenabled"`
}

// AuthResult is the OK response of "auth".
type AuthResult struct {
	Client    ClientEntity `json:"client"`
	AuthToken string       `json:"authtoken"`
}

// ChannelParams are the parameters of "joinchannel" and "leavechannel".
type ChannelParams struct {
	ChannelID uint32 `json:"channelid"`
	Password  string `json:"password,omitempty"`
}

// JoinChannelResult is the OK response of "joinchannel".
type JoinChannelResult struct {
	Channel      ChannelEntity  `json:"channel"`
	Participants []ClientEntity `json:"participants"`
}

// ChannelClientNotification is the body of the joined/left channel
// notifications.
type ChannelClientNotification struct {
	Channel ChannelEntity `json:"channel"`
	Client  ClientEntity  `json:"client"`
}

// ClientNotification is the body of the per-client notifications.
type ClientNotification struct {
	Client ClientEntity `json:"client"`
}
