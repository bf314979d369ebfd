package domain

// Read-only views returned over the RPC surface. No references into the
// live entity graph, ids only.

type MediaInfo struct {
	MediaID        MediaID        `json:"mediaId"`
	MediaSessionID MediaSessionID `json:"mediaSessionId"`
	RoomID         RoomID         `json:"roomId"`
	UserID         UserID         `json:"userId"`
	Kind           SessionType    `json:"kind"`
	Profile        Profile        `json:"mediaTypes"`
	SubscribedTo   MediaID        `json:"subscribedTo,omitempty"`
	Muted          bool           `json:"muted"`
	Volume         int            `json:"volume"`
	Talking        bool           `json:"talking"`
}

type UserInfo struct {
	UserID         UserID      `json:"userId"`
	ExternalUserID string      `json:"externalUserId"`
	RoomID         RoomID      `json:"roomId"`
	AutoLeave      bool        `json:"autoLeave"`
	Medias         []MediaInfo `json:"medias"`
}

type RoomInfo struct {
	RoomID RoomID   `json:"roomId"`
	Users  []UserID `json:"users"`
}
