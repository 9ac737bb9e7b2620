package version

const (
	AppName = "voicemirror"
	Version = "0.3.0"

	// AppID is the app name the display client routes messages by.
	AppID = "discord"
)
