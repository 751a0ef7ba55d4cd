package network

// Profile is a saved network configuration.
type Profile struct {
	ID   string
	SSID string
}

// Controller is the platform's network control surface.
type Controller interface {
	RadioEnabled() (bool, error)
	SetRadioEnabled(on bool) error
	// Profiles enumerates saved network profiles.
	Profiles() ([]Profile, error)
	// AddProfile registers a new profile and returns its identifier. An
	// empty identifier means registration failed.
	AddProfile(t Target) (string, error)
	// EnableProfile marks a profile as the one to associate with.
	EnableProfile(id string) error
	// Reconnect asks the platform to (re)associate.
	Reconnect() error
	// CurrentSSID returns the SSID of the current association, or "" when
	// not associated.
	CurrentSSID() (string, error)
}
