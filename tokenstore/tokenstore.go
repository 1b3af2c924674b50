package tokenstore

import "fmt"

// AnyDevice in a Grant's device list allows every device
const AnyDevice = "*"

// Grant is the identity and device access associated with a token
type Grant struct {
	Subject string   `json:"sub"`
	Devices []string `json:"devices"`
}

// Allows reports whether the grant gives access to the device with udid
func (g *Grant) Allows(udid string) bool {
	for _, d := range g.Devices {
		if d == AnyDevice || d == udid {
			return true
		}
	}
	return false
}

// TokenStore is an interface to generate and authenticate tokens that grant access to devices
type TokenStore interface {
	// New generates a new token for subject that grants access to devices (UDIDs, or AnyDevice)
	New(subject string, devices []string) (token string, err error)
	// Authenticate authenticates the token and returns the associated grant. If token is invalid, err will be of type InvalidTokenError
	Authenticate(token string) (grant *Grant, err error)
}

type InvalidTokenError struct {
	Err error
}

func (e *InvalidTokenError) Error() string {
	return fmt.Sprintf("invalid token: %v", e.Err)
}

func (e *InvalidTokenError) Unwrap() error {
	return e.Err
}
