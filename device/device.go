package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// LockdownPort is the port lockdownd listens on
const LockdownPort uint16 = 62078

// ErrClosed is returned when a Handle is used after Close
var ErrClosed = errors.New("device handle closed")

// ErrUnavailable is wrapped by errors from a Handle that could not start a device service
var ErrUnavailable = errors.New("device service unavailable")

// Provider is an interface for reaching a single paired device
type Provider interface {
	// UDID returns the unique device identifier of the device
	UDID() string
	// Connect opens a raw connection to port on the device
	Connect(ctx context.Context, port uint16) (net.Conn, error)
	// PairRecord returns the pairing credentials the host shares with the device
	PairRecord(ctx context.Context) (*PairRecord, error)
}

// ServiceError is an error reported by lockdownd or a device service
type ServiceError struct {
	Service     string
	Code        string
	Description string
}

func (e *ServiceError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s error: %s (%s)", e.Service, e.Code, e.Description)
	}
	return fmt.Sprintf("%s error: %s", e.Service, e.Code)
}

// AppType selects which applications installation_proxy returns
type AppType string

const (
	AppTypeAny    AppType = "Any"
	AppTypeUser   AppType = "User"
	AppTypeSystem AppType = "System"
	AppTypeHidden AppType = "Hidden"
)

// ParseAppType parses s case-insensitively. An empty string is AppTypeAny
func ParseAppType(s string) (AppType, error) {
	switch strings.ToLower(s) {
	case "", "any":
		return AppTypeAny, nil
	case "user":
		return AppTypeUser, nil
	case "system":
		return AppTypeSystem, nil
	case "hidden":
		return AppTypeHidden, nil
	}
	return "", fmt.Errorf("unknown application type: %q", s)
}

// App is the metadata installation_proxy reports for an installed application
type App struct {
	BundleID      string                 `plist:"CFBundleIdentifier"`
	DisplayName   string                 `plist:"CFBundleDisplayName,omitempty"`
	BundleName    string                 `plist:"CFBundleName,omitempty"`
	Executable    string                 `plist:"CFBundleExecutable,omitempty"`
	ShortVersion  string                 `plist:"CFBundleShortVersionString,omitempty"`
	BundleVersion string                 `plist:"CFBundleVersion,omitempty"`
	Type          string                 `plist:"ApplicationType,omitempty"`
	Path          string                 `plist:"Path,omitempty"`
	Tags          []string               `plist:"SBAppTags,omitempty"`
	Entitlements  map[string]interface{} `plist:"Entitlements,omitempty"`
}

// AppAttributes are the attributes requested from installation_proxy for every App
var AppAttributes = []string{
	"CFBundleIdentifier",
	"CFBundleDisplayName",
	"CFBundleName",
	"CFBundleExecutable",
	"CFBundleShortVersionString",
	"CFBundleVersion",
	"ApplicationType",
	"Path",
	"SBAppTags",
	"Entitlements",
}

// Debuggable reports whether the app is signed with the get-task-allow entitlement
func (a *App) Debuggable() bool {
	allow, ok := a.Entitlements["get-task-allow"].(bool)
	return ok && allow
}

// Hidden reports whether SpringBoard hides the app from the home screen
func (a *App) Hidden() bool {
	if a.Type == string(AppTypeHidden) {
		return true
	}
	for _, t := range a.Tags {
		if t == "hidden" {
			return true
		}
	}
	return false
}

// Info is basic information about a device
type Info struct {
	UDID           string `json:"udid"`
	Name           string `json:"name"`
	ProductType    string `json:"product_type"`
	ProductVersion string `json:"product_version"`
}
