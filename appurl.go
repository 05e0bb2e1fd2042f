package telemetry

import (
	"net/url"
	"strings"
)

const appURLBase = "https://app.foxglove.dev"

// AppURL builds a deep link into the Foxglove app pointing at a running
// server. It has no effect on the wire protocol; it exists purely so an
// embedding application can print a clickable link after starting a server.
type AppURL struct {
	websocketURL  string
	hasWebsocket  bool
	layoutID      string
	hasLayoutID   bool
	openInDesktop bool
}

// NewAppURL returns an empty AppURL pointing at the app's base page.
func NewAppURL() AppURL {
	return AppURL{}
}

// WithLayoutID sets the layout to open. If unset, the app uses its
// most-recently-used layout.
func (u AppURL) WithLayoutID(layoutID string) AppURL {
	u.layoutID = layoutID
	u.hasLayoutID = true
	return u
}

// WithOpenInDesktop requests a desktop-app URL rather than a web URL.
func (u AppURL) WithOpenInDesktop() AppURL {
	u.openInDesktop = true
	return u
}

// WithWebsocket sets a WebSocket data source, e.g. "ws://localhost:8765".
func (u AppURL) WithWebsocket(wsURL string) AppURL {
	u.websocketURL = wsURL
	u.hasWebsocket = true
	return u
}

// String formats the URL. Query parameters appear in a fixed order: data
// source, layout, then open-in-desktop.
func (u AppURL) String() string {
	var params [][2]string
	if u.hasWebsocket {
		params = append(params, [2]string{"ds", "foxglove-websocket"})
		params = append(params, [2]string{"ds.url", u.websocketURL})
	}
	if u.hasLayoutID {
		params = append(params, [2]string{"layoutId", u.layoutID})
	}
	if u.openInDesktop {
		params = append(params, [2]string{"openIn", "desktop"})
	}

	if len(params) == 0 {
		return appURLBase
	}

	var b strings.Builder
	b.WriteString(appURLBase)
	for i, kv := range params {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(kv[0])
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv[1]))
	}
	return b.String()
}
