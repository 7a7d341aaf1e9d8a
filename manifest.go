package smana

import (
	"net/http"
)

// ManifestIcon is an icon or screenshot entry.
type ManifestIcon struct {
	Src        string `json:"src"`
	Sizes      string `json:"sizes"`
	Type       string `json:"type"`
	Purpose    string `json:"purpose,omitempty"`
	FormFactor string `json:"form_factor,omitempty"`
	Label      string `json:"label,omitempty"`
}

type ManifestShortcut struct {
	Name        string         `json:"name"`
	ShortName   string         `json:"short_name"`
	Description string         `json:"description"`
	URL         string         `json:"url"`
	Icons       []ManifestIcon `json:"icons"`
}

// Manifest is the installable-app manifest.
type Manifest struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	ShortName       string             `json:"short_name"`
	Description     string             `json:"description"`
	StartURL        string             `json:"start_url"`
	Scope           string             `json:"scope"`
	Display         string             `json:"display"`
	Orientation     string             `json:"orientation"`
	BackgroundColor string             `json:"background_color"`
	ThemeColor      string             `json:"theme_color"`
	Icons           []ManifestIcon     `json:"icons"`
	Screenshots     []ManifestIcon     `json:"screenshots"`
	Shortcuts       []ManifestShortcut `json:"shortcuts"`
	Categories      []string           `json:"categories"`
}

// AdminManifest returns the admin panel's manifest.
func AdminManifest() Manifest {
	shortcutIcon := []ManifestIcon{{Src: "/icon-96.png", Sizes: "96x96", Type: "image/png"}}
	return Manifest{
		ID:              "/dashboard",
		Name:            "SMANA Hotel Admin",
		ShortName:       "SMANA Admin",
		Description:     "Luxury Hotel Administration — Operations Dashboard",
		StartURL:        "/dashboard",
		Scope:           "/",
		Display:         "standalone",
		Orientation:     "any",
		BackgroundColor: "#0f172a",
		ThemeColor:      "#6366f1",
		Icons: []ManifestIcon{
			{Src: "/icon-96.png", Sizes: "96x96", Type: "image/png", Purpose: "any"},
			{Src: "/icon-192.png", Sizes: "192x192", Type: "image/png", Purpose: "any"},
			{Src: "/icon-512.png", Sizes: "512x512", Type: "image/png", Purpose: "maskable"},
			{Src: "/icon-512.png", Sizes: "512x512", Type: "image/png", Purpose: "any"},
		},
		Screenshots: []ManifestIcon{
			{Src: "/screenshot-desktop.png", Sizes: "1280x720", Type: "image/png", FormFactor: "wide", Label: "SMANA Admin Dashboard on Desktop"},
			{Src: "/screenshot-mobile.png", Sizes: "390x844", Type: "image/png", FormFactor: "narrow", Label: "SMANA Admin on Mobile"},
		},
		Shortcuts: []ManifestShortcut{
			{Name: "Dashboard", ShortName: "Dashboard", Description: "Go to the main dashboard", URL: "/dashboard", Icons: shortcutIcon},
			{Name: "Requests", ShortName: "Requests", Description: "View service requests", URL: "/dashboard/requests", Icons: shortcutIcon},
		},
		Categories: []string{"productivity", "utilities"},
	}
}

// ManifestHandler serves m as application/manifest+json.
func ManifestHandler(m Manifest) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}
		rw.Header().Set("Cache-Control", "public, max-age=3600")
		writeJSONType(rw, http.StatusOK, "application/manifest+json", m)
	})
}
