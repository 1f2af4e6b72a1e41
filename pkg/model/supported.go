package model

// ── Supported-types ──────────────────────────────────────────

// SupportedType is one row of a configuration or log supported-types table.
type SupportedType struct {
	Name    string
	Path    string
	Perm    string
	Restart string // optional service-restart binding; "" if none
}

// SupportedTypeSet is an entity's ordered, advertised capability list for a
// given operation family (configuration or logs). Reload is atomic: C9
// swaps the whole list, never exposing a partial update.
type SupportedTypeSet struct {
	Rows []SupportedType
}

// Names returns the ordered type names, as published in the 117/118 record.
func (s SupportedTypeSet) Names() []string {
	names := make([]string, len(s.Rows))
	for i, r := range s.Rows {
		names[i] = r.Name
	}
	return names
}

// Equal reports whether two sets have the same rows (name, path,
// permissions and restart binding) in the same order. Equal sets publish
// byte-identical cloud messages; sets that differ only in path,
// permissions or restart are unequal even though their published name
// lists match.
func (s SupportedTypeSet) Equal(other SupportedTypeSet) bool {
	if len(s.Rows) != len(other.Rows) {
		return false
	}
	for i, r := range s.Rows {
		if r != other.Rows[i] {
			return false
		}
	}
	return true
}

// ── Command payload ──────────────────────────────────────────

// CommandPayload is the JSON body retained on a command topic
// (te/<entity>/cmd/<op>/<cmd_id>), per spec §6.
type CommandPayload struct {
	Status     Status `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Type       string `json:"type,omitempty"`
	TedgeURL   string `json:"tedgeUrl,omitempty"`
	RemoteURL  string `json:"remoteUrl,omitempty"`
	DateFrom   string `json:"dateFrom,omitempty"`
	DateTo     string `json:"dateTo,omitempty"`
	SearchText string `json:"searchText,omitempty"`
	Lines      int    `json:"lines,omitempty"`
	Result     string `json:"result,omitempty"`
}
