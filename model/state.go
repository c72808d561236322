package model

// EntityState is a snapshot of one Home Assistant entity.
type EntityState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged string         `json:"last_changed,omitempty"`
	LastUpdated string         `json:"last_updated,omitempty"`
}

// FriendlyName returns the friendly_name attribute or "".
func (s EntityState) FriendlyName() string {
	return s.attr("friendly_name")
}

// Icon returns the icon attribute or "".
func (s EntityState) Icon() string {
	return s.attr("icon")
}

func (s EntityState) attr(name string) string {
	v, _ := s.Attributes[name].(string)
	return v
}

// User is the account the connection is authenticated as.
type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IsOwner bool   `json:"is_owner"`
	IsAdmin bool   `json:"is_admin"`
}
