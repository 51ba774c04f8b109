package storage

// Durable record keys.
const (
	KeyCards              = "cards"
	KeyConnections        = "card_connections"
	KeyWindows            = "nabokov_windows"
	KeyAPIKey             = "nabokov_claude_api_key"
	KeyButtons            = "nabokov_buttons"
	KeySettings           = "nabokov_settings"
	KeyViewport           = "canvas_viewport"
	ElementChatsKeyPrefix = "nabokov_element_chats_"
)

// Session record keys.
const (
	KeyFilters = "nabokov_filters"
)
