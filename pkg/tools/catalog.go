package tools

// Capability groups related tools. Each capability is one "agent" as the
// user sees it.
type Capability string

const (
	CapabilityFiles        Capability = "files"
	CapabilityWeb          Capability = "web"
	CapabilityProductivity Capability = "productivity"
	CapabilityComms        Capability = "comms"
)

// CapabilityInfo is the user-facing name and emoji of a capability.
type CapabilityInfo struct {
	Capability  Capability
	Name        string
	Emoji       string
	Description string
}

// ToolDefinition holds the metadata for one tool.
type ToolDefinition struct {
	Name        string
	Capability  Capability
	Description string
}

// Catalog is the fixed list of capabilities and tools.
type Catalog struct {
	Capabilities []CapabilityInfo
	Tools        []ToolDefinition
}

// Lookup returns the definition for name.
func (c Catalog) Lookup(name string) (ToolDefinition, bool) {
	for _, t := range c.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolDefinition{}, false
}

// CapabilityOf returns the capability info for a tool name.
func (c Catalog) CapabilityOf(name string) (CapabilityInfo, bool) {
	def, ok := c.Lookup(name)
	if !ok {
		return CapabilityInfo{}, false
	}
	for _, info := range c.Capabilities {
		if info.Capability == def.Capability {
			return info, true
		}
	}
	return CapabilityInfo{}, false
}

// DefaultCatalog returns the built-in catalog shared by the cloud backend
// (reply formatting) and the local agent (dispatch).
func DefaultCatalog() Catalog {
	return Catalog{
		Capabilities: []CapabilityInfo{
			{CapabilityFiles, "Files Agent", "📁", "Search, read, create and list files on your computer"},
			{CapabilityWeb, "Web Agent", "🌐", "Search the web, extract page content and watch pages for changes"},
			{CapabilityProductivity, "Productivity Agent", "📅", "Calendar, notes, reminders and tasks"},
			{CapabilityComms, "Comms Agent", "💬", "Send, draft, list, read and reply to email"},
		},
		Tools: []ToolDefinition{
			{"files_search", CapabilityFiles, "Search files by name, optionally filtered by type"},
			{"files_read", CapabilityFiles, "Read the contents of a text file"},
			{"files_create", CapabilityFiles, "Create a file with the given content"},
			{"files_list", CapabilityFiles, "List the entries of a directory"},

			{"web_search", CapabilityWeb, "Search the web with Brave Search"},
			{"web_scrape", CapabilityWeb, "Extract the readable content of a page, optionally by CSS selector"},
			{"web_monitor", CapabilityWeb, "Hash a page and report whether it changed since the last check"},

			{"calendar_list_events", CapabilityProductivity, "List calendar events in a date range"},
			{"calendar_create_event", CapabilityProductivity, "Create a calendar event"},
			{"notes_create", CapabilityProductivity, "Create a note"},
			{"notes_search", CapabilityProductivity, "Search notes by title, content or tag"},
			{"notes_read", CapabilityProductivity, "Read a note by id"},
			{"reminder_create", CapabilityProductivity, "Create a reminder"},
			{"tasks_list", CapabilityProductivity, "List tasks by status"},
			{"tasks_create", CapabilityProductivity, "Create a task"},
			{"tasks_complete", CapabilityProductivity, "Mark a task completed"},

			{"email_send", CapabilityComms, "Send an email over SMTP"},
			{"email_draft", CapabilityComms, "Save an email draft"},
			{"email_list", CapabilityComms, "List emails in a folder"},
			{"email_read", CapabilityComms, "Read an email by id"},
			{"email_reply", CapabilityComms, "Reply to an email"},
		},
	}
}
