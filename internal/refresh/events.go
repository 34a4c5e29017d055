// Package refresh keeps foreground mailbox state current: a push-event stream
// drives minimal, targeted resyncs, and a low-frequency fallback poll covers
// the stretches where push is down.
package refresh

// EventType names a mutation event on the push stream.
type EventType string

const (
	EventNewMail         EventType = "mail.new"
	EventMessagesMoved   EventType = "mail.moved"
	EventMessagesCopied  EventType = "mail.copied"
	EventFlagsChanged    EventType = "mail.flags"
	EventExpunged        EventType = "mail.expunged"
	EventFolderCreated   EventType = "folder.created"
	EventFolderDeleted   EventType = "folder.deleted"
	EventFolderRenamed   EventType = "folder.renamed"
	EventCalendarChanged EventType = "calendar.changed"
	EventContactsChanged EventType = "contacts.changed"

	EventReleasePublished EventType = "release.published"
)

// PushClient is one persistent push connection. Reconnect and backoff are the
// client's own business; the controller only observes Connected.
type PushClient interface {
	Connect() error
	Destroy()
	On(event string, fn func(payload []byte))
	Connected() bool
}

// Stores are the opaque store-refresh callbacks the controller drives.
type Stores interface {
	// ReloadMessages resyncs one folder's message list (metadata only,
	// bodies deferred).
	ReloadMessages(folder string)
	// ReloadFolders reloads the folder list.
	ReloadFolders()
	// CurrentFolder names the folder the user is looking at.
	CurrentFolder() string
}

// Notification is a generic "something changed" dispatch for collections the
// mailbox does not own (calendar, contacts, releases). Consumers re-query
// independently.
type Notification struct {
	Kind    EventType
	Payload Payload
}
