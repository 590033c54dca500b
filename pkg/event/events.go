package event

const (
	AdminObjectAdded   = "admin.objectAdded"
	AdminObjectChanged = "admin.objectChanged"
	AdminObjectDeleted = "admin.objectDeleted"
	AuthLoggedIn       = "auth.loggedIn"
	AuthLoggedOut      = "auth.loggedOut"
)

// ObjectRef identifies an object managed through the admin.
type ObjectRef struct {
	AppLabel string `json:"app_label"`
	Model    string `json:"model"`
	ObjectID string `json:"object_id"`
	Repr     string `json:"repr"`
	// UserID is the staff user who made the change.
	UserID uint `json:"user_id"`
}

// ObjectAddedEvent is emitted after an admin add.
type ObjectAddedEvent struct{ ObjectRef }

func (e ObjectAddedEvent) EventName() string { return AdminObjectAdded }

// ObjectChangedEvent is emitted after an admin change.
type ObjectChangedEvent struct {
	ObjectRef
	Fields []string `json:"fields,omitempty"`
}

func (e ObjectChangedEvent) EventName() string { return AdminObjectChanged }

// ObjectDeletedEvent is emitted after an admin delete.
type ObjectDeletedEvent struct{ ObjectRef }

func (e ObjectDeletedEvent) EventName() string { return AdminObjectDeleted }

type LoggedInEvent struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
}

func (e LoggedInEvent) EventName() string { return AuthLoggedIn }

type LoggedOutEvent struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
}

func (e LoggedOutEvent) EventName() string { return AuthLoggedOut }
