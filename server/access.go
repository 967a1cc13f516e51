package server

// Action is an operation a caller wants to perform on a file
type Action int

const (
	ActionRetrieve Action = iota
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionRetrieve:
		return "retrieve"
	case ActionDelete:
		return "delete"
	}
	return "unknown"
}

// Decision is the outcome of Authorize
type Decision bool

const (
	Denied  Decision = false
	Allowed Decision = true
)

// Authorize decides whether callerID may perform action on record.
// Anonymous files are open to everyone. Any other file is open to its owner
// only, and an absent identity never matches an owner.
func Authorize(record *FileRecord, callerID string, action Action) Decision {
	if record == nil {
		return Denied
	}
	if record.OwnerID == AnonymousOwner {
		return Allowed
	}
	if callerID != "" && record.OwnerID == callerID {
		return Allowed
	}
	return Denied
}
