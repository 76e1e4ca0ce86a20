package auth

import (
	"errors"

	"github.com/classchat/internal/model"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("insufficient role")
)

// Principal is the authenticated caller attached to a request.
type Principal struct {
	Email string
	Name  string
	Role  model.Role
}

func (p *Principal) IsAdmin() bool { return p != nil && p.Role == model.RoleAdmin }

// Operation names an entry point that carries an access requirement.
type Operation string

const (
	OpLogin        Operation = "auth.login"
	OpRefresh      Operation = "auth.refresh"
	OpMe           Operation = "auth.me"
	OpUpload       Operation = "chat.upload"
	OpServeFile    Operation = "chat.file"
	OpHistory      Operation = "chat.history"
	OpRecent       Operation = "chat.recent"
	OpCount        Operation = "chat.count"
	OpReact        Operation = "chat.react"
	OpReactions    Operation = "chat.reactions"
	OpMarkViewed   Operation = "chat.viewed"
	OpPresence     Operation = "chat.presence"
	OpConnect      Operation = "chat.connect"
	OpViewers      Operation = "chat.viewers"
	OpClientConfig Operation = "chat.config"
)

// Access is the requirement of one operation: public, any authenticated
// identity, or one of a set of roles.
type Access struct {
	Public bool
	Roles  []model.Role
}

var (
	public        = Access{Public: true}
	authenticated = Access{}
)

func roles(r ...model.Role) Access { return Access{Roles: r} }

// Policy maps operations to their access requirement.
type Policy map[Operation]Access

// DefaultPolicy is the access table of the chat API.
func DefaultPolicy() Policy {
	return Policy{
		OpLogin:        public,
		OpServeFile:    public,
		OpClientConfig: public,
		OpRefresh:      authenticated,
		OpMe:           authenticated,
		OpUpload:       authenticated,
		OpHistory:      authenticated,
		OpRecent:       authenticated,
		OpCount:        authenticated,
		OpReact:        authenticated,
		OpReactions:    authenticated,
		OpMarkViewed:   authenticated,
		OpPresence:     authenticated,
		OpConnect:      authenticated,
		OpViewers:      roles(model.RoleAdmin, model.RoleTeacher),
	}
}

// Authorize evaluates the requirement of op against p (nil when the request
// carried no valid token). Unknown operations are denied.
func (pol Policy) Authorize(op Operation, p *Principal) error {
	acc, ok := pol[op]
	if !ok {
		return ErrForbidden
	}
	if acc.Public {
		return nil
	}
	if p == nil {
		return ErrUnauthenticated
	}
	if len(acc.Roles) == 0 {
		return nil
	}
	for _, r := range acc.Roles {
		if p.Role == r {
			return nil
		}
	}
	return ErrForbidden
}
