// Package auth decides who the caller is and where they belong.
//
// Identity comes from the school application's session: the user_id cookie
// names the user ("Guest" is anonymous) and get_user_roles lists the roles.
// The routing policy is a set of plain functions over an AuthContext so the
// decision can be made anywhere, not only inside HTTP middleware.
package auth

import (
	"errors"
	"slices"
	"strings"
)

// Role is a role name held in the school application.
type Role string

const (
	RoleAdministrator Role = "Administrator"
	RoleInstructor    Role = "Instructor"
	RoleGuardian      Role = "Guardian"
)

// Portal is the role the user picked on the login screen.
type Portal string

const (
	PortalNone    Portal = ""
	PortalTeacher Portal = "teacher"
	PortalParent  Portal = "parent"
)

// ParsePortal accepts the login screen's values case-insensitively. Unknown
// values mean no selection.
func ParsePortal(s string) Portal {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "teacher", "instructor":
		return PortalTeacher
	case "parent", "guardian":
		return PortalParent
	default:
		return PortalNone
	}
}

// Route names a landing page.
type Route string

const (
	RouteTeacherHome Route = "Teacherhome"
	RouteParentHome  Route = "Parenthome"
	RouteHome        Route = "Home"
	RouteLogin       Route = "Login"
)

const guestUser = "Guest"

// AccessRestrictedMessage is shown when a logged-in user holds neither
// portal role.
const AccessRestrictedMessage = "Your account does not have the required permissions (Instructor or Guardian role) to access this application."

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrAccessRestricted = errors.New("access restricted: " + AccessRestrictedMessage)
	ErrNotAdmin         = errors.New("access denied: administrator privileges are required to access this page")
)

// AuthContext is the resolved identity of one request.
type AuthContext struct {
	User     string   `json:"user"`
	Roles    []string `json:"roles"`
	Selected Portal   `json:"selected_role,omitempty"`
}

// Authenticated reports whether a real user is logged in.
func (a AuthContext) Authenticated() bool {
	return a.User != "" && a.User != guestUser
}

// HasRole reports whether the user holds r.
func (a AuthContext) HasRole(r Role) bool {
	return slices.Contains(a.Roles, string(r))
}

// IsAdmin reports whether the user is an administrator.
func (a AuthContext) IsAdmin() bool {
	return a.Authenticated() && a.HasRole(RoleAdministrator)
}

// Decision is where a user lands and, when they cannot proceed, why.
type Decision struct {
	Route   Route  `json:"route"`
	Portal  Portal `json:"portal,omitempty"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`
	Err     error  `json:"-"`
}

// Resolve applies the portal policy. An explicit selection wins when the
// user holds the matching role; otherwise Instructor is tried before
// Guardian. A user with neither is sent to login as Access Restricted.
func Resolve(a AuthContext) Decision {
	if !a.Authenticated() {
		return Decision{Route: RouteLogin, Err: ErrNotAuthenticated}
	}

	switch {
	case a.Selected == PortalTeacher && a.HasRole(RoleInstructor):
		return teacher()
	case a.Selected == PortalParent && a.HasRole(RoleGuardian):
		return parent()
	case a.HasRole(RoleInstructor):
		return teacher()
	case a.HasRole(RoleGuardian):
		return parent()
	}

	return Decision{
		Route:   RouteLogin,
		Title:   "Access Restricted",
		Message: AccessRestrictedMessage,
		Err:     ErrAccessRestricted,
	}
}

func teacher() Decision { return Decision{Route: RouteTeacherHome, Portal: PortalTeacher} }
func parent() Decision  { return Decision{Route: RouteParentHome, Portal: PortalParent} }

// Redirect returns the landing route for a. Administrators land on the
// admin home unless they picked a portal they also hold.
func Redirect(a AuthContext) Route {
	if a.IsAdmin() {
		d := Resolve(a)
		if a.Selected != PortalNone && d.Portal == a.Selected {
			return d.Route
		}
		return RouteHome
	}
	return Resolve(a).Route
}

// CanUsePortal reports whether a may open the portal p.
func CanUsePortal(a AuthContext, p Portal) bool {
	if !a.Authenticated() {
		return false
	}
	switch p {
	case PortalTeacher:
		return a.HasRole(RoleInstructor)
	case PortalParent:
		return a.HasRole(RoleGuardian)
	default:
		return false
	}
}
