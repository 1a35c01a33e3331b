package protocol

// Permission names a single grantable capability.
type Permission string

const (
	PermissionEdit        Permission = "edit"
	PermissionCreateFiles Permission = "createFiles"
	PermissionDeleteFiles Permission = "deleteFiles"
	PermissionDebug       Permission = "debug"
	PermissionTerminal    Permission = "terminal"
)

// Valid reports whether p is a known permission.
func (p Permission) Valid() bool {
	switch p {
	case PermissionEdit, PermissionCreateFiles, PermissionDeleteFiles, PermissionDebug, PermissionTerminal:
		return true
	}
	return false
}

// Permissions is the set held by one participant.
type Permissions struct {
	CanEdit        bool `json:"canEdit"`
	CanCreateFiles bool `json:"canCreateFiles"`
	CanDeleteFiles bool `json:"canDeleteFiles"`
	CanDebug       bool `json:"canDebug"`
	CanUseTerminal bool `json:"canUseTerminal"`
}

// HostPermissions returns the full set; the host is never restricted.
func HostPermissions() Permissions {
	return Permissions{CanEdit: true, CanCreateFiles: true, CanDeleteFiles: true, CanDebug: true, CanUseTerminal: true}
}

// Has reports whether p includes perm.
func (p Permissions) Has(perm Permission) bool {
	switch perm {
	case PermissionEdit:
		return p.CanEdit
	case PermissionCreateFiles:
		return p.CanCreateFiles
	case PermissionDeleteFiles:
		return p.CanDeleteFiles
	case PermissionDebug:
		return p.CanDebug
	case PermissionTerminal:
		return p.CanUseTerminal
	}
	return false
}

// With returns a copy of p with perm set to granted.
func (p Permissions) With(perm Permission, granted bool) Permissions {
	switch perm {
	case PermissionEdit:
		p.CanEdit = granted
	case PermissionCreateFiles:
		p.CanCreateFiles = granted
	case PermissionDeleteFiles:
		p.CanDeleteFiles = granted
	case PermissionDebug:
		p.CanDebug = granted
	case PermissionTerminal:
		p.CanUseTerminal = granted
	}
	return p
}

// Policy is the session-wide default for guests. It is fixed when the
// session is created and travels to guests inside workspace-info.
type Policy struct {
	AllowGuestEdit        bool `json:"allowGuestEdit"`
	AllowGuestCreateFiles bool `json:"allowGuestCreateFiles"`
	AllowGuestDeleteFiles bool `json:"allowGuestDeleteFiles"`
	AllowGuestDebug       bool `json:"allowGuestDebug"`
	AllowGuestTerminal    bool `json:"allowGuestTerminal"`
}

// GuestPermissions is the permission set a newly joined guest starts with.
func (p Policy) GuestPermissions() Permissions {
	return Permissions{
		CanEdit:        p.AllowGuestEdit,
		CanCreateFiles: p.AllowGuestCreateFiles,
		CanDeleteFiles: p.AllowGuestDeleteFiles,
		CanDebug:       p.AllowGuestDebug,
		CanUseTerminal: p.AllowGuestTerminal,
	}
}

// Allows reports whether the policy permits granting perm on request.
func (p Policy) Allows(perm Permission) bool {
	return p.GuestPermissions().Has(perm)
}
