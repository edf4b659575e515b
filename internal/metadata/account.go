package metadata

// AdminGroupID is the seeded Administrators group; its members bypass
// permission checks.
const AdminGroupID = 1

// PublicGroupID is the seeded default group for new users.
const PublicGroupID = 2

// Account identifies the caller of a schema operation. Auth middleware
// builds one per request from the verified token; internal callers use
// SystemAccount. System can only be true on accounts minted by
// SystemAccount, never on anything derived from a request.
type Account struct {
	UserID  string `json:"id"`
	Email   string `json:"email,omitempty"`
	GroupID int    `json:"group_id"`
	Admin   bool   `json:"admin"`
	System  bool   `json:"-"`
}

// SystemAccount returns the internal trusted identity used for reads that
// must see the full schema (mutation preconditions, bootstrap). It is the
// only way to obtain System=true.
func SystemAccount() Account {
	return Account{GroupID: AdminGroupID, Admin: true, System: true}
}

// Trusted reports whether the account bypasses access control entirely.
func (a Account) Trusted() bool {
	return a.System || a.Admin
}
