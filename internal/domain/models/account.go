package models

// Account is an authentication principal. Accounts are soft-deactivated,
// never physically deleted.
type Account struct {
	ID       int64
	Email    string
	PassHash []byte
	Role     string
	Active   bool
}

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)
