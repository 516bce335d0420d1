package models

// Credential is the (connectionId -> secret) record held by the Credential
// Store, outside the main connection document store. PrivateKey and
// Passphrase are kept distinct from Password, following the teacher's
// models.Key/models.Password split.
type Credential struct {
	ConnectionID string
	Password     string
	PrivateKey   string
	Passphrase   string
}

// IsEmpty reports whether the credential carries no usable secret.
func (c Credential) IsEmpty() bool {
	return c.Password == "" && c.PrivateKey == ""
}
