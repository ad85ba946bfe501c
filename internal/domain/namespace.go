package domain

import "time"

// Namespace is an operator-registered broker namespace: identifier, human
// name, credential reference, and connection health, per spec.md §3.
type Namespace struct {
	ID                       string
	Name                     string
	DisplayLabel             string
	Active                   bool
	LastConnectionTestAt     *time.Time
	LastConnectionTestSucceeded *bool
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// Credential is the broker connection descriptor CredentialStore decrypts
// on read. Its shape is broker-agnostic: a connection string plus whatever
// extra attributes a given broker kind needs.
type Credential struct {
	NamespaceID      string
	BrokerConnection string
	Attributes       map[string]string
}
