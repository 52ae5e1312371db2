package store

import (
	"database/sql"
	"time"
)

// InstanceKey addresses one instance within a platform.
type InstanceKey struct {
	PlatformID string
	InstanceID string
}

type Platform struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

type Instance struct {
	PlatformID     string
	ID             string
	InternalID     sql.NullInt64
	Name           string
	PlanKind       string
	Version        string
	AdminUser      string
	AdminPassword  string
	AdminEmail     string
	ConfigArtifact []byte
	AccessToken    sql.NullString
	SiteID         sql.NullInt64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      sql.NullTime
}

func (i Instance) Key() InstanceKey {
	return InstanceKey{PlatformID: i.PlatformID, InstanceID: i.ID}
}

// Deleted reports whether the row is a tombstone.
func (i Instance) Deleted() bool {
	return i.DeletedAt.Valid
}

type Operation struct {
	PlatformID  string
	InstanceID  string
	Kind        string
	State       string
	Description string
	Token       string
	Phase       string
	UpdatedAt   time.Time
}

type Binding struct {
	PlatformID string
	InstanceID string
	ID         string
	SiteName   string
	SiteURL    string
	Email      string
	Username   string
	Password   string
	SiteID     sql.NullInt64
	CreatedAt  time.Time
}
