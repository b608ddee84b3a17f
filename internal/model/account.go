package model

import "time"

type Account struct {
	ID                          int64  `json:"id"`
	Name                        string `json:"name"`
	Timezone                    string `json:"timezone"`
	BusinessPreset              string `json:"business_preset"`
	KioskRequireSMSVerification bool   `json:"kiosk_require_sms_verification"`
	Suspended                   bool   `json:"suspended"`
}

// Location returns the account zone, falling back to UTC when the name is unknown.
func (a *Account) Location() *time.Location {
	if a == nil || a.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type Customer struct {
	ID           int64     `json:"id"`
	AccountID    int64     `json:"account_id"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	CompanyName  string    `json:"company_name,omitempty"`
	Email        string    `json:"email,omitempty"`
	Phone        string    `json:"phone"`
	PortalUserID *int64    `json:"portal_user_id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DisplayName prefers the personal name and falls back to the company.
func (c *Customer) DisplayName() string {
	name := c.FirstName
	if c.LastName != "" {
		if name != "" {
			name += " "
		}
		name += c.LastName
	}
	if name == "" {
		name = c.CompanyName
	}
	return name
}

type TeamMember struct {
	ID        int64     `json:"id"`
	AccountID int64     `json:"account_id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type Attendance struct {
	ID           int64      `json:"id"`
	TeamMemberID int64      `json:"team_member_id"`
	ClockInAt    time.Time  `json:"clock_in_at"`
	ClockOutAt   *time.Time `json:"clock_out_at,omitempty"`
}

type ActorKind string

const (
	ActorStaff   ActorKind = "staff"
	ActorManager ActorKind = "manager"
	ActorClient  ActorKind = "client"
	ActorKiosk   ActorKind = "kiosk"
	ActorSystem  ActorKind = "system"
)

// Actor identifies who performs an operation.
type Actor struct {
	ID           int64     `json:"id"`
	Kind         ActorKind `json:"kind"`
	TeamMemberID *int64    `json:"team_member_id,omitempty"`
	ClientID     *int64    `json:"client_id,omitempty"`
	ClientUserID *int64    `json:"client_user_id,omitempty"`
}

func (a Actor) IsClient() bool { return a.Kind == ActorClient || a.Kind == ActorKiosk }

func (a Actor) IsManager() bool { return a.Kind == ActorManager || a.Kind == ActorSystem }

// SystemActor is used by background jobs.
var SystemActor = Actor{Kind: ActorSystem}

// Int64Ptr is a small helper for optional ids.
func Int64Ptr(v int64) *int64 { return &v }

// Int64Value returns the pointed value or zero.
func Int64Value(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
