package models

import "time"

// Account is the stored form of a user. PasswordHash is a bcrypt hash and
// never leaves the accounts package.
type Account struct {
	Login        string    `json:"login"`
	PasswordHash string    `json:"password_hash"`
	Name         string    `json:"name"`
	Birth        string    `json:"birth"`
	Country      string    `json:"country"`
	City         string    `json:"city"`
	Info         string    `json:"info"`
	CreatedAt    time.Time `json:"created_at"`
	LastOnline   time.Time `json:"last_online"`
	LastOffline  time.Time `json:"last_offline"`
}

func (a *Account) Profile() Profile {
	return Profile{
		Login:       a.Login,
		Name:        a.Name,
		Birth:       a.Birth,
		Country:     a.Country,
		City:        a.City,
		Info:        a.Info,
		LastOnline:  a.LastOnline,
		LastOffline: a.LastOffline,
	}
}

// Apply overwrites the fields set in u.
func (a *Account) Apply(u ProfileUpdate) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&a.Name, u.Name)
	set(&a.Birth, u.Birth)
	set(&a.Country, u.Country)
	set(&a.City, u.City)
	set(&a.Info, u.Info)
}

type Profile struct {
	Login       string    `json:"login"`
	Name        string    `json:"name"`
	Birth       string    `json:"birth"`
	Country     string    `json:"country"`
	City        string    `json:"city"`
	Info        string    `json:"info"`
	LastOnline  time.Time `json:"last_online"`
	LastOffline time.Time `json:"last_offline"`
}

// ProfileUpdate carries the fields to overwrite; nil means keep.
type ProfileUpdate struct {
	Name    *string
	Birth   *string
	Country *string
	City    *string
	Info    *string
}

func (u ProfileUpdate) Empty() bool {
	return u.Name == nil && u.Birth == nil && u.Country == nil && u.City == nil && u.Info == nil
}

type FriendList struct {
	Logins []string `json:"logins"`
}

// ChatIndex lists the partners a login shares a thread with, sorted.
type ChatIndex struct {
	Partners []string `json:"partners"`
}

const (
	KindText = "text"
	KindFile = "file"
)

type Message struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"-"`
	Sender    string    `json:"sender"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body,omitempty"`
	FileRef   string    `json:"file_ref,omitempty"`
	Timestamp time.Time `json:"-"`
}

type NewsPost struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"-"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"-"`
}
