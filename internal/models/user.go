// Package models defines the off-ledger entities held in the entity store.
package models

import (
	"encoding/json"
	"time"

	"github.com/parcelchain/custodia/internal/chaincode"
)

// UserStatus tracks whether a user completed enrolment. A registration
// whose CA enrolment failed is kept but marked unusable.
type UserStatus string

const (
	UserActive   UserStatus = "active"
	UserUnusable UserStatus = "unusable"
)

// Address is a user's delivery address, stored as a JSON column.
type Address struct {
	Street  string `json:"street,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Zip     string `json:"zip,omitempty"`
	Country string `json:"country,omitempty"`
}

// User is an account in the entity store. The ledger never sees this
// record; it knows users only by id via certificate attributes.
type User struct {
	ID           string          `json:"id"`
	Username     string          `json:"username"`
	Email        string          `json:"email"`
	PasswordHash string          `json:"-"`
	Role         chaincode.Role  `json:"role"`
	FullName     string          `json:"fullName"`
	Address      *Address        `json:"address,omitempty"`
	CompanyID    string          `json:"companyId,omitempty"`
	CompanyName  string          `json:"companyName,omitempty"`
	VehicleInfo  string          `json:"vehicleInfo,omitempty"`
	Organization string          `json:"organization"`
	Status       UserStatus      `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// AddressJSON serializes the address for storage; nil becomes SQL NULL.
func (u *User) AddressJSON() ([]byte, error) {
	if u.Address == nil {
		return nil, nil
	}
	return json.Marshal(u.Address)
}
